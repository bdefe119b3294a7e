package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}
	formID := uuid.New()
	e := NewEvent(FormStatusChanged, formID)
	e.Status = "pending"
	e.FromStatus = "approved"

	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != formID.String() {
		t.Errorf("expected key %s, got %s", formID, msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(FormStatusChanged) {
		t.Errorf("unexpected headers %+v", msg.Headers)
	}

	var got Event
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if got.FormID != formID || got.Status != "pending" || got.FromStatus != "approved" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := &KafkaPublisher{w: &fakeWriter{err: errors.New("broker down")}}
	err := p.Publish(context.Background(), NewEvent(FormDeleted, uuid.New()))
	if err == nil || !strings.Contains(err.Error(), "form.deleted") {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}
	p.Close()
	if !w.closed {
		t.Error("expected writer to be closed")
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))
	if err := p.Publish(context.Background(), NewEvent(FormUploaded, uuid.New())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"type":"form.uploaded"`) {
		t.Errorf("expected event in log, got %s", buf.String())
	}
}

func TestNewKafkaPublisher(t *testing.T) {
	p := NewKafkaPublisher([]string{"k1:9092", "k2:9092"}, "form-events", zerolog.Nop())
	w, ok := p.w.(*kafka.Writer)
	if !ok {
		t.Fatalf("expected *kafka.Writer, got %T", p.w)
	}
	if w.Topic != "form-events" {
		t.Errorf("expected topic form-events, got %s", w.Topic)
	}
	if !w.Async {
		t.Error("expected async writer")
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", w.Balancer)
	}
}
