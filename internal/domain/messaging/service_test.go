package messaging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/intakedesk/intake/internal/domain/account"
	"github.com/intakedesk/intake/internal/platform/apperr"
)

// -- Mock Repository --

type mockRepo struct {
	mu            sync.Mutex
	clock         time.Time
	conversations map[uuid.UUID]*Conversation
	messages      map[uuid.UUID]*Message
	reads         map[uuid.UUID]map[uuid.UUID]bool // message -> user
	createErr     error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		clock:         time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		conversations: make(map[uuid.UUID]*Conversation),
		messages:      make(map[uuid.UUID]*Message),
		reads:         make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (m *mockRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = append([]Participant(nil), c.Participants...)
	return &cp
}

func (m *mockRepo) CreateConversation(_ context.Context, c *Conversation, participants []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	c.CreatedAt = m.tick()
	c.UpdatedAt = c.CreatedAt
	c.Participants = nil
	for _, id := range participants {
		c.Participants = append(c.Participants, Participant{UserID: id})
	}
	m.conversations[c.ID] = copyConversation(c)
	return nil
}

func (m *mockRepo) GetConversation(_ context.Context, id uuid.UUID) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, apperr.NotFound("Conversation not found")
	}
	return copyConversation(c), nil
}

func (m *mockRepo) FindTwoParty(_ context.Context, a, b uuid.UUID) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if len(c.Participants) == 2 && c.HasParticipant(a) && c.HasParticipant(b) {
			return copyConversation(c), nil
		}
	}
	return nil, apperr.NotFound("Conversation not found")
}

func (m *mockRepo) unread(c *Conversation, userID uuid.UUID) int {
	n := 0
	for _, msg := range m.messages {
		if msg.ConversationID == c.ID && msg.SenderID != userID && !m.reads[msg.ID][userID] {
			n++
		}
	}
	return n
}

func (m *mockRepo) ListForUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*Summary, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Summary
	for _, c := range m.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		s := &Summary{Conversation: copyConversation(c), UnreadCount: m.unread(c, userID)}
		for _, msg := range m.messages {
			if msg.ConversationID == c.ID && (s.LastMessage == nil || msg.CreatedAt.After(s.LastMessage.CreatedAt)) {
				cp := *msg
				s.LastMessage = &cp
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRepo) DeleteConversation(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return apperr.NotFound("Conversation not found")
	}
	delete(m.conversations, id)
	for mid, msg := range m.messages {
		if msg.ConversationID == id {
			delete(m.messages, mid)
			delete(m.reads, mid)
		}
	}
	return nil
}

func (m *mockRepo) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return errors.New("conversation does not exist")
	}
	msg.ID = uuid.New()
	msg.CreatedAt = m.tick()
	c.UpdatedAt = msg.CreatedAt
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *mockRepo) GetMessage(_ context.Context, id uuid.UUID) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, apperr.NotFound("Message not found")
	}
	cp := *msg
	return &cp, nil
}

func (m *mockRepo) DeleteMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		return apperr.NotFound("Message not found")
	}
	delete(m.messages, msg.ID)
	delete(m.reads, msg.ID)
	c := m.conversations[msg.ConversationID]
	var latest time.Time
	for _, other := range m.messages {
		if other.ConversationID == c.ID && other.CreatedAt.After(latest) {
			latest = other.CreatedAt
		}
	}
	if !latest.IsZero() && !latest.After(msg.CreatedAt) {
		c.UpdatedAt = latest
	}
	return nil
}

func (m *mockRepo) ListMessages(_ context.Context, conversationID uuid.UUID) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockRepo) MarkRead(_ context.Context, conversationID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID || msg.SenderID == userID {
			continue
		}
		msg.IsRead = true
		if m.reads[msg.ID] == nil {
			m.reads[msg.ID] = make(map[uuid.UUID]bool)
		}
		m.reads[msg.ID][userID] = true
	}
	return nil
}

func (m *mockRepo) UnreadTotal(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			n += m.unread(c, userID)
		}
	}
	return n, nil
}

// -- Collaborators --

type mockDirectory struct {
	users map[string]*account.User
}

func (d *mockDirectory) GetByUsername(_ context.Context, username string) (*account.User, error) {
	if u, ok := d.users[username]; ok {
		return u, nil
	}
	return nil, apperr.NotFound("user not found")
}

func (d *mockDirectory) Search(_ context.Context, query string, exclude uuid.UUID) ([]*account.User, error) {
	var out []*account.User
	for _, u := range d.users {
		if u.ID != exclude && strings.Contains(u.Username, strings.ToLower(query)) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// recordingComposer uppercases bodies. With withEffect set it attaches an
// effect that counts its runs and returns effectErr.
type recordingComposer struct {
	hints      []Hint
	drafts     []Draft
	form       *uuid.UUID
	withEffect bool
	effectErr  error
	effects    int
}

func (r *recordingComposer) Compose(_ context.Context, _ *account.User, d Draft) Composed {
	r.hints = append(r.hints, d.Hint)
	r.drafts = append(r.drafts, d)
	out := Composed{Body: strings.ToUpper(d.Body), FormID: r.form}
	if r.withEffect {
		out.Effect = func(context.Context) error {
			r.effects++
			return r.effectErr
		}
	}
	return out
}

// recordingTx runs fn directly and tracks nesting.
type recordingTx struct {
	depth    int
	maxDepth int
	calls    int
}

func (r *recordingTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.calls++
	r.depth++
	if r.depth > r.maxDepth {
		r.maxDepth = r.depth
	}
	defer func() { r.depth-- }()
	return fn(ctx)
}

var (
	alice = &account.User{ID: uuid.New(), Username: "alice", Role: account.RoleAdministrator}
	bob   = &account.User{ID: uuid.New(), Username: "bob", Role: account.RoleScreeningPhysician}
	carol = &account.User{ID: uuid.New(), Username: "carol", Role: account.RoleScreeningPhysician}
)

func newTestService() (*Service, *mockRepo, *recordingComposer) {
	repo := newMockRepo()
	dir := &mockDirectory{users: map[string]*account.User{"alice": alice, "bob": bob, "carol": carol}}
	comp := &recordingComposer{}
	return NewService(repo, dir, comp, zerolog.Nop()), repo, comp
}

// -- Tests --

func TestStartOrReuse_Symmetric(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	first, err := svc.StartOrReuse(ctx, alice.ID, bob.ID, "Form Status Updates - Jane Smith")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.StartOrReuse(ctx, bob.ID, alice.ID, "ignored")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Error("expected the same conversation for both orders")
	}
	if len(repo.conversations) != 1 {
		t.Errorf("expected one conversation, got %d", len(repo.conversations))
	}
	if first.Title == nil || *first.Title != "Form Status Updates - Jane Smith" {
		t.Errorf("unexpected title %v", first.Title)
	}

	other, err := svc.StartOrReuse(ctx, alice.ID, carol.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other.ID == first.ID {
		t.Error("expected a separate conversation with carol")
	}
	if other.Title != nil {
		t.Error("blank title should not be stored")
	}
}

func TestStartOrReuse_Self(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.StartOrReuse(context.Background(), alice.ID, alice.ID, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSend(t *testing.T) {
	svc, _, comp := newTestService()
	ctx := context.Background()
	c, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")

	formID := uuid.New()
	comp.form = &formID
	m, err := svc.Send(ctx, c.ID, bob, "accept")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Body != "ACCEPT" {
		t.Errorf("expected composed body, got %q", m.Body)
	}
	if m.FormID == nil || *m.FormID != formID {
		t.Error("expected form reference from composer")
	}
	if len(comp.hints) != 1 || comp.hints[0] != HintReply {
		t.Errorf("unexpected hints %v", comp.hints)
	}

	got, _ := svc.repo.GetConversation(ctx, c.ID)
	if !got.UpdatedAt.Equal(m.CreatedAt) {
		t.Error("expected updated_at to follow the new message")
	}
}

func TestSend_Validation(t *testing.T) {
	svc, _, comp := newTestService()
	ctx := context.Background()
	c, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")

	if _, err := svc.Send(ctx, c.ID, bob, "   \n"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := svc.Send(ctx, c.ID, carol, "hello"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected permission denied, got %v", err)
	}
	if _, err := svc.Send(ctx, uuid.New(), bob, "hello"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if len(comp.hints) != 0 {
		t.Error("composer must not run for rejected sends")
	}
}

func TestStartConversation(t *testing.T) {
	svc, _, comp := newTestService()
	ctx := context.Background()

	c, m, err := svc.StartConversation(ctx, bob, "alice", "Patient Form: John Doe, accept", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m == nil || m.ConversationID != c.ID {
		t.Fatal("expected initial message in the conversation")
	}
	if len(comp.hints) != 1 || comp.hints[0] != HintConversationStart {
		t.Errorf("expected conversation-start hint, got %v", comp.hints)
	}

	again, m2, err := svc.StartConversation(ctx, alice, "bob", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID != c.ID {
		t.Error("expected the existing conversation to be reused")
	}
	if m2 != nil {
		t.Error("blank initial message should not be sent")
	}
}

func TestStartConversation_Errors(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, _, err := svc.StartConversation(ctx, bob, "nobody", "hi", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, _, err := svc.StartConversation(ctx, bob, "bob", "hi", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, _, err := svc.StartConversation(ctx, bob, " ", "hi", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStartConversation_Decision(t *testing.T) {
	svc, _, comp := newTestService()
	ctx := context.Background()

	c, m, err := svc.StartConversation(ctx, bob, "alice", "", DecisionReview)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m == nil || m.ConversationID != c.ID {
		t.Fatal("expected a message even without notes")
	}
	if len(comp.drafts) != 1 || comp.drafts[0].Decision != DecisionReview || comp.drafts[0].Hint != HintConversationStart {
		t.Errorf("unexpected drafts %+v", comp.drafts)
	}

	if _, _, err := svc.StartConversation(ctx, alice, "bob", "notes", DecisionAccept); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected permission denied for an administrator, got %v", err)
	}
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{"": "", " Accept ": DecisionAccept, "reject": DecisionReject, "REVIEW": DecisionReview} {
		got, err := ParseDecision(in)
		if err != nil || got != want {
			t.Errorf("ParseDecision(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDecision("maybe"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSend_EffectRunsAfterStore(t *testing.T) {
	svc, repo, comp := newTestService()
	tx := &recordingTx{}
	svc.SetTransactor(tx)
	ctx := context.Background()
	c, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")
	comp.withEffect = true

	if _, err := svc.Send(ctx, c.ID, bob, "accept"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comp.effects != 1 {
		t.Errorf("expected the effect to run once, got %d", comp.effects)
	}
	if tx.maxDepth != 2 {
		t.Errorf("expected the effect nested inside the send transaction, depth %d", tx.maxDepth)
	}

	repo.createErr = errors.New("db down")
	if _, err := svc.Send(ctx, c.ID, bob, "accept"); err == nil {
		t.Fatal("expected the store failure to surface")
	}
	if comp.effects != 1 {
		t.Error("effect must not run when the message was not stored")
	}
}

func TestSend_EffectFailureKeepsMessage(t *testing.T) {
	svc, repo, comp := newTestService()
	ctx := context.Background()
	c, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")
	comp.withEffect = true
	comp.effectErr = errors.New("form locked")

	m, err := svc.Send(ctx, c.ID, bob, "reject")
	if err != nil {
		t.Fatalf("effect failures must not fail the send: %v", err)
	}
	if _, err := repo.GetMessage(ctx, m.ID); err != nil {
		t.Errorf("expected the message to be stored: %v", err)
	}
}

func TestSearchRecipients(t *testing.T) {
	svc, _, _ := newTestService()
	got, err := svc.SearchRecipients(context.Background(), bob, "o")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, u := range got {
		if u.ID == bob.ID {
			t.Error("requester must be excluded")
		}
	}
}

func TestMarkRead_Idempotent(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	c, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")
	svc.Send(ctx, c.ID, alice, "one")
	svc.Send(ctx, c.ID, alice, "two")

	inbox, _ := svc.Inbox(ctx, bob, 20, 0)
	if inbox.TotalUnread != 2 || inbox.Conversations[0].UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", inbox.TotalUnread)
	}

	for i := 0; i < 2; i++ {
		if err := svc.MarkRead(ctx, c.ID, bob); err != nil {
			t.Fatalf("mark read: %v", err)
		}
		inbox, _ = svc.Inbox(ctx, bob, 20, 0)
		if inbox.TotalUnread != 0 || inbox.Conversations[0].UnreadCount != 0 {
			t.Errorf("pass %d: expected 0 unread, got %d", i, inbox.TotalUnread)
		}
	}

	if err := svc.MarkRead(ctx, c.ID, carol); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected permission denied, got %v", err)
	}
}

func TestDeleteMessage_OnlyMessage(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	c, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")
	m, _ := svc.Send(ctx, c.ID, alice, "hello")

	if err := svc.DeleteMessage(ctx, m.ID, bob); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := svc.DeleteMessage(ctx, m.ID, alice); err != nil {
		t.Fatalf("delete: %v", err)
	}

	d, err := svc.Detail(ctx, c.ID, bob)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(d.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(d.Messages))
	}
	inbox, _ := svc.Inbox(ctx, bob, 20, 0)
	if len(inbox.Conversations) != 1 || inbox.Conversations[0].UnreadCount != 0 {
		t.Errorf("expected the conversation to remain with 0 unread")
	}
	if inbox.Conversations[0].LastMessage != nil {
		t.Error("expected no last message")
	}
	if !inbox.Conversations[0].UpdatedAt.Equal(m.CreatedAt) {
		t.Error("expected updated_at to be left at the deleted message time")
	}
}

func TestDeleteMessage_RecomputesUpdatedAt(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	c, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")
	first, _ := svc.Send(ctx, c.ID, alice, "first")
	last, _ := svc.Send(ctx, c.ID, bob, "second")

	if err := svc.DeleteMessage(ctx, last.ID, bob); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := svc.repo.GetConversation(ctx, c.ID)
	if !got.UpdatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected updated_at %v, got %v", first.CreatedAt, got.UpdatedAt)
	}
}

func TestDeleteConversation(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	c, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")
	svc.Send(ctx, c.ID, alice, "hello")

	if err := svc.DeleteConversation(ctx, c.ID, carol); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := svc.DeleteConversation(ctx, c.ID, bob); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(repo.conversations) != 0 || len(repo.messages) != 0 {
		t.Error("expected conversation and messages to be removed")
	}
}

func TestInbox_Ordering(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	withBob, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")
	withCarol, _ := svc.StartOrReuse(ctx, alice.ID, carol.ID, "")
	svc.Send(ctx, withCarol.ID, carol, "older")
	svc.Send(ctx, withBob.ID, bob, "newer")

	inbox, err := svc.Inbox(ctx, alice, 20, 0)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if inbox.Total != 2 || inbox.Conversations[0].ID != withBob.ID {
		t.Errorf("expected most recent conversation first")
	}
	if inbox.Conversations[0].LastMessage == nil || inbox.Conversations[0].LastMessage.Body != "NEWER" {
		t.Error("expected last message preview")
	}
	if inbox.TotalUnread != 2 {
		t.Errorf("expected 2 unread, got %d", inbox.TotalUnread)
	}
}

func TestDetail_MarksReadAndOrders(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	c, _ := svc.StartOrReuse(ctx, alice.ID, bob.ID, "")
	svc.Send(ctx, c.ID, alice, "one")
	svc.Send(ctx, c.ID, bob, "two")
	svc.Send(ctx, c.ID, alice, "three")

	d, err := svc.Detail(ctx, c.ID, bob)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(d.Messages) != 3 || d.Messages[0].Body != "ONE" || d.Messages[2].Body != "THREE" {
		t.Errorf("unexpected order")
	}
	if n, _ := svc.repo.UnreadTotal(ctx, bob.ID); n != 0 {
		t.Errorf("expected detail to mark read, %d unread", n)
	}
	if n, _ := svc.repo.UnreadTotal(ctx, alice.ID); n != 1 {
		t.Errorf("expected alice to keep 1 unread, got %d", n)
	}
	if _, err := svc.Detail(ctx, c.ID, carol); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected permission denied, got %v", err)
	}
}
