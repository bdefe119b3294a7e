package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intakedesk/intake/internal/platform/apperr"
	"github.com/intakedesk/intake/internal/platform/db"
)

type formRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &formRepoPG{pool: pool}
}

const formCols = `id, patient_name, extracted_patient_name, file_key, file_name, file_size,
	status, previous_status, ai_decision, ai_feedback, processed, processing_time_seconds,
	uploaded_by, uploaded_at`

func scanForm(row pgx.Row) (*Form, error) {
	var f Form
	var status, aiDecision string
	var prev *string
	err := row.Scan(&f.ID, &f.PatientName, &f.ExtractedPatientName, &f.FileKey, &f.FileName, &f.FileSize,
		&status, &prev, &aiDecision, &f.AIFeedback, &f.Processed, &f.ProcessingTimeSeconds,
		&f.UploadedBy, &f.UploadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Form not found")
		}
		return nil, err
	}
	f.Status = Status(status)
	f.AIDecision = AIDecision(aiDecision)
	if prev != nil {
		p := Status(*prev)
		f.PreviousStatus = &p
	}
	return &f, nil
}

func nullableStatus(s *Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func (r *formRepoPG) Create(ctx context.Context, f *Form) error {
	f.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO forms (id, patient_name, extracted_patient_name, file_key, file_name, file_size,
			status, previous_status, ai_decision, ai_feedback, processed, processing_time_seconds, uploaded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING uploaded_at`,
		f.ID, f.PatientName, f.ExtractedPatientName, f.FileKey, f.FileName, f.FileSize,
		string(f.Status), nullableStatus(f.PreviousStatus), string(f.AIDecision), f.AIFeedback,
		f.Processed, f.ProcessingTimeSeconds, f.UploadedBy).Scan(&f.UploadedAt)
}

func (r *formRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Form, error) {
	return scanForm(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+formCols+` FROM forms WHERE id = $1`, id))
}

func (r *formRepoPG) Update(ctx context.Context, f *Form) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE forms SET patient_name=$2, extracted_patient_name=$3, status=$4, previous_status=$5,
			ai_decision=$6, ai_feedback=$7, processed=$8, processing_time_seconds=$9
		WHERE id = $1`,
		f.ID, f.PatientName, f.ExtractedPatientName, string(f.Status), nullableStatus(f.PreviousStatus),
		string(f.AIDecision), f.AIFeedback, f.Processed, f.ProcessingTimeSeconds)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Form not found")
	}
	return nil
}

func (r *formRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM forms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Form not found")
	}
	return nil
}

func (r *formRepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Form, int, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+escapeLike(s)+"%")
		where = append(where, fmt.Sprintf("(patient_name ILIKE $%d OR extracted_patient_name ILIKE $%d)", len(args), len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM forms`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := "DESC"
	if filter.OldestFirst {
		order = "ASC"
	}
	args = append(args, limit, offset)
	rows, err := q.Query(ctx, `SELECT `+formCols+` FROM forms`+clause+
		fmt.Sprintf(" ORDER BY uploaded_at %s LIMIT $%d OFFSET $%d", order, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Form
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, f)
	}
	return items, total, rows.Err()
}

func (r *formRepoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT status, COUNT(*) FROM forms GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

func (r *formRepoPG) MostRecentPending(ctx context.Context, asOf time.Time) (*Form, error) {
	return scanForm(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+formCols+` FROM forms
		WHERE status = 'pending' AND uploaded_at <= COALESCE($1, now())
		ORDER BY uploaded_at DESC
		LIMIT 1`, nullTime(asOf)))
}

func (r *formRepoPG) FindByPatientName(ctx context.Context, name string) (*Form, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(name)) + "%"
	return scanForm(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+formCols+` FROM forms
		WHERE patient_name ILIKE $1 OR extracted_patient_name ILIKE $1
		ORDER BY uploaded_at DESC
		LIMIT 1`, pattern))
}

// escapeLike escapes the ILIKE wildcards in user input.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *formRepoPG) Activity(ctx context.Context, formIDs []uuid.UUID, viewer uuid.UUID) (map[uuid.UUID]Activity, error) {
	out := make(map[uuid.UUID]Activity)
	if len(formIDs) == 0 {
		return out, nil
	}
	ids := make([]string, len(formIDs))
	for i, id := range formIDs {
		ids[i] = id.String()
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT m.form_id,
			bool_or(m.body LIKE '%PHYSICIAN DECISION:%'),
			COUNT(*) FILTER (WHERE m.sender_id <> $2 AND NOT EXISTS (
				SELECT 1 FROM message_read_status rs
				WHERE rs.message_id = m.id AND rs.user_id = $2)),
			(array_agg(m.conversation_id ORDER BY m.created_at DESC))[1]
		FROM messages m
		WHERE m.form_id = ANY($1::uuid[])
		GROUP BY m.form_id`, ids, viewer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			formID, convID uuid.UUID
			a              Activity
		)
		if err := rows.Scan(&formID, &a.HasDecision, &a.UnreadCount, &convID); err != nil {
			return nil, err
		}
		a.HasMessages = true
		a.ConversationID = &convID
		out[formID] = a
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
