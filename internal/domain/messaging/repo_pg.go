package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intakedesk/intake/internal/domain/account"
	"github.com/intakedesk/intake/internal/platform/apperr"
	"github.com/intakedesk/intake/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const (
	conversationCols = `id, title, created_at, updated_at`
	messageCols      = `id, conversation_id, sender_id, body, form_id, is_read, created_at`
)

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Conversation not found")
		}
		return nil, err
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.FormID, &m.IsRead, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Message not found")
		}
		return nil, err
	}
	return &m, nil
}

func (r *repoPG) CreateConversation(ctx context.Context, c *Conversation, participants []uuid.UUID) error {
	c.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		WITH c AS (
			INSERT INTO conversations (id, title) VALUES ($1, $2)
			RETURNING created_at, updated_at
		), p AS (
			INSERT INTO conversation_participants (conversation_id, user_id)
			SELECT $1, unnest($3::uuid[])
		)
		SELECT created_at, updated_at FROM c`,
		c.ID, c.Title, idStrings(participants)).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return err
	}
	return r.attachParticipants(ctx, []*Conversation{c})
}

func (r *repoPG) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, err := scanConversation(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.attachParticipants(ctx, []*Conversation{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *repoPG) FindTwoParty(ctx context.Context, a, b uuid.UUID) (*Conversation, error) {
	var id uuid.UUID
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT c.id
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		GROUP BY c.id
		HAVING COUNT(*) = 2 AND bool_or(p.user_id = $1) AND bool_or(p.user_id = $2)
		ORDER BY c.updated_at DESC
		LIMIT 1`, a, b).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Conversation not found")
		}
		return nil, err
	}
	return r.GetConversation(ctx, id)
}

// attachParticipants loads the members of every conversation in one query.
func (r *repoPG) attachParticipants(ctx context.Context, convs []*Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Conversation, len(convs))
	ids := make([]uuid.UUID, 0, len(convs))
	for _, c := range convs {
		c.Participants = []Participant{}
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT p.conversation_id, u.id, u.username, u.full_name, u.role
		FROM conversation_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ANY($1::uuid[])
		ORDER BY u.username`, idStrings(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var convID uuid.UUID
		var u account.User
		var role string
		if err := rows.Scan(&convID, &u.ID, &u.Username, &u.FullName, &role); err != nil {
			return err
		}
		u.Role = account.Role(role)
		if c, ok := byID[convID]; ok {
			c.Participants = append(c.Participants, Participant{
				UserID:      u.ID,
				Username:    u.Username,
				DisplayName: u.DisplayName(),
				Role:        u.Role,
			})
		}
	}
	return rows.Err()
}

func (r *repoPG) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Summary, int, error) {
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_participants WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn.Query(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id AND m.sender_id <> $1
				AND NOT EXISTS (
					SELECT 1 FROM message_read_status rs
					WHERE rs.message_id = m.id AND rs.user_id = $1)) AS unread,
			lm.id, lm.sender_id, lm.body, lm.form_id, lm.is_read, lm.created_at
		FROM conversations c
		JOIN conversation_participants me ON me.conversation_id = c.id AND me.user_id = $1
		LEFT JOIN LATERAL (
			SELECT id, sender_id, body, form_id, is_read, created_at
			FROM messages WHERE conversation_id = c.id
			ORDER BY created_at DESC LIMIT 1
		) lm ON TRUE
		ORDER BY c.updated_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Summary
	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		var s Summary
		var (
			lastID, lastSender *uuid.UUID
			lastBody           *string
			lastForm           *uuid.UUID
			lastRead           *bool
			lastAt             *time.Time
		)
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &s.UnreadCount,
			&lastID, &lastSender, &lastBody, &lastForm, &lastRead, &lastAt); err != nil {
			return nil, 0, err
		}
		if lastID != nil {
			s.LastMessage = &Message{
				ID:             *lastID,
				ConversationID: c.ID,
				SenderID:       *lastSender,
				Body:           *lastBody,
				FormID:         lastForm,
				IsRead:         *lastRead,
				CreatedAt:      *lastAt,
			}
		}
		s.Conversation = &c
		items = append(items, &s)
		convs = append(convs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.attachParticipants(ctx, convs); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Conversation not found")
	}
	return nil
}

func (r *repoPG) CreateMessage(ctx context.Context, m *Message) error {
	m.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		WITH m AS (
			INSERT INTO messages (id, conversation_id, sender_id, body, form_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at
		)
		UPDATE conversations SET updated_at = (SELECT created_at FROM m)
		WHERE id = $2
		RETURNING updated_at`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.FormID).Scan(&m.CreatedAt)
}

func (r *repoPG) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	return scanMessage(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = $1`, id))
}

func (r *repoPG) DeleteMessage(ctx context.Context, m *Message) error {
	// The subquery reads the pre-delete snapshot, hence the id filter.
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		WITH d AS (
			DELETE FROM messages WHERE id = $1 RETURNING conversation_id
		)
		UPDATE conversations c SET updated_at = CASE
			WHEN EXISTS (SELECT 1 FROM messages WHERE conversation_id = c.id AND id <> $1 AND created_at > $2)
				THEN c.updated_at
			ELSE COALESCE(
				(SELECT MAX(created_at) FROM messages WHERE conversation_id = c.id AND id <> $1),
				c.updated_at)
			END
		WHERE c.id = (SELECT conversation_id FROM d)`, m.ID, m.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Message not found")
	}
	return nil
}

func (r *repoPG) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *repoPG) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		WITH flagged AS (
			UPDATE messages SET is_read = TRUE
			WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read
		)
		INSERT INTO message_read_status (message_id, user_id)
		SELECT id, $2 FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2
		ON CONFLICT DO NOTHING`, conversationID, userID)
	return err
}

func (r *repoPG) UnreadTotal(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.user_id = $1
		WHERE m.sender_id <> $1
		AND NOT EXISTS (
			SELECT 1 FROM message_read_status rs
			WHERE rs.message_id = m.id AND rs.user_id = $1)`, userID).Scan(&n)
	return n, err
}
