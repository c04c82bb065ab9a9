package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
)

const messageCols = `id, conversation, sender_id, sender_name, type, content, media_url, media_type, COALESCE(reply_to, 0), created_at, read`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var (
		conv, typ, content, mediaURL, mediaType string
	)
	if err := s.Scan(&m.ID, &conv, &m.SenderID, &m.SenderName, &typ, &content, &mediaURL, &mediaType, &m.ReplyTo, &m.CreatedAt, &m.Read); err != nil {
		return err
	}
	c, err := model.ParseConversation(conv)
	if err != nil {
		return fmt.Errorf("message %d: %w", m.ID, err)
	}
	var media *model.MediaRef
	if mediaURL != "" {
		media = &model.MediaRef{URL: mediaURL, ContentType: mediaType}
	}
	body, err := model.NewBody(model.MessageType(typ), content, media)
	if err != nil {
		return fmt.Errorf("message %d: %w", m.ID, err)
	}
	m.Conversation = c
	m.Body = body
	m.CreatedAt = m.CreatedAt.UTC()
	return nil
}

func nullable(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// Append: одиночный INSERT, поэтому запись атомарна.
func (r *MessageRepository) Append(ctx context.Context, m model.Message) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	var lo, hi *string
	if p := m.Conversation.Participants(); p != nil {
		lo, hi = &p[0], &p[1]
	}
	var mediaURL, mediaType string
	if ref := m.Body.Media(); ref != nil {
		mediaURL, mediaType = ref.URL, ref.ContentType
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation, sender_id, sender_name, type, content, media_url, media_type, reply_to, created_at, read, dm_lo, dm_hi)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Conversation.Key(), m.SenderID, m.SenderName, string(m.Body.Type()), m.Body.Text(),
		mediaURL, mediaType, nullable(m.ReplyTo), m.CreatedAt, lo, hi,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Append: %w", err)
	}
	return nil
}

// Range читает страницу по индексу (conversation, created_at, id) строго после курсора.
func (r *MessageRepository) Range(ctx context.Context, c model.Conversation, after model.Cursor, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Range", time.Now())()
	var (
		rows pgx.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageCols+` FROM messages
			 WHERE conversation = $1
			 ORDER BY created_at, id
			 LIMIT $2`, c.Key(), limit)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageCols+` FROM messages
			 WHERE conversation = $1 AND (created_at, id) > ($2, $3)
			 ORDER BY created_at, id
			 LIMIT $4`, c.Key(), after.At, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Range query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.Range scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.Range rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) Get(ctx context.Context, id int64) (model.Message, error) {
	defer logger.DeferLogDuration("msg.Get", time.Now())()
	var m model.Message
	row := r.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("msgRepo.Get: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, c model.Conversation, readerID string) (int, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET read = TRUE
		 WHERE conversation = $1 AND sender_id <> $2 AND NOT read`, c.Key(), readerID)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Threads: последнее сообщение и число непрочитанных по каждому DM пользователя.
func (r *MessageRepository) Threads(ctx context.Context, userID string) ([]model.DMThread, error) {
	defer logger.DeferLogDuration("msg.Threads", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT t.conversation, t.id, t.created_at,
		        (SELECT COUNT(*) FROM messages u
		          WHERE u.conversation = t.conversation AND u.sender_id <> $1 AND NOT u.read)
		 FROM (
		   SELECT DISTINCT ON (conversation) conversation, id, created_at
		   FROM messages
		   WHERE dm_lo = $1 OR dm_hi = $1
		   ORDER BY conversation, created_at DESC, id DESC
		 ) t
		 ORDER BY t.created_at DESC, t.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Threads query: %w", err)
	}
	defer rows.Close()

	var threads []model.DMThread
	for rows.Next() {
		var (
			key    string
			t      model.DMThread
			unread int64
		)
		if err := rows.Scan(&key, &t.LastMessageID, &t.LastAt, &unread); err != nil {
			return nil, fmt.Errorf("msgRepo.Threads scan: %w", err)
		}
		c, err := model.ParseConversation(key)
		if err != nil {
			logger.Errorf("msgRepo.Threads: skip %q: %v", key, err)
			continue
		}
		t.PeerID = c.Peer(userID)
		t.Unread = int(unread)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}
