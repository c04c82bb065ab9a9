// Package scylla хранит лог сообщений в ScyllaDB: партиция на разговор,
// кластеризация по (created_us, id) по возрастанию.
package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/storage"
)

// created_us хранит микросекунды, потому что тип timestamp в CQL хранит только миллисекунды, а курсор точнее.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages_by_conversation (
		conversation text,
		created_us bigint,
		id bigint,
		sender_id text,
		sender_name text,
		type text,
		content text,
		media_url text,
		media_type text,
		reply_to bigint,
		read boolean,
		PRIMARY KEY ((conversation), created_us, id)
	) WITH CLUSTERING ORDER BY (created_us ASC, id ASC)`,
	`CREATE TABLE IF NOT EXISTS messages_by_id (
		id bigint PRIMARY KEY,
		conversation text,
		created_us bigint
	)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		other_user_id text,
		last_us bigint,
		last_id bigint,
		PRIMARY KEY (user_id, other_user_id)
	)`,
}

const messageCols = `conversation, created_us, id, sender_id, sender_name, type, content, media_url, media_type, reply_to, read`

// NewCluster настраивает кластер так же, как остальные сервисы: Quorum и экспоненциальные повторы.
func NewCluster(hosts []string, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        time.Second,
	}
	return cluster
}

type MessageLog struct {
	session *gocql.Session
}

func New(session *gocql.Session) *MessageLog {
	return &MessageLog{session: session}
}

// EnsureSchema создаёт таблицы, если их нет (keyspace должен существовать).
func (l *MessageLog) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := l.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("scylla.EnsureSchema: %w", err)
		}
	}
	return nil
}

func (l *MessageLog) Close() { l.session.Close() }

func (l *MessageLog) Append(ctx context.Context, m model.Message) error {
	defer logger.DeferLogDuration("scylla.Append", time.Now())()
	us := m.CreatedAt.UnixMicro()
	var mediaURL, mediaType string
	if ref := m.Body.Media(); ref != nil {
		mediaURL, mediaType = ref.URL, ref.ContentType
	}
	key := m.Conversation.Key()

	// logged batch: строка сообщения и индекс по id появляются вместе
	b := l.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO messages_by_conversation (`+messageCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, false)`,
		key, us, m.ID, m.SenderID, m.SenderName, string(m.Body.Type()), m.Body.Text(), mediaURL, mediaType, m.ReplyTo)
	b.Query(`INSERT INTO messages_by_id (id, conversation, created_us) VALUES (?, ?, ?)`, m.ID, key, us)
	if p := m.Conversation.Participants(); p != nil {
		b.Query(`INSERT INTO user_conversations (user_id, other_user_id, last_us, last_id) VALUES (?, ?, ?, ?)`, p[0], p[1], us, m.ID)
		b.Query(`INSERT INTO user_conversations (user_id, other_user_id, last_us, last_id) VALUES (?, ?, ?, ?)`, p[1], p[0], us, m.ID)
	}
	if err := l.session.ExecuteBatch(b); err != nil {
		return fmt.Errorf("scylla.Append: %w", err)
	}
	return nil
}

func scanMessages(iter *gocql.Iter) ([]model.Message, error) {
	var (
		out                                       []model.Message
		conv, sender, name, typ, content, url, mt string
		us, id, replyTo                           int64
		read                                      bool
	)
	for iter.Scan(&conv, &us, &id, &sender, &name, &typ, &content, &url, &mt, &replyTo, &read) {
		c, err := model.ParseConversation(conv)
		if err != nil {
			logger.Errorf("scylla: skip message %d: %v", id, err)
			continue
		}
		var media *model.MediaRef
		if url != "" {
			media = &model.MediaRef{URL: url, ContentType: mt}
		}
		body, err := model.NewBody(model.MessageType(typ), content, media)
		if err != nil {
			logger.Errorf("scylla: skip message %d: %v", id, err)
			continue
		}
		out = append(out, model.Message{
			ID:           id,
			Conversation: c,
			SenderID:     sender,
			SenderName:   name,
			Body:         body,
			ReplyTo:      replyTo,
			CreatedAt:    time.UnixMicro(us).UTC(),
			Read:         read,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *MessageLog) Range(ctx context.Context, c model.Conversation, after model.Cursor, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("scylla.Range", time.Now())()
	var q *gocql.Query
	if after.IsZero() {
		q = l.session.Query(`SELECT `+messageCols+` FROM messages_by_conversation
			WHERE conversation = ? LIMIT ?`, c.Key(), limit)
	} else {
		q = l.session.Query(`SELECT `+messageCols+` FROM messages_by_conversation
			WHERE conversation = ? AND (created_us, id) > (?, ?) LIMIT ?`,
			c.Key(), after.At.UnixMicro(), after.ID, limit)
	}
	msgs, err := scanMessages(q.WithContext(ctx).Iter())
	if err != nil {
		return nil, fmt.Errorf("scylla.Range: %w", err)
	}
	return msgs, nil
}

func (l *MessageLog) Get(ctx context.Context, id int64) (model.Message, error) {
	var (
		conv string
		us   int64
	)
	err := l.session.Query(`SELECT conversation, created_us FROM messages_by_id WHERE id = ?`, id).
		WithContext(ctx).Scan(&conv, &us)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Message{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("scylla.Get: %w", err)
	}
	msgs, err := scanMessages(l.session.Query(`SELECT `+messageCols+` FROM messages_by_conversation
		WHERE conversation = ? AND created_us = ? AND id = ?`, conv, us, id).WithContext(ctx).Iter())
	if err != nil {
		return model.Message{}, fmt.Errorf("scylla.Get: %w", err)
	}
	if len(msgs) == 0 {
		return model.Message{}, storage.ErrNotFound
	}
	return msgs[0], nil
}

type unreadRow struct {
	us, id int64
}

// unread перебирает партицию DM: фильтр по read/sender_id без ALLOW FILTERING невозможен.
func (l *MessageLog) unread(ctx context.Context, key, readerID string) ([]unreadRow, error) {
	iter := l.session.Query(`SELECT created_us, id, sender_id, read FROM messages_by_conversation WHERE conversation = ?`, key).
		WithContext(ctx).Iter()
	var (
		rows   []unreadRow
		us, id int64
		sender string
		read   bool
	)
	for iter.Scan(&us, &id, &sender, &read) {
		if sender != readerID && !read {
			rows = append(rows, unreadRow{us: us, id: id})
		}
	}
	return rows, iter.Close()
}

func (l *MessageLog) MarkRead(ctx context.Context, c model.Conversation, readerID string) (int, error) {
	defer logger.DeferLogDuration("scylla.MarkRead", time.Now())()
	key := c.Key()
	rows, err := l.unread(ctx, key, readerID)
	if err != nil {
		return 0, fmt.Errorf("scylla.MarkRead: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	b := l.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, r := range rows {
		b.Query(`UPDATE messages_by_conversation SET read = true WHERE conversation = ? AND created_us = ? AND id = ?`, key, r.us, r.id)
	}
	if err := l.session.ExecuteBatch(b); err != nil {
		return 0, fmt.Errorf("scylla.MarkRead: %w", err)
	}
	return len(rows), nil
}

func (l *MessageLog) Threads(ctx context.Context, userID string) ([]model.DMThread, error) {
	defer logger.DeferLogDuration("scylla.Threads", time.Now())()
	iter := l.session.Query(`SELECT other_user_id, last_us, last_id FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var (
		threads []model.DMThread
		peer    string
		us, id  int64
	)
	for iter.Scan(&peer, &us, &id) {
		threads = append(threads, model.DMThread{PeerID: peer, LastMessageID: id, LastAt: time.UnixMicro(us).UTC()})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scylla.Threads: %w", err)
	}
	for i := range threads {
		c, err := model.DirectConversation(userID, threads[i].PeerID)
		if err != nil {
			continue
		}
		rows, err := l.unread(ctx, c.Key(), userID)
		if err != nil {
			return nil, fmt.Errorf("scylla.Threads unread: %w", err)
		}
		threads[i].Unread = len(rows)
	}
	sort.Slice(threads, func(i, j int) bool {
		if !threads[i].LastAt.Equal(threads[j].LastAt) {
			return threads[i].LastAt.After(threads[j].LastAt)
		}
		return threads[i].LastMessageID > threads[j].LastMessageID
	})
	return threads, nil
}

var _ storage.MessageLog = (*MessageLog)(nil)
