// Package storage implements a transactional queue manager on SQLite. Each
// queue manager is one database file; the bridge reaches it through Transport.
package storage

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"mq-bridge/queue"

	_ "modernc.org/sqlite"
)

// Лимиты очереди по умолчанию.
const (
	DefaultMaxDepth         = 5000
	DefaultMaxMessageLength = 4 * 1024 * 1024
)

// Store - абстракция хранилища очередей, использующая SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
}

// QueueInfo описывает определение очереди и её текущую глубину.
type QueueInfo struct {
	Name             string
	MaxDepth         int
	MaxMessageLength int
	Depth            int
	CreatedAt        time.Time
}

// NewStore создает и возвращает новый экземпляр Store.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger,
		path:   dbPath,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Debug("queue manager database opened", "path", dbPath)
	return store, nil
}

// migrate создает необходимые таблицы.
func (s *Store) migrate() error {
	createQueuesTable := `
	CREATE TABLE IF NOT EXISTS queues (
		name TEXT PRIMARY KEY,
		max_depth INTEGER NOT NULL,
		max_message_length INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := s.db.Exec(createQueuesTable); err != nil {
		return fmt.Errorf("failed to create queues table: %w", err)
	}

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		queue TEXT NOT NULL,
		message_id BLOB NOT NULL,
		correlation_id BLOB,
		payload BLOB NOT NULL,
		properties TEXT,
		backout_count INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT,
		lease_until INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (queue) REFERENCES queues(name) ON DELETE CASCADE
	);`
	if _, err := s.db.Exec(createMessagesTable); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_queue_seq ON messages (queue, seq)`); err != nil {
		return fmt.Errorf("failed to create messages index: %w", err)
	}

	return nil
}

// DefineQueue создает очередь или обновляет её лимиты.
func (s *Store) DefineQueue(ctx context.Context, name string, maxDepth, maxMessageLength int) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxMessageLength <= 0 {
		maxMessageLength = DefaultMaxMessageLength
	}

	query := `
	INSERT INTO queues (name, max_depth, max_message_length) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET max_depth = excluded.max_depth, max_message_length = excluded.max_message_length`
	if _, err := s.db.ExecContext(ctx, query, name, maxDepth, maxMessageLength); err != nil {
		return fmt.Errorf("failed to define queue %s: %w", name, err)
	}
	s.logger.Info("queue defined", "queue", name, "max_depth", maxDepth, "max_message_length", maxMessageLength)
	return nil
}

// GetQueue возвращает определение очереди или queue.ErrUnknownQueue.
func (s *Store) GetQueue(ctx context.Context, name string) (*QueueInfo, error) {
	query := `
	SELECT q.name, q.max_depth, q.max_message_length, q.created_at,
		(SELECT COUNT(*) FROM messages m WHERE m.queue = q.name)
	FROM queues q WHERE q.name = ?`

	info := &QueueInfo{}
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&info.Name, &info.MaxDepth, &info.MaxMessageLength, &info.CreatedAt, &info.Depth)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
		}
		return nil, fmt.Errorf("failed to get queue %s: %w", name, err)
	}
	return info, nil
}

// GetAllQueues возвращает все очереди с текущей глубиной.
func (s *Store) GetAllQueues(ctx context.Context) ([]QueueInfo, error) {
	query := `
	SELECT q.name, q.max_depth, q.max_message_length, q.created_at,
		(SELECT COUNT(*) FROM messages m WHERE m.queue = q.name)
	FROM queues q ORDER BY q.name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get all queues: %w", err)
	}
	defer rows.Close()

	var queues []QueueInfo
	for rows.Next() {
		var q QueueInfo
		if err := rows.Scan(&q.Name, &q.MaxDepth, &q.MaxMessageLength, &q.CreatedAt, &q.Depth); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// Depth возвращает количество сообщений в очереди, включая захваченные.
func (s *Store) Depth(ctx context.Context, name string) (int, error) {
	info, err := s.GetQueue(ctx, name)
	if err != nil {
		return 0, err
	}
	return info.Depth, nil
}

// Put помещает сообщение в очередь вне единицы работы.
func (s *Store) Put(ctx context.Context, name string, msg *queue.Message) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := insertMessage(ctx, tx, name, msg)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit put: %w", err)
	}
	return id, nil
}

// Drain удаляет и возвращает до limit сообщений, не захваченных другими
// соединениями. limit <= 0 означает все.
func (s *Store) Drain(ctx context.Context, name string, limit int) ([]queue.Message, error) {
	if _, err := s.GetQueue(ctx, name); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	query := `
	DELETE FROM messages WHERE seq IN (
		SELECT seq FROM messages
		WHERE queue = ? AND (lease_owner IS NULL OR lease_until < ?)
		ORDER BY seq LIMIT ?
	)
	RETURNING seq, message_id, correlation_id, payload, properties`
	rows, err := s.db.QueryContext(ctx, query, name, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue %s: %w", name, err)
	}
	defer rows.Close()

	type drained struct {
		seq int64
		msg queue.Message
	}
	var out []drained
	for rows.Next() {
		var d drained
		var props sql.NullString
		if err := rows.Scan(&d.seq, &d.msg.ID, &d.msg.CorrelationID, &d.msg.Payload, &props); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if d.msg.Properties, err = decodeProperties(props); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not guarantee order.
	msgs := make([]queue.Message, len(out))
	slices.SortFunc(out, func(a, b drained) int { return cmp.Compare(a.seq, b.seq) })
	for i, d := range out {
		msgs[i] = d.msg
	}
	return msgs, nil
}

// Path возвращает путь к файлу базы данных.
func (s *Store) Path() string {
	return s.path
}

// Close закрывает соединение с базой данных.
func (s *Store) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertMessage checks the queue limits and inserts msg under a fresh
// broker-assigned identifier.
func insertMessage(ctx context.Context, tx execer, name string, msg *queue.Message) ([]byte, error) {
	var maxDepth, maxLen, depth int
	err := tx.QueryRowContext(ctx, `
		SELECT q.max_depth, q.max_message_length,
			(SELECT COUNT(*) FROM messages m WHERE m.queue = q.name)
		FROM queues q WHERE q.name = ?`, name).Scan(&maxDepth, &maxLen, &depth)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
		}
		return nil, fmt.Errorf("failed to read queue %s: %w", name, err)
	}

	if len(msg.Payload) > maxLen {
		return nil, fmt.Errorf("%w: %s accepts %d bytes, got %d", queue.ErrMessageTooLarge, name, maxLen, len(msg.Payload))
	}
	if depth >= maxDepth {
		return nil, fmt.Errorf("%w: %s at depth %d", queue.ErrQueueFull, name, depth)
	}

	props, err := encodeProperties(msg.Properties)
	if err != nil {
		return nil, err
	}

	id := queue.NewMessageID()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (queue, message_id, correlation_id, payload, properties) VALUES (?, ?, ?, ?, ?)`,
		name, id, msg.CorrelationID, payload(msg.Payload), props)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message into %s: %w", name, err)
	}
	return id, nil
}

// payload keeps empty bodies from being stored as NULL.
func payload(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func encodeProperties(props map[string]string) (sql.NullString, error) {
	if len(props) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode message properties: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeProperties(props sql.NullString) (map[string]string, error) {
	if !props.Valid || props.String == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(props.String), &out); err != nil {
		return nil, fmt.Errorf("failed to decode message properties: %w", err)
	}
	return out, nil
}
