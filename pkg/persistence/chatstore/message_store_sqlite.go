package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteMessageStore struct {
	db *sql.DB
}

var _ MessageStore = &SQLiteMessageStore{}

func NewSQLiteMessageStore(dsn string) (*SQLiteMessageStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteMessageStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteMessageStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
		  conv_id TEXT NOT NULL,
		  entry_key TEXT NOT NULL,
		  position INTEGER NOT NULL,
		  message_id TEXT NOT NULL DEFAULT '',
		  temp_id TEXT NOT NULL DEFAULT '',
		  sender_id TEXT NOT NULL,
		  content TEXT NOT NULL,
		  sent_at_ms INTEGER NOT NULL,
		  status TEXT NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  PRIMARY KEY (conv_id, entry_key)
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_position
		  ON chat_messages(conv_id, position);`,
		`CREATE TABLE IF NOT EXISTS chat_conversations (
		  conv_id TEXT PRIMARY KEY,
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_conversations_by_last_activity
		  ON chat_conversations(last_activity_ms DESC, conv_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

func (s *SQLiteMessageStore) Upsert(ctx context.Context, rec MessageRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	if err := validateRecord("sqlite message store", rec); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages(conv_id, entry_key, position, message_id, temp_id, sender_id, content, sent_at_ms, status, updated_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, entry_key) DO UPDATE SET
		  message_id = CASE
		    WHEN excluded.message_id <> '' THEN excluded.message_id
		    ELSE chat_messages.message_id
		  END,
		  status = excluded.status,
		  updated_at_ms = excluded.updated_at_ms
	`, rec.ConvID, rec.EntryKey, rec.Position, rec.ID, rec.TempID, rec.SenderID, rec.Content, rec.SentAtMs, rec.Status, now); err != nil {
		return errors.Wrap(err, "sqlite message store: upsert message")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_conversations(conv_id, created_at_ms, last_activity_ms)
		VALUES(?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
		  last_activity_ms = CASE
		    WHEN excluded.last_activity_ms > chat_conversations.last_activity_ms THEN excluded.last_activity_ms
		    ELSE chat_conversations.last_activity_ms
		  END
	`, rec.ConvID, now, now); err != nil {
		return errors.Wrap(err, "sqlite message store: upsert conversation")
	}

	return tx.Commit()
}

func (s *SQLiteMessageStore) List(ctx context.Context, convID string, limit int) ([]MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil, errors.New("sqlite message store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT conv_id, entry_key, position, message_id, temp_id, sender_id, content, sent_at_ms, status
		FROM chat_messages
		WHERE conv_id = ?
		ORDER BY position ASC, entry_key ASC
		LIMIT ?
	`, convID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: list messages")
	}
	defer func() { _ = rows.Close() }()

	out := make([]MessageRecord, 0, 64)
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(
			&rec.ConvID,
			&rec.EntryKey,
			&rec.Position,
			&rec.ID,
			&rec.TempID,
			&rec.SenderID,
			&rec.Content,
			&rec.SentAtMs,
			&rec.Status,
		); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan message")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteMessageStore) ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT c.conv_id, c.created_at_ms, c.last_activity_ms,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.conv_id = c.conv_id)
		FROM chat_conversations c
	`
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE c.last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY c.last_activity_ms DESC, c.conv_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ConversationRecord, 0, limit)
	for rows.Next() {
		var rec ConversationRecord
		if err := rows.Scan(&rec.ConvID, &rec.CreatedAtMs, &rec.LastActivityMs, &rec.MessageCount); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan conversation")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
