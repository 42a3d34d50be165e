package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Archive persists the logs of ended chats in SQLite so they survive
// relay restarts.
type Archive struct {
	db *sql.DB
}

// NewArchive opens (or creates) the archive database at dsn.
func NewArchive(dsn string) (*Archive, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// In-memory SQLite gives each connection its own database. Pin one
	// connection so the schema stays visible across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS chat_logs (
			chat_id TEXT PRIMARY KEY,
			topic TEXT,
			status TEXT NOT NULL,
			end_type TEXT,
			log TEXT NOT NULL,
			archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_logs_archived ON chat_logs(archived_at)`,
	}
	for _, m := range migrations {
		if _, err := a.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// SaveLog stores (or replaces) the log for one chat.
func (a *Archive) SaveLog(ctx context.Context, doc *LogDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode chat log: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chat_logs (chat_id, topic, status, end_type, log)
		 VALUES (?, ?, ?, ?, ?)`,
		doc.ChatID, doc.Topic, doc.Status, doc.EndType, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save chat log: %w", err)
	}
	return nil
}

// GetLog returns the archived log for a chat, or (nil, nil) when the
// chat was never archived.
func (a *Archive) GetLog(ctx context.Context, chatID string) (*LogDoc, error) {
	var raw string
	err := a.db.QueryRowContext(ctx,
		`SELECT log FROM chat_logs WHERE chat_id = ?`, chatID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat log: %w", err)
	}

	var doc LogDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode chat log: %w", err)
	}
	return &doc, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}
