// Package storage persists the client's local mirror: the current user
// snapshot, the pending sync queue, auth tokens and downloaded dictionary
// datasets.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	_ "modernc.org/sqlite" // registers the sqlite driver
)

// SQLiteStore keeps the client state in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the store at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps WAL readers consistent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSnapshot returns the stored snapshot, or nil if none was saved yet.
func (s *SQLiteStore) GetSnapshot(ctx context.Context) (*models.UserSnapshot, error) {
	var snap models.UserSnapshot
	ok, err := s.getJSON(ctx, keySnapshot, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// PutSnapshot replaces the stored snapshot.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap models.UserSnapshot) error {
	return s.putJSON(ctx, keySnapshot, snap)
}

// GetTokens returns the stored token pair, or nil when logged out.
func (s *SQLiteStore) GetTokens(ctx context.Context) (*models.TokenPair, error) {
	var tokens models.TokenPair
	ok, err := s.getJSON(ctx, keyTokens, &tokens)
	if err != nil || !ok {
		return nil, err
	}
	return &tokens, nil
}

// PutTokens stores the token pair.
func (s *SQLiteStore) PutTokens(ctx context.Context, tokens models.TokenPair) error {
	return s.putJSON(ctx, keyTokens, tokens)
}

// ClearTokens forgets the stored token pair.
func (s *SQLiteStore) ClearTokens(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app WHERE key = ?`, keyTokens); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// GetQueue returns the pending items in insertion order.
func (s *SQLiteStore) GetQueue(ctx context.Context) ([]models.SyncQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, payload, created_at FROM queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	defer rows.Close()

	items := []models.SyncQueueItem{}
	for rows.Next() {
		var (
			item      models.SyncQueueItem
			payload   string
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		if item.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Enqueue stores item. An item with the same id is replaced in place and
// keeps its queue position.
func (s *SQLiteStore) Enqueue(ctx context.Context, item models.SyncQueueItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (id, type, payload, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			payload = excluded.payload,
			created_at = excluded.created_at
	`, item.ID, string(item.Type), string(item.Payload), item.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", item.ID, err)
	}
	return nil
}

// RemoveByIDs deletes the queue items with the given ids.
func (s *SQLiteStore) RemoveByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM queue WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("remove %s: %w", id, err)
			}
		}
		return nil
	})
}

// ClearAll removes the snapshot and every pending queue item.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM app WHERE key = ?`, keySnapshot)
		return err
	})
}

func (s *SQLiteStore) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteStore) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, string(b))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// NormalizePinyin lowercases pinyin and strips spaces, tone numbers and
// apostrophes so that "Xue2 xi2" and "xuexi" match the same entries.
func NormalizePinyin(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r == ' ' || r == '\'' || r == '-':
		case r >= '0' && r <= '9':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
