package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
)

// PutDatasetMeta stores the download metadata of a dataset.
func (s *SQLiteStore) PutDatasetMeta(ctx context.Context, meta models.DatasetMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset_meta (dataset_id, total, downloaded, downloaded_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (dataset_id) DO UPDATE SET
			total = excluded.total,
			downloaded = excluded.downloaded,
			downloaded_at = excluded.downloaded_at
	`, meta.DatasetID, meta.Total, meta.Downloaded, meta.DownloadedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put dataset meta %s: %w", meta.DatasetID, err)
	}
	return nil
}

// GetDatasetMeta returns the metadata of a dataset, or nil if it was never stored.
func (s *SQLiteStore) GetDatasetMeta(ctx context.Context, datasetID string) (*models.DatasetMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT dataset_id, total, downloaded, downloaded_at FROM dataset_meta WHERE dataset_id = ?
	`, datasetID)
	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset meta %s: %w", datasetID, err)
	}
	return &meta, nil
}

// ListDatasetMeta returns the metadata of every stored dataset.
func (s *SQLiteStore) ListDatasetMeta(ctx context.Context) ([]models.DatasetMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dataset_id, total, downloaded, downloaded_at FROM dataset_meta ORDER BY dataset_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list dataset meta: %w", err)
	}
	defer rows.Close()

	var out []models.DatasetMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset meta: %w", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (models.DatasetMeta, error) {
	var (
		meta models.DatasetMeta
		at   string
	)
	if err := row.Scan(&meta.DatasetID, &meta.Total, &meta.Downloaded, &at); err != nil {
		return meta, err
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return meta, err
	}
	meta.DownloadedAt = t
	return meta, nil
}

// StoreDatasetEntries bulk inserts entries of a dataset in one transaction.
// Entries already present are replaced.
func (s *SQLiteStore) StoreDatasetEntries(ctx context.Context, datasetID string, entries []models.DictEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO dataset_entries (dataset_id, entry_id, simplified, traditional, pinyin_normalized, entry)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (dataset_id, entry_id) DO UPDATE SET
				simplified = excluded.simplified,
				traditional = excluded.traditional,
				pinyin_normalized = excluded.pinyin_normalized,
				entry = excluded.entry
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			b, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entry %d: %w", e.ID, err)
			}
			pinyin := e.PinyinNormalized
			if pinyin == "" {
				pinyin = NormalizePinyin(e.Pinyin)
			}
			if _, err := stmt.ExecContext(ctx, datasetID, e.ID, e.Simplified, e.Traditional, pinyin, string(b)); err != nil {
				return fmt.Errorf("insert entry %d: %w", e.ID, err)
			}
		}
		return nil
	})
}

// CountDatasetEntries returns how many entries of a dataset are stored.
func (s *SQLiteStore) CountDatasetEntries(ctx context.Context, datasetID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dataset_entries WHERE dataset_id = ?`, datasetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries of %s: %w", datasetID, err)
	}
	return n, nil
}

// ClearDatasetEntries deletes every entry of a dataset and its metadata.
func (s *SQLiteStore) ClearDatasetEntries(ctx context.Context, datasetID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dataset_entries WHERE dataset_id = ?`, datasetID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM dataset_meta WHERE dataset_id = ?`, datasetID)
		return err
	})
}

// LookupEntries finds entries whose simplified, traditional or normalized
// pinyin form starts with query. Shorter headwords are returned first.
func (s *SQLiteStore) LookupEntries(ctx context.Context, query string, limit int) ([]models.DictEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	hanzi := escapeLike(query) + "%"
	pinyin := escapeLike(NormalizePinyin(query)) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM dataset_entries
		WHERE simplified LIKE ? ESCAPE '\'
		   OR traditional LIKE ? ESCAPE '\'
		   OR (? <> '%' AND pinyin_normalized LIKE ? ESCAPE '\')
		ORDER BY length(simplified), entry_id
		LIMIT ?
	`, hanzi, hanzi, pinyin, pinyin, limit)
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", query, err)
	}
	defer rows.Close()

	var out []models.DictEntry
	seen := make(map[int64]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e models.DictEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
