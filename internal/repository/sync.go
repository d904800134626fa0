package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/lib/pq"
)

// PostgresSyncRepository stores cards, collections and study logs.
type PostgresSyncRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresSyncRepository creates a new PostgresSyncRepository using the
// provided *sql.DB.
func NewPostgresSyncRepository(db *sql.DB) *PostgresSyncRepository {
	return &PostgresSyncRepository{DB: db}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const cardSelect = `
	SELECT c.id, c.owner_id, c.simplified, c.pinyin, c.meanings, c.examples, c.tags,
	       c.created_from_dict_id, c.easiness, c.interval_days, c.repetitions, c.next_due, c.last_modified,
	       COALESCE(array_agg(cc.collection_id ORDER BY cc.collection_id) FILTER (WHERE cc.collection_id IS NOT NULL), '{}')
	  FROM cards c
	  LEFT JOIN card_collections cc ON cc.card_id = c.id
`

// Dump returns everything the user owns, read in one transaction.
func (r *PostgresSyncRepository) Dump(ctx context.Context, userID int64) (models.UserSnapshot, error) {
	snap := models.NewSnapshot()
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return snap, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var settings []byte
	err = tx.QueryRowContext(ctx, `SELECT id, username, settings FROM users WHERE id = $1`, userID).
		Scan(&snap.User.ID, &snap.User.Username, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("dump user: %w", err)
	}
	if err := json.Unmarshal(settings, &snap.User.Settings); err != nil {
		return snap, fmt.Errorf("decode settings: %w", err)
	}

	if snap.Collections, err = listCollections(ctx, tx, userID); err != nil {
		return snap, err
	}
	if snap.Cards, err = listCards(ctx, tx, userID); err != nil {
		return snap, err
	}
	if snap.StudyLogs, err = listStudyLogs(ctx, tx, userID); err != nil {
		return snap, err
	}
	if err := tx.Commit(); err != nil {
		return snap, fmt.Errorf("commit: %w", err)
	}

	for _, c := range snap.Collections {
		snap.LastModified = later(snap.LastModified, c.LastModified)
	}
	for _, c := range snap.Cards {
		snap.LastModified = later(snap.LastModified, c.LastModified)
	}
	for _, l := range snap.StudyLogs {
		snap.LastModified = later(snap.LastModified, l.LastModified)
	}
	return snap, nil
}

// ListCards returns the user's cards with their collection memberships.
func (r *PostgresSyncRepository) ListCards(ctx context.Context, userID int64) ([]models.Card, error) {
	return listCards(ctx, r.DB, userID)
}

// ListStudyLogs returns the user's study logs, oldest first.
func (r *PostgresSyncRepository) ListStudyLogs(ctx context.Context, userID int64) ([]models.StudyLog, error) {
	return listStudyLogs(ctx, r.DB, userID)
}

// GetCard returns a card owned by the user.
func (r *PostgresSyncRepository) GetCard(ctx context.Context, userID, cardID int64) (models.Card, error) {
	row := r.DB.QueryRowContext(ctx, cardSelect+` WHERE c.owner_id = $1 AND c.id = $2 GROUP BY c.id`, userID, cardID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return card, ErrNotFound
	}
	if err != nil {
		return card, fmt.Errorf("get card: %w", err)
	}
	return card, nil
}

func listCards(ctx context.Context, q queryer, userID int64) ([]models.Card, error) {
	rows, err := q.QueryContext(ctx, cardSelect+` WHERE c.owner_id = $1 GROUP BY c.id ORDER BY c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	cards := []models.Card{}
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

func scanCard(row rowScanner) (models.Card, error) {
	var (
		card        models.Card
		id          int64
		dictID      sql.NullInt64
		collections []int64
	)
	err := row.Scan(&id, &card.OwnerID, &card.Simplified, &card.Pinyin,
		pq.Array(&card.Meanings), pq.Array(&card.Examples), pq.Array(&card.Tags),
		&dictID, &card.Easiness, &card.IntervalDays, &card.Repetitions, &card.NextDue, &card.LastModified,
		pq.Array(&collections))
	if err != nil {
		return card, err
	}
	card.ID = models.Remote(id)
	if dictID.Valid {
		card.CreatedFromDictID = &dictID.Int64
	}
	card.CollectionIDs = make([]models.ID, len(collections))
	for i, c := range collections {
		card.CollectionIDs[i] = models.Remote(c)
	}
	if card.Meanings == nil {
		card.Meanings = []string{}
	}
	if card.Examples == nil {
		card.Examples = []string{}
	}
	if card.Tags == nil {
		card.Tags = []string{}
	}
	return card, nil
}

func listCollections(ctx context.Context, q queryer, userID int64) ([]models.Collection, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner_id, name, description, last_modified FROM collections WHERE owner_id = $1 ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	cols := []models.Collection{}
	for rows.Next() {
		var (
			col models.Collection
			id  int64
		)
		if err := rows.Scan(&id, &col.OwnerID, &col.Name, &col.Description, &col.LastModified); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		col.ID = models.Remote(id)
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func listStudyLogs(ctx context.Context, q queryer, userID int64) ([]models.StudyLog, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, card_id, user_id, ts, ease, correct, response_time_ms, last_modified
		  FROM study_logs WHERE user_id = $1 ORDER BY ts, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list study logs: %w", err)
	}
	defer rows.Close()

	logs := []models.StudyLog{}
	for rows.Next() {
		var (
			l          models.StudyLog
			id, cardID int64
		)
		if err := rows.Scan(&id, &cardID, &l.UserID, &l.Timestamp, &l.Ease, &l.Correct, &l.ResponseTimeMs, &l.LastModified); err != nil {
			return nil, fmt.Errorf("scan study log: %w", err)
		}
		l.ID = models.Remote(id)
		l.CardID = models.Remote(cardID)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ApplySync applies a client batch in one transaction. Collections are
// written first so that card memberships can refer to collections created
// in the same batch, then cards, then study logs, then deletes.
//
// Entities with a placeholder id are inserted and reported in the id map.
// Existing entities are updated only when the incoming last_modified is
// not older than the stored one. Memberships and study logs that still
// refer to unknown placeholders or foreign entities are skipped.
func (r *PostgresSyncRepository) ApplySync(ctx context.Context, userID int64, req models.SyncRequest, now time.Time) (models.SyncResponse, error) {
	resp := models.SyncResponse{
		IDMap: models.IDRemap{Cards: models.IDMap{}, Collections: models.IDMap{}},
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return resp, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, col := range req.Collections {
		lm := orNow(col.LastModified, now)
		if col.ID.IsLocal() {
			var id int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO collections (owner_id, name, description, last_modified)
				VALUES ($1, $2, $3, $4) RETURNING id
			`, userID, col.Name, col.Description, lm).Scan(&id)
			if err != nil {
				return resp, fmt.Errorf("insert collection: %w", err)
			}
			resp.IDMap.Collections[col.ID] = models.Remote(id)
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE collections SET name = $1, description = $2, last_modified = $3
			 WHERE id = $4 AND owner_id = $5 AND last_modified <= $3
		`, col.Name, col.Description, lm, col.ID.Value(), userID)
		if err != nil {
			return resp, fmt.Errorf("update collection %s: %w", col.ID, err)
		}
	}

	for _, card := range req.Cards {
		lm := orNow(card.LastModified, now)
		due := orNow(card.NextDue, now)
		var dictID sql.NullInt64
		if card.CreatedFromDictID != nil {
			dictID = sql.NullInt64{Int64: *card.CreatedFromDictID, Valid: true}
		}
		memberships := remoteIDs(card.CollectionIDs, resp.IDMap.Collections)

		if card.ID.IsLocal() {
			var id int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO cards (owner_id, simplified, pinyin, meanings, examples, tags, created_from_dict_id,
				                   easiness, interval_days, repetitions, next_due, last_modified)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id
			`, userID, card.Simplified, card.Pinyin, pq.Array(nonNil(card.Meanings)), pq.Array(nonNil(card.Examples)),
				pq.Array(nonNil(card.Tags)), dictID, card.Easiness, card.IntervalDays, card.Repetitions, due, lm).Scan(&id)
			if err != nil {
				return resp, fmt.Errorf("insert card: %w", err)
			}
			resp.IDMap.Cards[card.ID] = models.Remote(id)
			if err := setMemberships(ctx, tx, userID, id, memberships, false); err != nil {
				return resp, err
			}
			continue
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE cards SET simplified = $1, pinyin = $2, meanings = $3, examples = $4, tags = $5,
			       easiness = $6, interval_days = $7, repetitions = $8, next_due = $9, last_modified = $10
			 WHERE id = $11 AND owner_id = $12 AND last_modified <= $10
		`, card.Simplified, card.Pinyin, pq.Array(nonNil(card.Meanings)), pq.Array(nonNil(card.Examples)), pq.Array(nonNil(card.Tags)),
			card.Easiness, card.IntervalDays, card.Repetitions, due, lm, card.ID.Value(), userID)
		if err != nil {
			return resp, fmt.Errorf("update card %s: %w", card.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := setMemberships(ctx, tx, userID, card.ID.Value(), memberships, true); err != nil {
				return resp, err
			}
		}
	}

	for _, l := range req.StudyLogs {
		cardID := resp.IDMap.Cards.Resolve(l.CardID)
		if cardID.IsLocal() {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO study_logs (card_id, user_id, ts, ease, correct, response_time_ms, last_modified)
			SELECT $1, $2, $3, $4, $5, $6, $7
			 WHERE EXISTS (SELECT 1 FROM cards WHERE id = $1 AND owner_id = $2)
		`, cardID.Value(), userID, orNow(l.Timestamp, now), l.Ease, l.Correct, l.ResponseTimeMs, orNow(l.LastModified, now))
		if err != nil {
			return resp, fmt.Errorf("insert study log: %w", err)
		}
	}

	if ids := remoteIDs(req.DeletedCards, nil); len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE owner_id = $1 AND id = ANY($2)`, userID, pq.Array(ids)); err != nil {
			return resp, fmt.Errorf("delete cards: %w", err)
		}
	}
	if ids := remoteIDs(req.DeletedCollections, nil); len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE owner_id = $1 AND id = ANY($2)`, userID, pq.Array(ids)); err != nil {
			return resp, fmt.Errorf("delete collections: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return resp, fmt.Errorf("commit: %w", err)
	}
	resp.Received = models.SyncCounts{
		Cards:       len(req.Cards),
		Collections: len(req.Collections),
		StudyLogs:   len(req.StudyLogs),
		Deleted:     len(req.DeletedCards) + len(req.DeletedCollections),
	}
	return resp, nil
}

// setMemberships replaces the collections of a card. Collections the user
// does not own are ignored.
func setMemberships(ctx context.Context, tx *sql.Tx, userID, cardID int64, collections []int64, replace bool) error {
	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM card_collections WHERE card_id = $1`, cardID); err != nil {
			return fmt.Errorf("clear memberships: %w", err)
		}
	}
	if len(collections) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO card_collections (card_id, collection_id)
		SELECT $1, id FROM collections WHERE owner_id = $2 AND id = ANY($3)
		ON CONFLICT DO NOTHING
	`, cardID, userID, pq.Array(collections))
	if err != nil {
		return fmt.Errorf("set memberships: %w", err)
	}
	return nil
}

// UpdateSettings replaces the user's settings.
func (r *PostgresSyncRepository) UpdateSettings(ctx context.Context, userID int64, settings models.Settings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET settings = $1 WHERE id = $2`, b, userID)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveReview stores the new scheduling state of a card together with the
// study log of the review. The stored log, with its id, is returned.
func (r *PostgresSyncRepository) SaveReview(ctx context.Context, card models.Card, log models.StudyLog) (models.StudyLog, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return log, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE cards SET easiness = $1, interval_days = $2, repetitions = $3, next_due = $4, last_modified = $5
		 WHERE id = $6 AND owner_id = $7
	`, card.Easiness, card.IntervalDays, card.Repetitions, card.NextDue, card.LastModified, card.ID.Value(), card.OwnerID)
	if err != nil {
		return log, fmt.Errorf("update card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return log, ErrNotFound
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO study_logs (card_id, user_id, ts, ease, correct, response_time_ms, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id
	`, card.ID.Value(), log.UserID, log.Timestamp, log.Ease, log.Correct, log.ResponseTimeMs, log.LastModified).Scan(&id)
	if err != nil {
		return log, fmt.Errorf("insert study log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return log, fmt.Errorf("commit: %w", err)
	}
	log.ID = models.Remote(id)
	return log, nil
}

// remoteIDs resolves ids through m and returns the server ids among them.
func remoteIDs(ids []models.ID, m models.IDMap) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		id = m.Resolve(id)
		if !id.IsLocal() && !id.IsZero() {
			out = append(out, id.Value())
		}
	}
	return out
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
