package coordinator

import (
	"context"
	"fmt"

	"github.com/atinyakov/FlashKeeper/internal/client/queue"
	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/atinyakov/FlashKeeper/internal/srs"
	"go.uber.org/zap"
)

// Review is the outcome of RecordReview.
type Review struct {
	Card models.Card
	Log  models.StudyLog
	// Remote is set when the server scheduled the review directly.
	Remote bool
	Result Result
}

// RecordReview grades a card. Online, the review is submitted to the server
// and the returned card is stored. Offline, or when the request fails, the
// card is scheduled locally and the review is queued.
func (c *Coordinator) RecordReview(ctx context.Context, cardID models.ID, rating int, responseTimeMs int64) (Review, error) {
	if !srs.Rating(rating).Valid() {
		return Review{}, ErrInvalidRating
	}
	if responseTimeMs < 0 {
		responseTimeMs = 0
	}

	c.mu.Lock()
	id := c.aliases.Resolve(cardID)
	exists := c.snap.CardIndex(id) >= 0
	pending := queue.PendingCards(c.queue)[id]
	c.mu.Unlock()
	if !exists {
		return Review{}, fmt.Errorf("card %s: %w", cardID, ErrNotFound)
	}

	// Cards with queued edits are reviewed through the queue so the server
	// sees the edits first.
	if c.online() && !id.IsLocal() && !pending {
		review, err := c.reviewRemote(ctx, id, rating, responseTimeMs)
		if err == nil {
			return review, nil
		}
		c.remoteFailed("study response", err)
	}
	return c.reviewLocal(ctx, id, rating, responseTimeMs)
}

func (c *Coordinator) reviewRemote(ctx context.Context, id models.ID, rating int, responseTimeMs int64) (Review, error) {
	resp, err := c.gw.SubmitStudyResponse(ctx, models.StudyResponseRequest{
		CardID:         id,
		Quality:        rating,
		ResponseTimeMs: responseTimeMs,
	})
	if err != nil {
		return Review{}, err
	}

	c.mu.Lock()
	defer c.notify()
	defer c.mu.Unlock()

	card := resp.Card
	normalizeCard(&card)
	log := models.NewStudyLog(c.nextLocalID(), id, c.snap.User.ID, rating, responseTimeMs, resp.LoggedAt)
	c.snap.UpsertCard(card)
	c.snap.StudyLogs = append(c.snap.StudyLogs, log)
	_ = c.saveSnapshot(ctx)
	return Review{Card: card.Clone(), Log: log, Remote: true}, nil
}

func (c *Coordinator) reviewLocal(ctx context.Context, id models.ID, rating int, responseTimeMs int64) (Review, error) {
	var review Review
	res, err := c.mutate(ctx, nil, func(snap *models.UserSnapshot) (change, error) {
		i := snap.CardIndex(id)
		if i < 0 {
			return change{}, fmt.Errorf("card %s: %w", id, ErrNotFound)
		}
		now := c.now()
		card := srs.Schedule(snap.Cards[i], srs.Rating(rating), now)
		log := models.NewStudyLog(c.nextLocalID(), id, snap.User.ID, rating, responseTimeMs, now)
		snap.Cards[i] = card
		snap.StudyLogs = append(snap.StudyLogs, log)
		review.Card = card.Clone()
		review.Log = log
		return change{id: id, enqueue: []queuedAction{
			{models.ActionStudy, log},
			{models.ActionUpdateCard, card},
		}}, nil
	})
	review.Result = res
	return review, err
}

// Schedule returns up to n cards to study, optionally within a collection.
// Online the server schedule is used; cards with queued local changes keep
// their local version. Offline, or when the server cannot be reached, the
// schedule is computed locally.
func (c *Coordinator) Schedule(ctx context.Context, n int, collection *models.ID) ([]models.Card, error) {
	if n <= 0 {
		return []models.Card{}, nil
	}
	if collection != nil {
		c.mu.Lock()
		resolved := c.aliases.Resolve(*collection)
		c.mu.Unlock()
		collection = &resolved
	}

	if c.online() && (collection == nil || !collection.IsLocal()) {
		resp, err := c.gw.Schedule(ctx, n, collection)
		if err == nil {
			return c.mergeSchedule(ctx, resp.Cards), nil
		}
		c.remoteFailed("schedule", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return srs.Recommend(c.snap.Cards, c.snap.StudyLogs, n, c.now(), collection), nil
}

// mergeSchedule stores server cards unless the card has queued local
// changes, in which case the local version wins.
func (c *Coordinator) mergeSchedule(ctx context.Context, cards []models.Card) []models.Card {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := queue.PendingCards(c.queue)
	out := make([]models.Card, 0, len(cards))
	changed := false
	for _, card := range cards {
		if pending[card.ID] {
			i := c.snap.CardIndex(card.ID)
			if i < 0 {
				// deleted locally
				continue
			}
			out = append(out, c.snap.Cards[i].Clone())
			continue
		}
		normalizeCard(&card)
		c.snap.UpsertCard(card)
		out = append(out, card.Clone())
		changed = true
	}
	if changed {
		_ = c.saveSnapshot(ctx)
	}
	c.logger.Debug("server schedule", zap.Int("cards", len(out)), zap.Int("pending", len(pending)))
	return out
}
