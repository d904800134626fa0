package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/client/gateway"
	"github.com/atinyakov/FlashKeeper/internal/client/queue"
	"github.com/atinyakov/FlashKeeper/internal/models"
	"go.uber.org/zap"
)

// Refresh replaces the working snapshot with the server dump. Queued
// mutations are replayed on top of it so that unsent changes stay visible.
// On failure the local snapshot is kept. Mutations that asked for a flush
// while the refresh was running are flushed before it returns.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	defer c.flushDeferred(ctx)

	dump, err := c.gw.Dump(ctx)
	if err != nil {
		c.remoteFailed("refresh", err)
		return fmt.Errorf("refresh: %w", err)
	}

	c.mu.Lock()
	snap := dump.Clone()
	if snap.Cards == nil {
		snap.Cards = []models.Card{}
	}
	queue.Replay(&snap, c.queue)
	c.snap = snap
	c.status.LastRefresh = c.now()
	c.status.Message = "refreshed from server"
	_ = c.saveSnapshot(ctx)
	c.mu.Unlock()

	c.logger.Debug("refreshed", zap.Int("cards", len(snap.Cards)), zap.Time("last_modified", snap.LastModified))
	c.notify()
	return nil
}

// Flush sends the queued mutations. The dataset selection and the entity
// batch are sent independently; only the items of a group the server
// accepted are removed. Flushing an empty queue makes no request.
//
// A flush is never aborted by ctx cancellation once started.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	return c.flushLocked(ctx)
}

// flushDeferred runs the flush requested by mutations that found flushMu
// taken. c.flushMu must be held.
func (c *Coordinator) flushDeferred(ctx context.Context) {
	c.mu.Lock()
	again := c.flushAgain && c.status.Online && !c.status.AuthRequired
	c.mu.Unlock()
	if !again {
		return
	}
	if err := c.flushLocked(ctx); err != nil {
		c.logger.Debug("deferred flush failed", zap.Error(err))
	}
}

// flushLocked flushes until no mutation arrived during the last round.
// c.flushMu must be held.
func (c *Coordinator) flushLocked(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	for {
		c.mu.Lock()
		c.flushAgain = false
		c.mu.Unlock()

		if err := c.flushOnce(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		again := c.flushAgain && c.status.Online
		c.mu.Unlock()
		if !again {
			return nil
		}
	}
}

func (c *Coordinator) flushOnce(ctx context.Context) error {
	c.mu.Lock()
	items := slices.Clone(c.queue)
	lastModified := c.snap.LastModified
	c.mu.Unlock()

	plan := queue.Build(items, lastModified)
	if plan.Empty() {
		return nil
	}
	if plan.Batch != nil {
		c.markSending(plan.Batch.Request)
		defer c.clearSending()
	}

	var errs []error
	if len(plan.Invalid) > 0 {
		c.logger.Error("dropping undecodable queue items", zap.Strings("ids", plan.Invalid))
		c.acknowledge(ctx, plan.Invalid)
	}

	if sel := plan.Selection; sel != nil {
		if _, err := c.gw.UpdateDatasetSelection(ctx, sel.Latest.Selected); err != nil {
			c.remoteFailed("dataset selection", err)
			errs = append(errs, fmt.Errorf("dataset selection: %w", err))
		} else {
			c.acknowledge(ctx, sel.ItemIDs)
		}
	}

	if batch := plan.Batch; batch != nil {
		if batch.Request.Empty() {
			c.acknowledge(ctx, batch.ItemIDs)
		} else if resp, err := c.gw.Sync(ctx, batch.Request); err != nil {
			c.remoteFailed("sync", err)
			errs = append(errs, fmt.Errorf("sync: %w", err))
		} else {
			c.logger.Debug("synced",
				zap.Int("cards", resp.Received.Cards),
				zap.Int("collections", resp.Received.Collections),
				zap.Int("study_logs", resp.Received.StudyLogs),
				zap.Int("deleted", resp.Received.Deleted),
			)
			if err := c.applyRemap(ctx, resp.IDMap, batch.ItemIDs); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) == 0 {
		c.mu.Lock()
		c.status.LastSync = c.now()
		c.status.Message = "all changes synced"
		c.mu.Unlock()
		c.notify()
	}
	return errors.Join(errs...)
}

// markSending records the placeholders created by req.
func (c *Coordinator) markSending(req models.SyncRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, card := range req.Cards {
		if card.ID.IsLocal() {
			c.sending[card.ID] = true
		}
	}
	for _, col := range req.Collections {
		if col.ID.IsLocal() {
			c.sending[col.ID] = true
		}
	}
}

// clearSending forgets the placeholders of the finished request together
// with the tombstones no remap consumed.
func (c *Coordinator) clearSending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.sending {
		delete(c.tombstones, id)
	}
	clear(c.sending)
}

// acknowledge removes items the server accepted.
func (c *Coordinator) acknowledge(ctx context.Context, ids []string) {
	c.mu.Lock()
	c.queue = slices.DeleteFunc(c.queue, func(item models.SyncQueueItem) bool { return slices.Contains(ids, item.ID) })
	_ = c.saveQueue(ctx, nil, ids)
	c.status.Pending = len(c.queue)
	c.mu.Unlock()
	c.notify()
}

// applyRemap replaces placeholders with server ids across collections,
// cards, collection memberships, study logs and the items still queued,
// then removes the acknowledged items. Everything happens under one lock so
// no reader sees a half-remapped state.
func (c *Coordinator) applyRemap(ctx context.Context, remap models.IDRemap, acked []string) error {
	c.mu.Lock()

	snap := c.snap.Clone()
	var (
		unknown  []models.ID
		deletes  []queuedAction
		resolved = models.IDRemap{Cards: models.IDMap{}, Collections: models.IDMap{}}
	)

	for from, to := range remap.Collections {
		if c.tombstones[from] == models.ActionDeleteCollection {
			delete(c.tombstones, from)
			deletes = append(deletes, queuedAction{models.ActionDeleteCollection, models.DeletePayload{ID: to}})
			continue
		}
		if snap.CollectionIndex(from) < 0 {
			unknown = append(unknown, from)
			continue
		}
		resolved.Collections[from] = to
	}
	for from, to := range remap.Cards {
		if c.tombstones[from] == models.ActionDeleteCard {
			delete(c.tombstones, from)
			deletes = append(deletes, queuedAction{models.ActionDeleteCard, models.DeletePayload{ID: to}})
			continue
		}
		if snap.CardIndex(from) < 0 {
			unknown = append(unknown, from)
			continue
		}
		resolved.Cards[from] = to
	}

	for i := range snap.Collections {
		snap.Collections[i].ID = resolved.Collections.Resolve(snap.Collections[i].ID)
	}
	for i := range snap.Cards {
		queue.RemapCard(&snap.Cards[i], resolved)
	}
	for i := range snap.StudyLogs {
		snap.StudyLogs[i].CardID = resolved.Cards.Resolve(snap.StudyLogs[i].CardID)
	}
	snap.LastModified = c.now()
	c.snap = snap
	for from, to := range resolved.Cards {
		c.aliases[from] = to
	}
	for from, to := range resolved.Collections {
		c.aliases[from] = to
	}

	c.queue = slices.DeleteFunc(c.queue, func(item models.SyncQueueItem) bool { return slices.Contains(acked, item.ID) })
	changed := queue.Remap(c.queue, resolved)
	for _, item := range changed {
		if i := slices.IndexFunc(c.queue, func(q models.SyncQueueItem) bool { return q.ID == item.ID }); i >= 0 {
			c.queue[i] = item
		}
	}
	for _, a := range deletes {
		item, err := queue.NewItem(a.typ, a.payload, c.now())
		if err != nil {
			continue
		}
		c.queue = append(c.queue, item)
		changed = append(changed, item)
		c.flushAgain = true
	}

	_ = c.saveSnapshot(ctx)
	_ = c.saveQueue(ctx, changed, acked)
	c.status.Pending = len(c.queue)
	c.mu.Unlock()
	c.notify()

	if len(unknown) > 0 {
		ids := make([]string, len(unknown))
		for i, id := range unknown {
			ids[i] = id.String()
		}
		c.logger.Error("server remapped unknown placeholders", zap.Strings("ids", ids))
		return fmt.Errorf("%w: %v", ErrRemapInconsistent, ids)
	}
	return nil
}

// remoteFailed records a failed server call in the status.
func (c *Coordinator) remoteFailed(op string, err error) {
	c.mu.Lock()
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		c.status.AuthRequired = true
		c.status.Message = "session expired: log in again"
		c.logger.Warn("server rejected session", zap.String("op", op))
	case errors.Is(err, gateway.ErrNetwork):
		c.status.Message = "server unreachable: changes are queued"
		c.logger.Info("server unreachable", zap.String("op", op), zap.Error(err))
	default:
		c.status.Message = op + " failed: changes are queued"
		c.logger.Warn("server call failed", zap.String("op", op), zap.Error(err))
	}
	c.mu.Unlock()
	c.notify()
}

// Authenticated clears the AuthRequired flag after a new login.
func (c *Coordinator) Authenticated() {
	c.mu.Lock()
	c.status.AuthRequired = false
	c.status.Message = "logged in"
	c.mu.Unlock()
	c.notify()
}

// AutoSync flushes the queue every interval while the client is online. It
// returns when ctx is done.
func (c *Coordinator) AutoSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.online() {
				continue
			}
			c.mu.Lock()
			pending := len(c.queue)
			c.mu.Unlock()
			if pending == 0 {
				continue
			}
			if err := c.tryFlush(ctx); err != nil {
				c.logger.Debug("auto sync failed", zap.Error(err))
			}
		}
	}
}
