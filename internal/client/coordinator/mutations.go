package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/atinyakov/FlashKeeper/internal/client/queue"
	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/samber/lo"
)

// Stage names a step of the mutation pipeline.
type Stage string

const (
	StageValidate Stage = "validate"
	StageApply    Stage = "apply"
	StagePersist  Stage = "persist"
	StageEnqueue  Stage = "enqueue"
	StageFlush    Stage = "flush"
)

// StageResult is the outcome of one pipeline stage.
type StageResult struct {
	Stage Stage
	Err   error
}

// Result reports how a mutation went through the pipeline. Only validate
// and apply failures fail the mutation; persistence and flush failures are
// recovered locally and reported here.
type Result struct {
	// ID is the identity of the created or changed entity.
	ID     models.ID
	Stages []StageResult
}

// Err returns the error recorded for stage, if any.
func (r Result) Err(stage Stage) error {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return s.Err
		}
	}
	return nil
}

func (r *Result) record(stage Stage, err error) {
	r.Stages = append(r.Stages, StageResult{Stage: stage, Err: err})
}

// change is what an apply step produces.
type change struct {
	id      models.ID
	enqueue []queuedAction
	// drop lists queue items made obsolete by the change.
	drop func(models.SyncQueueItem) bool
	// rewrite returns queued items whose payloads the change altered.
	rewrite func([]models.SyncQueueItem) []models.SyncQueueItem
}

type queuedAction struct {
	typ     models.ActionType
	payload any
}

// mutate runs the pipeline: validate, apply to a copy of the snapshot,
// persist, enqueue and, when online, flush.
func (c *Coordinator) mutate(ctx context.Context, validate func() error, apply func(snap *models.UserSnapshot) (change, error)) (Result, error) {
	var res Result
	if validate != nil {
		err := validate()
		res.record(StageValidate, err)
		if err != nil {
			return res, err
		}
	}

	c.mu.Lock()
	snap := c.snap.Clone()
	ch, err := apply(&snap)
	res.record(StageApply, err)
	if err != nil {
		c.mu.Unlock()
		return res, err
	}
	res.ID = ch.id
	c.snap = snap
	res.record(StagePersist, c.saveSnapshot(ctx))

	var (
		added     []models.SyncQueueItem
		rewritten []models.SyncQueueItem
		dropped   []string
	)
	if ch.drop != nil {
		c.queue = slices.DeleteFunc(c.queue, func(item models.SyncQueueItem) bool {
			if ch.drop(item) {
				dropped = append(dropped, item.ID)
				return true
			}
			return false
		})
	}
	if ch.rewrite != nil {
		rewritten = ch.rewrite(c.queue)
		for _, item := range rewritten {
			if i := slices.IndexFunc(c.queue, func(q models.SyncQueueItem) bool { return q.ID == item.ID }); i >= 0 {
				c.queue[i] = item
			}
		}
	}
	var encErr error
	for _, a := range ch.enqueue {
		item, err := queue.NewItem(a.typ, a.payload, c.now())
		if err != nil {
			encErr = err
			continue
		}
		added = append(added, item)
	}
	c.queue = append(c.queue, added...)
	enqErr := c.saveQueue(ctx, append(rewritten, added...), dropped)
	if encErr != nil {
		enqErr = encErr
	}
	res.record(StageEnqueue, enqErr)
	c.status.Pending = len(c.queue)
	c.mu.Unlock()
	c.notify()

	if c.online() {
		res.record(StageFlush, c.tryFlush(ctx))
	}
	return res, nil
}

// tryFlush flushes unless a flush or refresh is already running, in which
// case the running flush picks the new items up before it returns.
func (c *Coordinator) tryFlush(ctx context.Context) error {
	if !c.flushMu.TryLock() {
		c.mu.Lock()
		c.flushAgain = true
		c.mu.Unlock()
		return nil
	}
	defer c.flushMu.Unlock()
	return c.flushLocked(ctx)
}

// CreateCard adds a card under a placeholder id. Missing scheduling fields
// get the defaults of a new card.
func (c *Coordinator) CreateCard(ctx context.Context, card models.Card) (Result, error) {
	return c.mutate(ctx, func() error { return c.validateCard(card) }, func(snap *models.UserSnapshot) (change, error) {
		now := c.now()
		card = card.Clone()
		card.ID = c.nextLocalID()
		card.OwnerID = snap.User.ID
		if card.Easiness == 0 {
			card.Easiness = models.DefaultEasiness
		}
		if card.NextDue.IsZero() {
			card.NextDue = now
		}
		card.LastModified = now
		normalizeCard(&card)
		if err := c.checkMemberships(snap, card.CollectionIDs); err != nil {
			return change{}, err
		}
		snap.UpsertCard(card)
		return change{id: card.ID, enqueue: []queuedAction{{models.ActionCreateCard, card}}}, nil
	})
}

// UpdateCard replaces the content fields of an existing card. Scheduling
// state is only changed by RecordReview.
func (c *Coordinator) UpdateCard(ctx context.Context, card models.Card) (Result, error) {
	validate := func() error {
		if err := c.validate.Var(card.Simplified, "required"); err != nil {
			return fmt.Errorf("invalid card: simplified: %w", err)
		}
		return nil
	}
	return c.mutate(ctx, validate, func(snap *models.UserSnapshot) (change, error) {
		id := c.aliases.Resolve(card.ID)
		i := snap.CardIndex(id)
		if i < 0 {
			return change{}, fmt.Errorf("card %s: %w", card.ID, ErrNotFound)
		}
		updated := snap.Cards[i].Clone()
		updated.Simplified = card.Simplified
		updated.Pinyin = card.Pinyin
		updated.Meanings = slices.Clone(card.Meanings)
		updated.Examples = slices.Clone(card.Examples)
		updated.Tags = slices.Clone(card.Tags)
		updated.CollectionIDs = slices.Clone(card.CollectionIDs)
		updated.LastModified = c.now()
		if err := c.checkMemberships(snap, updated.CollectionIDs); err != nil {
			return change{}, err
		}
		normalizeCard(&updated)
		snap.Cards[i] = updated
		return change{id: id, enqueue: []queuedAction{{models.ActionUpdateCard, updated}}}, nil
	})
}

// DeleteCard removes a card and its study logs. A card that only exists
// locally never reaches the server: its queued items are dropped instead.
func (c *Coordinator) DeleteCard(ctx context.Context, id models.ID) (Result, error) {
	return c.mutate(ctx, nil, func(snap *models.UserSnapshot) (change, error) {
		id = c.aliases.Resolve(id)
		if !snap.RemoveCard(id) {
			return change{}, fmt.Errorf("card %s: %w", id, ErrNotFound)
		}
		if id.IsLocal() {
			c.tombstone(id, models.ActionDeleteCard)
			return change{id: id, drop: referencesCard(id)}, nil
		}
		return change{
			id:      id,
			enqueue: []queuedAction{{models.ActionDeleteCard, models.DeletePayload{ID: id}}},
		}, nil
	})
}

// CreateCollection adds a collection under a placeholder id.
func (c *Coordinator) CreateCollection(ctx context.Context, col models.Collection) (Result, error) {
	return c.mutate(ctx, func() error { return c.validateStruct("collection", col) }, func(snap *models.UserSnapshot) (change, error) {
		col.ID = c.nextLocalID()
		col.OwnerID = snap.User.ID
		col.LastModified = c.now()
		snap.UpsertCollection(col)
		return change{id: col.ID, enqueue: []queuedAction{{models.ActionCreateCollection, col}}}, nil
	})
}

// UpdateCollection renames or re-describes an existing collection.
func (c *Coordinator) UpdateCollection(ctx context.Context, col models.Collection) (Result, error) {
	return c.mutate(ctx, func() error { return c.validateStruct("collection", col) }, func(snap *models.UserSnapshot) (change, error) {
		id := c.aliases.Resolve(col.ID)
		i := snap.CollectionIndex(id)
		if i < 0 {
			return change{}, fmt.Errorf("collection %s: %w", col.ID, ErrNotFound)
		}
		updated := snap.Collections[i]
		updated.Name = col.Name
		updated.Description = col.Description
		updated.LastModified = c.now()
		snap.Collections[i] = updated
		return change{id: id, enqueue: []queuedAction{{models.ActionUpdateCollection, updated}}}, nil
	})
}

// DeleteCollection removes a collection and its card memberships, including
// the memberships carried by queued card items. Cards themselves are kept.
func (c *Coordinator) DeleteCollection(ctx context.Context, id models.ID) (Result, error) {
	return c.mutate(ctx, nil, func(snap *models.UserSnapshot) (change, error) {
		id = c.aliases.Resolve(id)
		if !snap.RemoveCollection(id) {
			return change{}, fmt.Errorf("collection %s: %w", id, ErrNotFound)
		}
		strip := func(items []models.SyncQueueItem) []models.SyncQueueItem {
			return queue.StripCollection(items, id)
		}
		if id.IsLocal() {
			c.tombstone(id, models.ActionDeleteCollection)
			return change{id: id, drop: referencesCollection(id), rewrite: strip}, nil
		}
		return change{
			id:      id,
			enqueue: []queuedAction{{models.ActionDeleteCollection, models.DeletePayload{ID: id}}},
			rewrite: strip,
		}, nil
	})
}

// SelectDatasets replaces the dictionary dataset selection. Only the latest
// selection is sent to the server.
func (c *Coordinator) SelectDatasets(ctx context.Context, selected []string) (Result, error) {
	return c.mutate(ctx, nil, func(snap *models.UserSnapshot) (change, error) {
		sel := models.DatasetSelection{Selected: slices.Clone(selected), UpdatedAt: c.now()}
		if sel.Selected == nil {
			sel.Selected = []string{}
		}
		snap.User.Settings.Datasets = &sel
		return change{enqueue: []queuedAction{{models.ActionDatasetSelection, sel}}}, nil
	})
}

// tombstone remembers a deleted placeholder whose create is being sent, so
// the entity can be deleted under its server id once the remap arrives.
// c.mu must be held.
func (c *Coordinator) tombstone(id models.ID, action models.ActionType) {
	if c.sending[id] {
		c.tombstones[id] = action
	}
}

func (c *Coordinator) validateCard(card models.Card) error {
	if card.Easiness == 0 {
		card.Easiness = models.DefaultEasiness
	}
	return c.validateStruct("card", card)
}

func (c *Coordinator) validateStruct(kind string, v any) error {
	if err := c.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s: %w", kind, err)
	}
	return nil
}

// checkMemberships resolves collection ids in place and fails on unknown
// collections.
func (c *Coordinator) checkMemberships(snap *models.UserSnapshot, ids []models.ID) error {
	for i, id := range ids {
		ids[i] = c.aliases.Resolve(id)
		if snap.CollectionIndex(ids[i]) < 0 {
			return fmt.Errorf("collection %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

func normalizeCard(card *models.Card) {
	if card.Meanings == nil {
		card.Meanings = []string{}
	}
	if card.Examples == nil {
		card.Examples = []string{}
	}
	if card.Tags == nil {
		card.Tags = []string{}
	}
	card.CollectionIDs = lo.Uniq(card.CollectionIDs)
}

// referencesCard matches queued items that create, update or review id.
func referencesCard(id models.ID) func(models.SyncQueueItem) bool {
	return func(item models.SyncQueueItem) bool {
		switch item.Type {
		case models.ActionCreateCard, models.ActionUpdateCard:
			var ref models.DeletePayload
			return json.Unmarshal(item.Payload, &ref) == nil && ref.ID == id
		case models.ActionStudy:
			var log models.StudyLog
			return json.Unmarshal(item.Payload, &log) == nil && log.CardID == id
		}
		return false
	}
}

// referencesCollection matches queued items that create or update id.
func referencesCollection(id models.ID) func(models.SyncQueueItem) bool {
	return func(item models.SyncQueueItem) bool {
		switch item.Type {
		case models.ActionCreateCollection, models.ActionUpdateCollection:
			var ref models.DeletePayload
			return json.Unmarshal(item.Payload, &ref) == nil && ref.ID == id
		}
		return false
	}
}
