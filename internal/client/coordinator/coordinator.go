// Package coordinator owns the client's working state. Every mutation is
// applied to memory first, persisted to the local store and recorded in the
// sync queue. When the client is online the queue is flushed through the
// gateway and server ids replace local placeholders.
package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/client/storage"
	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a mutation refers to an unknown entity.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRating is returned for review ratings outside 0..5.
	ErrInvalidRating = errors.New("rating must be between 0 and 5")
	// ErrRemapInconsistent is returned when the server maps a placeholder
	// the client does not know about.
	ErrRemapInconsistent = errors.New("id remap refers to unknown placeholder")
)

// Store persists the working state.
type Store interface {
	GetSnapshot(ctx context.Context) (*models.UserSnapshot, error)
	PutSnapshot(ctx context.Context, snap models.UserSnapshot) error
	GetQueue(ctx context.Context) ([]models.SyncQueueItem, error)
	Enqueue(ctx context.Context, item models.SyncQueueItem) error
	RemoveByIDs(ctx context.Context, ids []string) error
	ClearAll(ctx context.Context) error
}

// Gateway is the part of the backend API the coordinator uses.
type Gateway interface {
	Dump(ctx context.Context) (models.UserSnapshot, error)
	Sync(ctx context.Context, req models.SyncRequest) (models.SyncResponse, error)
	UpdateDatasetSelection(ctx context.Context, selected []string) (models.DatasetSelection, error)
	Schedule(ctx context.Context, n int, collection *models.ID) (models.ScheduleResponse, error)
	SubmitStudyResponse(ctx context.Context, req models.StudyResponseRequest) (models.StudyResponse, error)
}

// Status is the observable state of the coordinator.
type Status struct {
	Online bool
	// Pending is the number of queued mutations.
	Pending int
	// LastSync is the time of the last fully successful flush.
	LastSync time.Time
	// LastRefresh is the time of the last successful dump.
	LastRefresh time.Time
	// AuthRequired is set once the server rejected the session.
	AuthRequired bool
	// Degraded is set when the local store failed and changes are kept in
	// memory only.
	Degraded bool
	// Message is a short informational note about the last event.
	Message string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is the single owner and mutator of the client state.
type Coordinator struct {
	gw       Gateway
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time

	// flushMu serializes flushes and refreshes.
	flushMu sync.Mutex

	mu        sync.Mutex
	store     Store
	snap      models.UserSnapshot
	queue     []models.SyncQueueItem
	status    Status
	lastLocal int64
	// aliases maps placeholders already replaced by server ids.
	aliases models.IDMap
	// tombstones holds placeholders deleted locally that may still be
	// created by an in-flight flush.
	tombstones map[models.ID]models.ActionType
	// sending holds the placeholders created by the request in flight.
	sending map[models.ID]bool
	// flushAgain is set by mutations that arrive while a flush is running.
	flushAgain bool
	subs       map[int]func(Status)
	nextSub    int
	closed     bool
}

// New returns a Coordinator with an empty state. Call Hydrate to load the
// persisted state.
func New(store Store, gw Gateway, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		gw:         gw,
		logger:     logger,
		validate:   validator.New(),
		now:        time.Now,
		store:      store,
		snap:       models.NewSnapshot(),
		aliases:    models.IDMap{},
		tombstones: make(map[models.ID]models.ActionType),
		sending:    make(map[models.ID]bool),
		subs:       make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hydrate loads the snapshot and queue from the store. A failing store is
// replaced by an in-memory one for the rest of the session.
func (c *Coordinator) Hydrate(ctx context.Context) error {
	c.mu.Lock()
	snap, err := c.store.GetSnapshot(ctx)
	var items []models.SyncQueueItem
	if err == nil {
		items, err = c.store.GetQueue(ctx)
	}
	if err != nil {
		c.degrade(ctx, err)
		c.mu.Unlock()
		c.notify()
		return err
	}
	if snap != nil {
		c.snap = snap.Clone()
	}
	c.queue = items
	c.seedLocalIDs()
	c.status.Pending = len(c.queue)
	c.mu.Unlock()

	c.logger.Debug("hydrated", zap.Int("cards", len(c.snap.Cards)), zap.Int("pending", len(items)))
	c.notify()
	return nil
}

// Reset drops all local state, e.g. after logout.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	c.snap = models.NewSnapshot()
	c.queue = nil
	c.aliases = models.IDMap{}
	clear(c.tombstones)
	c.status = Status{Online: c.status.Online, Degraded: c.status.Degraded}
	err := c.store.ClearAll(context.WithoutCancel(ctx))
	c.mu.Unlock()

	c.notify()
	return err
}

// Snapshot returns a copy of the working snapshot.
func (c *Coordinator) Snapshot() models.UserSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Clone()
}

// Queue returns a copy of the pending queue.
func (c *Coordinator) Queue() []models.SyncQueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.queue)
}

// Card returns the card with the given id. Placeholders that were already
// replaced by server ids are resolved.
func (c *Coordinator) Card(id models.ID) (models.Card, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.snap.CardIndex(c.aliases.Resolve(id))
	if i < 0 {
		return models.Card{}, false
	}
	return c.snap.Cards[i].Clone(), true
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe registers fn to be called after every state change. The
// returned function removes the subscription.
func (c *Coordinator) Subscribe(fn func(Status)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Close stops notifications. A flush already in progress still completes.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	clear(c.subs)
}

// SetOnline records a connectivity change. Going online refreshes the
// snapshot and then flushes the queue; a failure of one step does not
// prevent the other.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) error {
	c.mu.Lock()
	was := c.status.Online
	c.status.Online = online
	if !online {
		c.status.Message = "offline: changes are queued"
	}
	c.mu.Unlock()
	c.notify()

	if !online || was {
		return nil
	}
	refreshErr := c.Refresh(ctx)
	flushErr := c.Flush(ctx)
	return errors.Join(refreshErr, flushErr)
}

func (c *Coordinator) online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Online && !c.status.AuthRequired
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.status
	subs := make([]func(Status), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

// nextLocalID returns a fresh placeholder. Placeholders follow the clock in
// milliseconds and never repeat within a session. c.mu must be held.
func (c *Coordinator) nextLocalID() models.ID {
	id := c.now().UnixMilli()
	if id <= c.lastLocal {
		id = c.lastLocal + 1
	}
	c.lastLocal = id
	return models.Local(id)
}

// seedLocalIDs makes nextLocalID skip placeholders already in use. c.mu
// must be held.
func (c *Coordinator) seedLocalIDs() {
	bump := func(id models.ID) {
		if id.IsLocal() && id.Value() > c.lastLocal {
			c.lastLocal = id.Value()
		}
	}
	for _, card := range c.snap.Cards {
		bump(card.ID)
	}
	for _, col := range c.snap.Collections {
		bump(col.ID)
	}
	for _, log := range c.snap.StudyLogs {
		bump(log.ID)
	}
}

// degrade switches to an in-memory store seeded with the current state.
// c.mu must be held.
func (c *Coordinator) degrade(ctx context.Context, err error) {
	if c.status.Degraded {
		return
	}
	c.logger.Warn("local store failed, keeping changes in memory", zap.Error(err))
	mem := storage.NewMemoryStore()
	ctx = context.WithoutCancel(ctx)
	_ = mem.PutSnapshot(ctx, c.snap)
	for _, item := range c.queue {
		_ = mem.Enqueue(ctx, item)
	}
	c.store = mem
	c.status.Degraded = true
	c.status.Message = "local storage unavailable: changes kept for this session only"
}

// saveSnapshot persists the working snapshot. c.mu must be held.
func (c *Coordinator) saveSnapshot(ctx context.Context) error {
	err := c.store.PutSnapshot(context.WithoutCancel(ctx), c.snap)
	if err != nil {
		c.degrade(ctx, err)
	}
	return err
}

// saveQueue mirrors queue changes to the store. c.mu must be held.
func (c *Coordinator) saveQueue(ctx context.Context, upsert []models.SyncQueueItem, remove []string) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if len(remove) > 0 {
		errs = append(errs, c.store.RemoveByIDs(ctx, remove))
	}
	for _, item := range upsert {
		errs = append(errs, c.store.Enqueue(ctx, item))
	}
	err := errors.Join(errs...)
	if err != nil {
		c.degrade(ctx, err)
	}
	return err
}
