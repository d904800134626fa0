package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/client/gateway"
	"github.com/atinyakov/FlashKeeper/internal/client/storage"
	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errUnexpected = errors.New("unexpected call")

// mockGateway records calls and delegates to the configured funcs.
type mockGateway struct {
	mu    sync.Mutex
	calls map[string]int

	DumpFunc      func(ctx context.Context) (models.UserSnapshot, error)
	SyncFunc      func(ctx context.Context, req models.SyncRequest) (models.SyncResponse, error)
	SelectionFunc func(ctx context.Context, selected []string) (models.DatasetSelection, error)
	ScheduleFunc  func(ctx context.Context, n int, collection *models.ID) (models.ScheduleResponse, error)
	StudyFunc     func(ctx context.Context, req models.StudyResponseRequest) (models.StudyResponse, error)
}

func (m *mockGateway) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

func (m *mockGateway) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockGateway) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.calls {
		n += v
	}
	return n
}

func (m *mockGateway) Dump(ctx context.Context) (models.UserSnapshot, error) {
	m.record("dump")
	if m.DumpFunc == nil {
		return models.UserSnapshot{}, errUnexpected
	}
	return m.DumpFunc(ctx)
}

func (m *mockGateway) Sync(ctx context.Context, req models.SyncRequest) (models.SyncResponse, error) {
	m.record("sync")
	if m.SyncFunc == nil {
		return models.SyncResponse{}, errUnexpected
	}
	return m.SyncFunc(ctx, req)
}

func (m *mockGateway) UpdateDatasetSelection(ctx context.Context, selected []string) (models.DatasetSelection, error) {
	m.record("selection")
	if m.SelectionFunc == nil {
		return models.DatasetSelection{}, errUnexpected
	}
	return m.SelectionFunc(ctx, selected)
}

func (m *mockGateway) Schedule(ctx context.Context, n int, collection *models.ID) (models.ScheduleResponse, error) {
	m.record("schedule")
	if m.ScheduleFunc == nil {
		return models.ScheduleResponse{}, errUnexpected
	}
	return m.ScheduleFunc(ctx, n, collection)
}

func (m *mockGateway) SubmitStudyResponse(ctx context.Context, req models.StudyResponseRequest) (models.StudyResponse, error) {
	m.record("study")
	if m.StudyFunc == nil {
		return models.StudyResponse{}, errUnexpected
	}
	return m.StudyFunc(ctx, req)
}

// failingStore fails every write.
type failingStore struct{ *storage.MemoryStore }

func (failingStore) PutSnapshot(context.Context, models.UserSnapshot) error {
	return errors.New("disk full")
}

func (failingStore) Enqueue(context.Context, models.SyncQueueItem) error {
	return errors.New("disk full")
}

var epoch = time.UnixMilli(1700000000).UTC()

func fixedClock() time.Time { return epoch }

func newCoordinator(t *testing.T, store Store, gw Gateway) *Coordinator {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	c := New(store, gw, zap.NewNop(), WithClock(fixedClock))
	require.NoError(t, c.Hydrate(context.Background()))
	return c
}

func offlineNetwork(context.Context) (models.UserSnapshot, error) {
	return models.UserSnapshot{}, gateway.ErrNetwork
}

func TestFlush_EmptyQueueMakesNoRequest(t *testing.T) {
	gw := &mockGateway{}
	c := newCoordinator(t, nil, gw)

	require.NoError(t, c.Flush(context.Background()))
	require.NoError(t, c.Flush(context.Background()))
	assert.Zero(t, gw.total())
}

func TestFlush_RemapsPlaceholders(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{}
	c := newCoordinator(t, nil, gw)

	created, err := c.CreateCard(ctx, models.Card{Simplified: "你好", Pinyin: "nǐ hǎo", Meanings: []string{"hello"}})
	require.NoError(t, err)
	cardID := created.ID
	require.Equal(t, models.Local(1700000000), cardID)
	assert.EqualValues(t, -1700000000, cardID.Wire())

	col, err := c.CreateCollection(ctx, models.Collection{Name: "HSK1"})
	require.NoError(t, err)
	colID := col.ID

	_, err = c.UpdateCard(ctx, models.Card{ID: cardID, Simplified: "你好", CollectionIDs: []models.ID{colID}})
	require.NoError(t, err)
	_, err = c.RecordReview(ctx, cardID, 4, 1200)
	require.NoError(t, err)

	gw.DumpFunc = func(context.Context) (models.UserSnapshot, error) {
		snap := models.NewSnapshot()
		snap.User = models.User{ID: 3, Username: "mei"}
		return snap, nil
	}
	gw.SyncFunc = func(_ context.Context, req models.SyncRequest) (models.SyncResponse, error) {
		require.Len(t, req.Cards, 1)
		assert.Equal(t, cardID, req.Cards[0].ID)
		assert.Equal(t, []models.ID{colID}, req.Cards[0].CollectionIDs)
		assert.Equal(t, 1, req.Cards[0].Repetitions)
		require.Len(t, req.Collections, 1)
		require.Len(t, req.StudyLogs, 1)
		assert.Equal(t, cardID, req.StudyLogs[0].CardID)
		return models.SyncResponse{
			Received: models.SyncCounts{Cards: 1, Collections: 1, StudyLogs: 1},
			IDMap: models.IDRemap{
				Cards:       models.IDMap{cardID: models.Remote(42)},
				Collections: models.IDMap{colID: models.Remote(8)},
			},
		}, nil
	}

	require.NoError(t, c.SetOnline(ctx, true))
	assert.Equal(t, 1, gw.count("dump"))
	assert.Equal(t, 1, gw.count("sync"))

	snap := c.Snapshot()
	require.Len(t, snap.Cards, 1)
	assert.Equal(t, models.Remote(42), snap.Cards[0].ID)
	assert.Equal(t, []models.ID{models.Remote(8)}, snap.Cards[0].CollectionIDs)
	require.Len(t, snap.Collections, 1)
	assert.Equal(t, models.Remote(8), snap.Collections[0].ID)
	require.Len(t, snap.StudyLogs, 1)
	assert.Equal(t, models.Remote(42), snap.StudyLogs[0].CardID)
	assert.Equal(t, "mei", snap.User.Username)
	assert.Equal(t, epoch, snap.LastModified)

	assert.Empty(t, c.Queue())
	st := c.Status()
	assert.Zero(t, st.Pending)
	assert.Equal(t, epoch, st.LastSync)

	card, ok := c.Card(cardID)
	require.True(t, ok, "stale placeholder resolves to the server id")
	assert.Equal(t, models.Remote(42), card.ID)
}

func TestFlush_RemapsItemsQueuedDuringFlush(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{}
	c := newCoordinator(t, nil, gw)

	created, err := c.CreateCard(ctx, models.Card{Simplified: "猫"})
	require.NoError(t, err)
	local := created.ID

	gw.SyncFunc = func(context.Context, models.SyncRequest) (models.SyncResponse, error) {
		// the user keeps studying while the request is in flight
		_, err := c.RecordReview(ctx, local, 5, 800)
		require.NoError(t, err)
		return models.SyncResponse{IDMap: models.IDRemap{Cards: models.IDMap{local: models.Remote(42)}}}, nil
	}

	require.NoError(t, c.Flush(ctx))

	items := c.Queue()
	require.Len(t, items, 2)
	for _, item := range items {
		var ref struct {
			ID     models.ID `json:"id"`
			CardID models.ID `json:"card_id"`
		}
		require.NoError(t, json.Unmarshal(item.Payload, &ref))
		switch item.Type {
		case models.ActionStudy:
			assert.Equal(t, models.Remote(42), ref.CardID)
		case models.ActionUpdateCard:
			assert.Equal(t, models.Remote(42), ref.ID)
		default:
			t.Errorf("unexpected item type %s", item.Type)
		}
	}
}

func TestFlush_UnknownPlaceholderIsReported(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{}
	c := newCoordinator(t, nil, gw)

	created, err := c.CreateCard(ctx, models.Card{Simplified: "狗"})
	require.NoError(t, err)

	gw.SyncFunc = func(context.Context, models.SyncRequest) (models.SyncResponse, error) {
		return models.SyncResponse{IDMap: models.IDRemap{Cards: models.IDMap{
			created.ID:        models.Remote(1),
			models.Local(999): models.Remote(2),
		}}}, nil
	}

	err = c.Flush(ctx)
	assert.ErrorIs(t, err, ErrRemapInconsistent)
	assert.Empty(t, c.Queue(), "acknowledged items are removed")
	_, ok := c.Card(models.Remote(1))
	assert.True(t, ok)
}

func TestFlush_DatasetSelectionLatestWins(t *testing.T) {
	ctx := context.Background()
	var sent [][]string
	gw := &mockGateway{SelectionFunc: func(_ context.Context, selected []string) (models.DatasetSelection, error) {
		sent = append(sent, selected)
		return models.DatasetSelection{Selected: selected}, nil
	}}
	c := newCoordinator(t, nil, gw)

	for _, sel := range [][]string{{"hsk1"}, {"hsk1", "hsk2"}, {"cedict"}} {
		_, err := c.SelectDatasets(ctx, sel)
		require.NoError(t, err)
	}
	require.Len(t, c.Queue(), 3)

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, [][]string{{"cedict"}}, sent)
	assert.Empty(t, c.Queue())
	assert.Zero(t, gw.count("sync"))
	assert.Equal(t, []string{"cedict"}, c.Snapshot().User.Settings.Datasets.Selected)
}

func TestFlush_PartialFailureKeepsFailedGroup(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{
		SelectionFunc: func(_ context.Context, selected []string) (models.DatasetSelection, error) {
			return models.DatasetSelection{Selected: selected}, nil
		},
		SyncFunc: func(context.Context, models.SyncRequest) (models.SyncResponse, error) {
			return models.SyncResponse{}, gateway.ErrNetwork
		},
	}
	c := newCoordinator(t, nil, gw)

	_, err := c.SelectDatasets(ctx, []string{"hsk1"})
	require.NoError(t, err)
	_, err = c.CreateCard(ctx, models.Card{Simplified: "书"})
	require.NoError(t, err)

	err = c.Flush(ctx)
	assert.ErrorIs(t, err, gateway.ErrNetwork)

	items := c.Queue()
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionCreateCard, items[0].Type)

	st := c.Status()
	assert.True(t, st.LastSync.IsZero())
	assert.Equal(t, 1, st.Pending)
	assert.Contains(t, st.Message, "unreachable")
}

func TestOffline_OptimisticUpdatesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")
	store, err := storage.Open(path)
	require.NoError(t, err)

	gw := &mockGateway{
		DumpFunc: offlineNetwork,
		SyncFunc: func(context.Context, models.SyncRequest) (models.SyncResponse, error) {
			return models.SyncResponse{}, gateway.ErrNetwork
		},
	}
	c := newCoordinator(t, store, gw)
	err = c.SetOnline(ctx, true)
	assert.ErrorIs(t, err, gateway.ErrNetwork)

	res, err := c.CreateCard(ctx, models.Card{Simplified: "水", Meanings: []string{"water"}})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(StageFlush), gateway.ErrNetwork)
	assert.NoError(t, res.Err(StagePersist))

	require.NoError(t, c.SetOnline(ctx, false))
	_, err = c.RecordReview(ctx, res.ID, 0, 3000)
	require.NoError(t, err)

	want := c.Snapshot()
	require.Len(t, want.Cards, 1)
	assert.Equal(t, "水", want.Cards[0].Simplified)
	require.Len(t, c.Queue(), 3)
	require.NoError(t, store.Close())

	reopened, err := storage.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	restarted := newCoordinator(t, reopened, &mockGateway{})
	assert.Equal(t, want, restarted.Snapshot())
	assert.Len(t, restarted.Queue(), 3)
	assert.Equal(t, 3, restarted.Status().Pending)

	next, err := restarted.CreateCard(ctx, models.Card{Simplified: "火"})
	require.NoError(t, err)
	assert.Greater(t, next.ID.Value(), res.ID.Value(), "placeholders are not reused after a restart")
}

func TestRefresh_FailureKeepsLocalSnapshot(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{DumpFunc: offlineNetwork}
	c := newCoordinator(t, nil, gw)

	_, err := c.CreateCard(ctx, models.Card{Simplified: "山"})
	require.NoError(t, err)
	before := c.Snapshot()

	err = c.Refresh(ctx)
	assert.ErrorIs(t, err, gateway.ErrNetwork)
	assert.Equal(t, before, c.Snapshot())
	assert.True(t, c.Status().LastRefresh.IsZero())
}

func TestRefresh_ReplaysPendingMutations(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{}
	c := newCoordinator(t, nil, gw)

	_, err := c.CreateCard(ctx, models.Card{Simplified: "新"})
	require.NoError(t, err)

	gw.DumpFunc = func(context.Context) (models.UserSnapshot, error) {
		snap := models.NewSnapshot()
		snap.Cards = []models.Card{{ID: models.Remote(5), Simplified: "旧", Easiness: 2.5}}
		return snap, nil
	}
	require.NoError(t, c.Refresh(ctx))

	snap := c.Snapshot()
	require.Len(t, snap.Cards, 2)
	assert.Equal(t, models.Remote(5), snap.Cards[0].ID)
	assert.True(t, snap.Cards[1].ID.IsLocal())
	assert.Len(t, c.Queue(), 1)
}

func TestAuthFailureClearsTokens(t *testing.T) {
	ctx := context.Background()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	tokens := storage.NewMemoryStore()
	require.NoError(t, tokens.PutTokens(ctx, models.TokenPair{AccessToken: "a", RefreshToken: "r"}))
	gw := gateway.New(ts.URL, nil, tokens, zap.NewNop())
	c := newCoordinator(t, nil, gw)

	_, err := c.CreateCard(ctx, models.Card{Simplified: "门"})
	require.NoError(t, err)

	err = c.SetOnline(ctx, true)
	assert.ErrorIs(t, err, gateway.ErrUnauthorized)

	stored, err := tokens.GetTokens(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)

	st := c.Status()
	assert.True(t, st.AuthRequired)
	assert.Equal(t, 1, st.Pending, "queued work is kept for the next session")
}

func TestRecordReview(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid rating", func(t *testing.T) {
		c := newCoordinator(t, nil, &mockGateway{})
		res, err := c.CreateCard(ctx, models.Card{Simplified: "一"})
		require.NoError(t, err)

		_, err = c.RecordReview(ctx, res.ID, 6, 0)
		assert.ErrorIs(t, err, ErrInvalidRating)
		_, err = c.RecordReview(ctx, res.ID, -1, 0)
		assert.ErrorIs(t, err, ErrInvalidRating)
		assert.Len(t, c.Queue(), 1)
	})

	t.Run("unknown card", func(t *testing.T) {
		c := newCoordinator(t, nil, &mockGateway{})
		_, err := c.RecordReview(ctx, models.Remote(77), 4, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("offline schedules locally", func(t *testing.T) {
		c := newCoordinator(t, nil, &mockGateway{})
		res, err := c.CreateCard(ctx, models.Card{Simplified: "二"})
		require.NoError(t, err)

		review, err := c.RecordReview(ctx, res.ID, 0, 1500)
		require.NoError(t, err)
		assert.False(t, review.Remote)
		assert.Equal(t, 1, review.Card.IntervalDays)
		assert.InDelta(t, 1.7, review.Card.Easiness, 1e-9)
		assert.Equal(t, epoch.Add(24*time.Hour), review.Card.NextDue)
		assert.False(t, review.Log.Correct)

		items := c.Queue()
		require.Len(t, items, 3)
		assert.Equal(t, models.ActionStudy, items[1].Type)
		assert.Equal(t, models.ActionUpdateCard, items[2].Type)
	})

	t.Run("online submits to server", func(t *testing.T) {
		store := storage.NewMemoryStore()
		snap := models.NewSnapshot()
		snap.Cards = []models.Card{{ID: models.Remote(9), Simplified: "三", Easiness: 2.5, NextDue: epoch}}
		require.NoError(t, store.PutSnapshot(ctx, snap))

		gw := &mockGateway{
			DumpFunc: func(context.Context) (models.UserSnapshot, error) { return snap, nil },
			StudyFunc: func(_ context.Context, req models.StudyResponseRequest) (models.StudyResponse, error) {
				assert.Equal(t, models.Remote(9), req.CardID)
				assert.Equal(t, 5, req.Quality)
				card := snap.Cards[0]
				card.Repetitions = 1
				card.IntervalDays = 1
				card.Easiness = 2.6
				return models.StudyResponse{Card: card, LoggedAt: epoch}, nil
			},
		}
		c := newCoordinator(t, store, gw)
		require.NoError(t, c.SetOnline(ctx, true))

		review, err := c.RecordReview(ctx, models.Remote(9), 5, 700)
		require.NoError(t, err)
		assert.True(t, review.Remote)
		assert.InDelta(t, 2.6, review.Card.Easiness, 1e-9)
		assert.Empty(t, c.Queue())
		assert.Len(t, c.Snapshot().StudyLogs, 1)
	})

	t.Run("failed submission falls back to queue", func(t *testing.T) {
		store := storage.NewMemoryStore()
		snap := models.NewSnapshot()
		snap.Cards = []models.Card{{ID: models.Remote(9), Simplified: "三", Easiness: 2.5, NextDue: epoch}}
		require.NoError(t, store.PutSnapshot(ctx, snap))

		gw := &mockGateway{
			DumpFunc: func(context.Context) (models.UserSnapshot, error) { return snap, nil },
			StudyFunc: func(context.Context, models.StudyResponseRequest) (models.StudyResponse, error) {
				return models.StudyResponse{}, gateway.ErrNetwork
			},
			SyncFunc: func(context.Context, models.SyncRequest) (models.SyncResponse, error) {
				return models.SyncResponse{}, gateway.ErrNetwork
			},
		}
		c := newCoordinator(t, store, gw)
		require.NoError(t, c.SetOnline(ctx, true))

		review, err := c.RecordReview(ctx, models.Remote(9), 4, 700)
		require.NoError(t, err)
		assert.False(t, review.Remote)
		assert.Equal(t, 1, review.Card.Repetitions)
		assert.Len(t, c.Queue(), 2)
	})
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("offline uses local recommendation", func(t *testing.T) {
		c := newCoordinator(t, nil, &mockGateway{})
		_, err := c.CreateCard(ctx, models.Card{Simplified: "一"})
		require.NoError(t, err)
		_, err = c.CreateCard(ctx, models.Card{Simplified: "二", NextDue: epoch.Add(time.Hour)})
		require.NoError(t, err)

		cards, err := c.Schedule(ctx, 10, nil)
		require.NoError(t, err)
		require.Len(t, cards, 1)
		assert.Equal(t, "一", cards[0].Simplified)

		cards, err = c.Schedule(ctx, 0, nil)
		require.NoError(t, err)
		assert.Empty(t, cards)
	})

	t.Run("local pending edits win over server schedule", func(t *testing.T) {
		store := storage.NewMemoryStore()
		snap := models.NewSnapshot()
		snap.Cards = []models.Card{
			{ID: models.Remote(1), Simplified: "一", Easiness: 2.5, NextDue: epoch},
			{ID: models.Remote(2), Simplified: "二", Easiness: 2.5, NextDue: epoch},
		}
		require.NoError(t, store.PutSnapshot(ctx, snap))

		gw := &mockGateway{}
		c := newCoordinator(t, store, gw)
		_, err := c.UpdateCard(ctx, models.Card{ID: models.Remote(1), Simplified: "壹"})
		require.NoError(t, err)

		gw.DumpFunc = offlineNetwork
		gw.SyncFunc = func(context.Context, models.SyncRequest) (models.SyncResponse, error) {
			return models.SyncResponse{}, gateway.ErrNetwork
		}
		gw.ScheduleFunc = func(_ context.Context, n int, collection *models.ID) (models.ScheduleResponse, error) {
			assert.Equal(t, 5, n)
			assert.Nil(t, collection)
			return models.ScheduleResponse{Count: 2, Cards: []models.Card{
				{ID: models.Remote(1), Simplified: "一 (server)", Easiness: 2.5},
				{ID: models.Remote(2), Simplified: "二 (server)", Easiness: 2.5},
			}}, nil
		}
		_ = c.SetOnline(ctx, true)

		cards, err := c.Schedule(ctx, 5, nil)
		require.NoError(t, err)
		require.Len(t, cards, 2)
		assert.Equal(t, "壹", cards[0].Simplified)
		assert.Equal(t, "二 (server)", cards[1].Simplified)

		card, _ := c.Card(models.Remote(2))
		assert.Equal(t, "二 (server)", card.Simplified)
	})

	t.Run("server failure falls back to local", func(t *testing.T) {
		gw := &mockGateway{ScheduleFunc: func(context.Context, int, *models.ID) (models.ScheduleResponse, error) {
			return models.ScheduleResponse{}, gateway.ErrNetwork
		}}
		c := newCoordinator(t, nil, gw)
		_, err := c.CreateCard(ctx, models.Card{Simplified: "一"})
		require.NoError(t, err)
		// online without triggering a refresh
		c.mu.Lock()
		c.status.Online = true
		c.mu.Unlock()

		cards, err := c.Schedule(ctx, 3, nil)
		require.NoError(t, err)
		assert.Len(t, cards, 1)
		assert.Equal(t, 1, gw.count("schedule"))
	})
}

func TestMutations_Validation(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, nil, &mockGateway{})

	res, err := c.CreateCard(ctx, models.Card{})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Error(t, res.Err(StageValidate))

	_, err = c.CreateCard(ctx, models.Card{Simplified: "x", Easiness: 1.0})
	assert.Error(t, err)

	_, err = c.CreateCollection(ctx, models.Collection{})
	assert.Error(t, err)

	_, err = c.CreateCard(ctx, models.Card{Simplified: "x", CollectionIDs: []models.ID{models.Remote(99)}})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.UpdateCard(ctx, models.Card{ID: models.Remote(1), Simplified: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Empty(t, c.Queue(), "rejected mutations are never queued")
	assert.Empty(t, c.Snapshot().Cards)
}

func TestDeleteLocalEntitiesNeverReachServer(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{}
	c := newCoordinator(t, nil, gw)

	col, err := c.CreateCollection(ctx, models.Collection{Name: "tmp"})
	require.NoError(t, err)
	card, err := c.CreateCard(ctx, models.Card{Simplified: "临", CollectionIDs: []models.ID{col.ID}})
	require.NoError(t, err)
	_, err = c.RecordReview(ctx, card.ID, 3, 100)
	require.NoError(t, err)
	require.Len(t, c.Queue(), 4)

	_, err = c.DeleteCard(ctx, card.ID)
	require.NoError(t, err)
	_, err = c.DeleteCollection(ctx, col.ID)
	require.NoError(t, err)

	assert.Empty(t, c.Queue())
	assert.Empty(t, c.Snapshot().StudyLogs)
	require.NoError(t, c.Flush(ctx))
	assert.Zero(t, gw.total())

	_, err = c.DeleteCard(ctx, card.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemoteCardIsQueued(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	snap := models.NewSnapshot()
	snap.Collections = []models.Collection{{ID: models.Remote(4), Name: "c"}}
	snap.Cards = []models.Card{{ID: models.Remote(1), Simplified: "一", Easiness: 2.5, CollectionIDs: []models.ID{models.Remote(4)}}}
	require.NoError(t, store.PutSnapshot(ctx, snap))

	var got models.SyncRequest
	gw := &mockGateway{SyncFunc: func(_ context.Context, req models.SyncRequest) (models.SyncResponse, error) {
		got = req
		return models.SyncResponse{Received: models.SyncCounts{Deleted: 2}}, nil
	}}
	c := newCoordinator(t, store, gw)

	_, err := c.DeleteCollection(ctx, models.Remote(4))
	require.NoError(t, err)
	assert.Empty(t, c.Snapshot().Cards[0].CollectionIDs)
	_, err = c.DeleteCard(ctx, models.Remote(1))
	require.NoError(t, err)

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, []models.ID{models.Remote(1)}, got.DeletedCards)
	assert.Equal(t, []models.ID{models.Remote(4)}, got.DeletedCollections)
	assert.Empty(t, c.Queue())
}

func TestStoreFailureDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, failingStore{storage.NewMemoryStore()}, &mockGateway{})

	res, err := c.CreateCard(ctx, models.Card{Simplified: "电"})
	require.NoError(t, err)
	assert.Error(t, res.Err(StagePersist))
	assert.True(t, c.Status().Degraded)

	_, err = c.CreateCard(ctx, models.Card{Simplified: "脑"})
	require.NoError(t, err)
	assert.Len(t, c.Snapshot().Cards, 2)
	assert.Len(t, c.Queue(), 2)
}

func TestSubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, nil, &mockGateway{})

	var (
		mu   sync.Mutex
		seen []Status
	)
	unsubscribe := c.Subscribe(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	_, err := c.CreateCard(ctx, models.Card{Simplified: "看"})
	require.NoError(t, err)

	mu.Lock()
	require.NotEmpty(t, seen)
	assert.Equal(t, 1, seen[len(seen)-1].Pending)
	n := len(seen)
	mu.Unlock()

	c.Close()
	_, err = c.CreateCard(ctx, models.Card{Simplified: "听"})
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, seen, n)
	mu.Unlock()
	unsubscribe()
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := newCoordinator(t, store, &mockGateway{})

	_, err := c.CreateCard(ctx, models.Card{Simplified: "走"})
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx))

	assert.Empty(t, c.Snapshot().Cards)
	assert.Empty(t, c.Queue())
	snap, err := store.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestAutoSync(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{DumpFunc: offlineNetwork}
	c := newCoordinator(t, nil, gw)

	_, err := c.CreateCard(ctx, models.Card{Simplified: "书"})
	require.NoError(t, err)

	var mu sync.Mutex
	attempts := 0
	gw.SyncFunc = func(_ context.Context, req models.SyncRequest) (models.SyncResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return models.SyncResponse{}, gateway.ErrNetwork
		}
		return models.SyncResponse{
			Received: models.SyncCounts{Cards: 1},
			IDMap:    models.IDRemap{Cards: models.IDMap{req.Cards[0].ID: models.Remote(11)}},
		}, nil
	}
	require.Error(t, c.SetOnline(ctx, true))
	require.Len(t, c.Queue(), 1)

	autoCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		c.AutoSync(autoCtx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(c.Queue()) == 0 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	card, ok := c.Card(models.Local(1700000000))
	require.True(t, ok)
	assert.Equal(t, models.Remote(11), card.ID)
	assert.Equal(t, 2, gw.count("sync"))
}

func TestDeleteLocalCollection_StripsQueuedMemberships(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{}
	c := newCoordinator(t, nil, gw)

	col, err := c.CreateCollection(ctx, models.Collection{Name: "draft"})
	require.NoError(t, err)
	created, err := c.CreateCard(ctx, models.Card{Simplified: "草", CollectionIDs: []models.ID{col.ID}})
	require.NoError(t, err)
	_, err = c.DeleteCollection(ctx, col.ID)
	require.NoError(t, err)

	items := c.Queue()
	require.Len(t, items, 1)
	var queued models.Card
	require.NoError(t, json.Unmarshal(items[0].Payload, &queued))
	assert.Empty(t, queued.CollectionIDs)

	gw.DumpFunc = func(context.Context) (models.UserSnapshot, error) { return models.NewSnapshot(), nil }
	gw.SyncFunc = func(_ context.Context, req models.SyncRequest) (models.SyncResponse, error) {
		require.Len(t, req.Cards, 1)
		assert.Empty(t, req.Cards[0].CollectionIDs)
		assert.Empty(t, req.Collections)
		return models.SyncResponse{IDMap: models.IDRemap{Cards: models.IDMap{created.ID: models.Remote(42)}}}, nil
	}
	require.NoError(t, c.SetOnline(ctx, true))

	card, ok := c.Card(models.Remote(42))
	require.True(t, ok)
	assert.Empty(t, card.CollectionIDs)
	assert.Empty(t, c.Snapshot().Collections)

	gw.SyncFunc = func(context.Context, models.SyncRequest) (models.SyncResponse, error) {
		return models.SyncResponse{Received: models.SyncCounts{Cards: 1}}, nil
	}
	_, err = c.UpdateCard(ctx, card)
	assert.NoError(t, err)
}

func TestRefresh_QueuedDeleteDropsStudyLogs(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{DumpFunc: func(context.Context) (models.UserSnapshot, error) {
		snap := models.NewSnapshot()
		snap.Cards = []models.Card{{ID: models.Remote(7), Simplified: "七", Easiness: 2.5}}
		snap.StudyLogs = []models.StudyLog{models.NewStudyLog(models.Remote(70), models.Remote(7), 1, 4, 900, epoch)}
		return snap, nil
	}}
	c := newCoordinator(t, nil, gw)

	require.NoError(t, c.Refresh(ctx))
	require.Len(t, c.Snapshot().StudyLogs, 1)

	_, err := c.DeleteCard(ctx, models.Remote(7))
	require.NoError(t, err)
	assert.Empty(t, c.Snapshot().StudyLogs)

	require.NoError(t, c.Refresh(ctx))
	snap := c.Snapshot()
	assert.Empty(t, snap.Cards)
	assert.Empty(t, snap.StudyLogs)
}

func TestRefresh_FlushesMutationsMadeDuringRefresh(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{DumpFunc: func(context.Context) (models.UserSnapshot, error) { return models.NewSnapshot(), nil }}
	c := newCoordinator(t, nil, gw)
	require.NoError(t, c.SetOnline(ctx, true))

	var created models.ID
	gw.DumpFunc = func(context.Context) (models.UserSnapshot, error) {
		res, err := c.CreateCard(ctx, models.Card{Simplified: "快"})
		require.NoError(t, err)
		created = res.ID
		return models.NewSnapshot(), nil
	}
	gw.SyncFunc = func(_ context.Context, req models.SyncRequest) (models.SyncResponse, error) {
		require.Len(t, req.Cards, 1)
		return models.SyncResponse{IDMap: models.IDRemap{Cards: models.IDMap{created: models.Remote(9)}}}, nil
	}

	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, 1, gw.count("sync"))
	assert.Empty(t, c.Queue())
	_, ok := c.Card(models.Remote(9))
	assert.True(t, ok)
}

func TestDeleteDuringFlush_DeletesUnderServerID(t *testing.T) {
	ctx := context.Background()
	gw := &mockGateway{DumpFunc: func(context.Context) (models.UserSnapshot, error) { return models.NewSnapshot(), nil }}
	c := newCoordinator(t, nil, gw)

	created, err := c.CreateCard(ctx, models.Card{Simplified: "删"})
	require.NoError(t, err)

	var requests []models.SyncRequest
	gw.SyncFunc = func(_ context.Context, req models.SyncRequest) (models.SyncResponse, error) {
		requests = append(requests, req)
		if len(requests) == 1 {
			_, err := c.DeleteCard(ctx, created.ID)
			require.NoError(t, err)
			return models.SyncResponse{IDMap: models.IDRemap{Cards: models.IDMap{created.ID: models.Remote(42)}}}, nil
		}
		return models.SyncResponse{Received: models.SyncCounts{Deleted: 1}}, nil
	}
	require.NoError(t, c.SetOnline(ctx, true))

	require.Len(t, requests, 2)
	assert.Equal(t, []models.ID{models.Remote(42)}, requests[1].DeletedCards)
	assert.Empty(t, c.Queue())
	assert.Empty(t, c.Snapshot().Cards)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.tombstones)
	assert.Empty(t, c.sending)
}

func TestDeleteOfflinePlaceholder_LeavesNoTombstone(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, nil, &mockGateway{})

	col, err := c.CreateCollection(ctx, models.Collection{Name: "x"})
	require.NoError(t, err)
	card, err := c.CreateCard(ctx, models.Card{Simplified: "无"})
	require.NoError(t, err)
	_, err = c.DeleteCard(ctx, card.ID)
	require.NoError(t, err)
	_, err = c.DeleteCollection(ctx, col.ID)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.tombstones)
}
