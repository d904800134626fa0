package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "client.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleSnapshot() models.UserSnapshot {
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	snap := models.NewSnapshot()
	snap.User = models.User{ID: 3, Username: "mei"}
	snap.Collections = []models.Collection{{ID: models.Local(1700000001), Name: "HSK1", LastModified: at}}
	snap.Cards = []models.Card{{
		ID:            models.Local(1700000000),
		Simplified:    "你好",
		Pinyin:        "nǐ hǎo",
		Meanings:      []string{"hello"},
		Examples:      []string{},
		Tags:          []string{},
		Easiness:      2.5,
		NextDue:       at,
		CollectionIDs: []models.ID{models.Local(1700000001)},
		LastModified:  at,
	}}
	snap.StudyLogs = []models.StudyLog{models.NewStudyLog(models.Local(5), models.Local(1700000000), 3, 4, 1200, at)}
	snap.LastModified = at
	return snap
}

func TestSQLiteStore_SnapshotSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)

	got, err := s.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	want := sampleSnapshot()
	require.NoError(t, s.PutSnapshot(ctx, want))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err = reopened.GetSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
	assert.True(t, got.Cards[0].ID.IsLocal())
}

func TestSQLiteStore_Queue(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Enqueue(ctx, models.SyncQueueItem{
			ID:        id,
			Type:      models.ActionStudy,
			Payload:   json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	// replacing an item keeps its position
	require.NoError(t, s.Enqueue(ctx, models.SyncQueueItem{
		ID: "c", Type: models.ActionUpdateCard, Payload: json.RawMessage(`{"n":9}`), CreatedAt: base,
	}))

	items, err := s.GetQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, models.ActionUpdateCard, items[0].Type)
	assert.JSONEq(t, `{"n":9}`, string(items[0].Payload))
	assert.True(t, items[1].CreatedAt.Equal(base.Add(time.Second)))

	require.NoError(t, s.RemoveByIDs(ctx, []string{"a", "missing"}))
	items, err = s.GetQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.NoError(t, s.PutSnapshot(ctx, sampleSnapshot()))
	require.NoError(t, s.ClearAll(ctx))
	items, err = s.GetQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	snap, err := s.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSQLiteStore_Tokens(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	tokens, err := s.GetTokens(ctx)
	require.NoError(t, err)
	assert.Nil(t, tokens)

	pair := models.TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.PutTokens(ctx, pair))
	tokens, err = s.GetTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, pair, *tokens)

	require.NoError(t, s.ClearTokens(ctx))
	tokens, err = s.GetTokens(ctx)
	require.NoError(t, err)
	assert.Nil(t, tokens)
}

func TestSQLiteStore_Dictionary(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	entries := []models.DictEntry{
		{ID: 1, Simplified: "学", Traditional: "學", Pinyin: "xue2"},
		{ID: 2, Simplified: "学习", Traditional: "學習", Pinyin: "xue2 xi2"},
		{ID: 3, Simplified: "你好", Traditional: "你好", Pinyin: "ni3 hao3"},
	}
	require.NoError(t, s.StoreDatasetEntries(ctx, "hsk1", entries))
	require.NoError(t, s.StoreDatasetEntries(ctx, "hsk2", []models.DictEntry{{ID: 10, Simplified: "学生", Traditional: "學生", Pinyin: "xue2 sheng5"}}))
	require.NoError(t, s.PutDatasetMeta(ctx, models.DatasetMeta{DatasetID: "hsk1", Total: 3, Downloaded: 3, DownloadedAt: time.Now()}))

	n, err := s.CountDatasetEntries(ctx, "hsk1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tests := []struct {
		query string
		want  []int64
	}{
		{"学", []int64{1, 2, 10}},
		{"學習", []int64{2}},
		{"Xue2 X", []int64{2}},
		{"nihao", []int64{3}},
		{"100%", nil},
		{"  ", nil},
	}
	for _, tt := range tests {
		got, err := s.LookupEntries(ctx, tt.query, 10)
		require.NoError(t, err, tt.query)
		var ids []int64
		for _, e := range got {
			ids = append(ids, e.ID)
		}
		assert.Equal(t, tt.want, ids, tt.query)
	}

	meta, err := s.GetDatasetMeta(ctx, "hsk1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, meta.Complete())

	require.NoError(t, s.ClearDatasetEntries(ctx, "hsk1"))
	n, err = s.CountDatasetEntries(ctx, "hsk1")
	require.NoError(t, err)
	assert.Zero(t, n)
	meta, err = s.GetDatasetMeta(ctx, "hsk1")
	require.NoError(t, err)
	assert.Nil(t, meta)

	n, err = s.CountDatasetEntries(ctx, "hsk2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNormalizePinyin(t *testing.T) {
	assert.Equal(t, "xuexi", NormalizePinyin("Xue2 xi2"))
	assert.Equal(t, "xian", NormalizePinyin("Xi'an"))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	snap := sampleSnapshot()
	require.NoError(t, m.PutSnapshot(ctx, snap))
	snap.Cards[0].Simplified = "changed"

	got, err := m.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "你好", got.Cards[0].Simplified)

	require.NoError(t, m.Enqueue(ctx, models.SyncQueueItem{ID: "1"}))
	require.NoError(t, m.Enqueue(ctx, models.SyncQueueItem{ID: "2"}))
	require.NoError(t, m.Enqueue(ctx, models.SyncQueueItem{ID: "1", Type: models.ActionStudy}))
	items, _ := m.GetQueue(ctx)
	require.Len(t, items, 2)
	assert.Equal(t, models.ActionStudy, items[0].Type)

	require.NoError(t, m.RemoveByIDs(ctx, []string{"1"}))
	items, _ = m.GetQueue(ctx)
	assert.Equal(t, "2", items[0].ID)

	require.NoError(t, m.ClearAll(ctx))
	got, _ = m.GetSnapshot(ctx)
	assert.Nil(t, got)
}
