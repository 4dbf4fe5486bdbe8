package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/model"
)

// Helper function to create test storage.
func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := OpenLedger(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return store, func() { _ = store.Close() }
}

func testGroup(id string, units ...string) model.Group {
	return model.Group{
		ID:       id,
		Title:    "Login page crashes",
		Mode:     model.GroupModeIssue,
		Priority: model.PriorityHigh,
		UnitIDs:  units,
		TargetIDs: []string{
			"42",
		},
		AffectedFeatures: []string{"auth"},
		FeatureBucket:    "auth",
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))

	var version int
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version))
	assert.Equal(t, ExpectedSchemaVersion, version)
}

func TestInMemoryStorage(t *testing.T) {
	store, err := OpenLedger(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	groups := []model.Group{testGroup("g1", "u1")}
	require.NoError(t, store.SaveGroups(context.Background(), groups))

	got, err := store.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, got.UnitIDs)
}

func TestSaveGroups_RoundTrip(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	groups := []model.Group{testGroup("g1", "u2", "u1")}
	require.NoError(t, store.SaveGroups(ctx, groups))
	assert.Equal(t, model.ExportPending, groups[0].ExportStatus)
	assert.False(t, groups[0].CreatedAt.IsZero())

	got, err := store.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "Login page crashes", got.Title)
	assert.Equal(t, []string{"u2", "u1"}, got.UnitIDs, "member order is preserved")
	assert.Equal(t, []string{"42"}, got.TargetIDs)
	assert.Equal(t, []string{"auth"}, got.AffectedFeatures)
	assert.Nil(t, got.Labels)
	assert.Equal(t, model.PriorityHigh, got.Priority)
	assert.Equal(t, model.ExportPending, got.ExportStatus)
}

func TestSaveGroups_ExportedStaysExported(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.SaveGroups(ctx, []model.Group{testGroup("g1", "u1")}))
	require.NoError(t, store.MarkExported(ctx, "g1", "EXT-1", "https://tracker.example/EXT-1", "ENG-12"))

	regrouped := []model.Group{testGroup("g1", "u1", "u3")}
	regrouped[0].ExportStatus = model.ExportPending
	regrouped[0].Title = "Login page crashes on submit"
	require.NoError(t, store.SaveGroups(ctx, regrouped))

	assert.Equal(t, model.ExportExported, regrouped[0].ExportStatus)
	assert.Equal(t, "EXT-1", regrouped[0].ExternalID)

	got, err := store.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.ExportExported, got.ExportStatus)
	assert.Equal(t, "https://tracker.example/EXT-1", got.ExternalURL)
	assert.Equal(t, "ENG-12", got.ExternalIdentifier)
	assert.Equal(t, "Login page crashes on submit", got.Title)
	assert.Equal(t, []string{"u1", "u3"}, got.UnitIDs)
}

func TestListGroups_FiltersByStatus(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.SaveGroups(ctx, []model.Group{
		testGroup("g1", "u1"),
		testGroup("g2", "u2"),
	}))
	require.NoError(t, store.MarkExported(ctx, "g2", "EXT-2", "", ""))

	pending, err := store.ListGroups(ctx, model.ExportPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "g1", pending[0].ID)
	assert.Equal(t, []string{"u1"}, pending[0].UnitIDs)

	all, err := store.ListGroups(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	counts, err := store.CountGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.ExportPending])
	assert.Equal(t, 1, counts[model.ExportExported])
}

func TestReplaceGroups_SupersedesEarlierRun(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	semantic := testGroup("s1", "u1")
	semantic.Mode = model.GroupModeSemantic
	require.NoError(t, store.SaveGroups(ctx, []model.Group{semantic}))

	a := testGroup("A", "u1", "u2")
	n, err := store.ReplaceGroups(ctx, model.GroupModeIssue, []model.Group{a})
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, store.MarkExported(ctx, "A", "EXT-1", "", "ENG-1"))

	b := testGroup("B", "u1", "u2")
	b.TargetIDs = []string{"43"}
	n, err = store.ReplaceGroups(ctx, model.GroupModeIssue, []model.Group{b})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	live, err := store.ListGroups(ctx, "")
	require.NoError(t, err)
	ids := make([]string, 0, len(live))
	for _, g := range live {
		ids = append(ids, g.ID)
	}
	assert.ElementsMatch(t, []string{"B", "s1"}, ids, "other modes are untouched")

	old, err := store.GetGroup(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "B", old.SupersededBy)
	require.NotNil(t, old.SupersededAt)
	assert.Equal(t, "EXT-1", old.ExternalID, "linkage survives superseding")

	counts, err := store.CountGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.ExportPending])
	assert.Zero(t, counts[model.ExportExported])

	// A group that comes back is live again.
	_, err = store.ReplaceGroups(ctx, model.GroupModeIssue, []model.Group{testGroup("A", "u1", "u2")})
	require.NoError(t, err)
	revived, err := store.GetGroup(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, revived.SupersededBy)
	assert.Nil(t, revived.SupersededAt)
	assert.Equal(t, model.ExportExported, revived.ExportStatus)

	gone, err := store.GetGroup(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "A", gone.SupersededBy)
}

func TestReplaceGroups_RejectsOtherModes(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	_, err := store.ReplaceGroups(context.Background(), model.GroupModeSemantic, []model.Group{testGroup("A", "u1")})
	require.ErrorIs(t, err, ErrInvalidGroup)
}

func TestGroupErrors(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.GetGroup(ctx, "missing")
	require.ErrorIs(t, err, common.ErrGroupNotFound)

	err = store.MarkExported(ctx, "missing", "EXT-1", "", "")
	require.ErrorIs(t, err, common.ErrGroupNotFound)

	err = store.SaveGroups(ctx, []model.Group{{ID: "empty", Mode: model.GroupModeIssue}})
	require.ErrorIs(t, err, ErrInvalidGroup)

	bad := testGroup("g1", "u1")
	bad.Mode = "clustered"
	require.ErrorIs(t, store.SaveGroups(ctx, []model.Group{bad}), ErrInvalidGroup)
}

func TestEmbeddingCache(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	cache := store.EmbeddingCache("text-embedding-3-small")
	other := store.EmbeddingCache("other-model")

	_, ok, err := cache.Get(ctx, "hash-1")
	require.NoError(t, err)
	assert.False(t, ok)

	vec := []float32{0.25, -1.5, 3}
	require.NoError(t, cache.Put(ctx, "hash-1", vec))

	got, ok, err := cache.Get(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vec, got)

	_, ok, err = other.Get(ctx, "hash-1")
	require.NoError(t, err)
	assert.False(t, ok, "vectors are scoped to their model")

	require.NoError(t, cache.Put(ctx, "hash-1", []float32{1, 2}))
	got, _, err = cache.Get(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)

	n, err := cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.ErrorIs(t, cache.Put(ctx, "hash-2", nil), ErrInvalidVector)
}
