package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/memkv"
	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

func newTestRepo(t *testing.T) (*Repository, *memkv.Store) {
	t.Helper()
	store := memkv.New()
	t.Cleanup(func() { store.Close() })
	repo := NewRepository(store)
	at := time.UnixMilli(1_700_000_000_000)
	repo.SetClock(func() time.Time { return at })
	return repo, store
}

func TestPutGetList(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Put(ctx, "inst-a", types.Resource{ID: "r2", ProductID: "pg", Name: "db-2", Status: "ready"})
	require.NoError(t, err)
	assert.Equal(t, "inst-a", created.InstallationID)
	assert.Equal(t, int64(1_700_000_000_000), created.CreatedAt)

	_, err = repo.Put(ctx, "inst-a", types.Resource{ID: "r1", Name: "db-1"})
	require.NoError(t, err)
	_, err = repo.Put(ctx, "inst-b", types.Resource{ID: "r3", Name: "other"})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "inst-a", "r2")
	require.NoError(t, err)
	assert.Equal(t, "db-2", got.Name)

	list, err := repo.List(ctx, "inst-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r1", list[0].ID)
	assert.Equal(t, "r2", list[1].ID)

	_, err = repo.Get(ctx, "inst-b", "r2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutKeepsCreatedAt(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Put(ctx, "inst-a", types.Resource{ID: "r1", Name: "v1"})
	require.NoError(t, err)

	later := time.UnixMilli(1_800_000_000_000)
	repo.SetClock(func() time.Time { return later })
	updated, err := repo.Put(ctx, "inst-a", types.Resource{ID: "r1", Name: "v2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), updated.CreatedAt)
	assert.Equal(t, int64(1_800_000_000_000), updated.UpdatedAt)
}

func TestDelete(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Put(ctx, "inst-a", types.Resource{ID: "r1"})
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, "inst-a", "r1"))
	assert.ErrorIs(t, repo.Delete(ctx, "inst-a", "r1"), ErrNotFound)
}

func TestMoveOps(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Put(ctx, "src", types.Resource{ID: "r1", Name: "one"})
	require.NoError(t, err)
	_, err = repo.Put(ctx, "dst", types.Resource{ID: "r2", Name: "two"})
	require.NoError(t, err)

	move, err := repo.MoveOps(ctx, "src", "dst", []string{"r1", "r2", "r3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, move.Moved)
	assert.Equal(t, []string{"r2"}, move.AlreadyMoved)
	assert.Equal(t, []string{"r3"}, move.Missing)
	require.Len(t, move.Ops, 2)
	assert.Equal(t, kv.OpDelete, move.Ops[0].Type)
	assert.Equal(t, "src:resource:r1", move.Ops[0].Key)
	assert.Equal(t, "dst:resource:r1", move.Ops[1].Key)

	require.NoError(t, store.Exec(ctx, kv.Batch{Conditions: move.Conditions, Ops: move.Ops}))

	moved, err := repo.Get(ctx, "dst", "r1")
	require.NoError(t, err)
	assert.Equal(t, "dst", moved.InstallationID)
	assert.Equal(t, "one", moved.Name)
	_, err = repo.Get(ctx, "src", "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	// planning again finds nothing left to do
	again, err := repo.MoveOps(ctx, "src", "dst", []string{"r1"})
	require.NoError(t, err)
	assert.Empty(t, again.Ops)
	assert.Equal(t, []string{"r1"}, again.AlreadyMoved)
}

func TestMoveOpsGuardDetectsConcurrentEdit(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Put(ctx, "src", types.Resource{ID: "r1", Name: "one"})
	require.NoError(t, err)
	move, err := repo.MoveOps(ctx, "src", "dst", []string{"r1"})
	require.NoError(t, err)

	_, err = repo.Put(ctx, "src", types.Resource{ID: "r1", Name: "edited"})
	require.NoError(t, err)

	err = store.Exec(ctx, kv.Batch{Conditions: move.Conditions, Ops: move.Ops})
	assert.ErrorIs(t, err, kv.ErrConditionFailed)
}

func TestMoveOpsRefusesToOverwriteTarget(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Put(ctx, "src", types.Resource{ID: "r1", Name: "theirs"})
	require.NoError(t, err)
	_, err = repo.Put(ctx, "dst", types.Resource{ID: "r1", Name: "mine"})
	require.NoError(t, err)

	_, err = repo.MoveOps(ctx, "src", "dst", []string{"r1"})
	assert.ErrorIs(t, err, ErrOwnedByTarget)
	assert.Contains(t, err.Error(), "r1")
}

func TestMoveOpsGuardDetectsTargetCreate(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Put(ctx, "src", types.Resource{ID: "r1", Name: "one"})
	require.NoError(t, err)
	move, err := repo.MoveOps(ctx, "src", "dst", []string{"r1"})
	require.NoError(t, err)

	_, err = repo.Put(ctx, "dst", types.Resource{ID: "r1", Name: "created meanwhile"})
	require.NoError(t, err)

	err = store.Exec(ctx, kv.Batch{Conditions: move.Conditions, Ops: move.Ops})
	assert.ErrorIs(t, err, kv.ErrConditionFailed)

	got, err := repo.Get(ctx, "dst", "r1")
	require.NoError(t, err)
	assert.Equal(t, "created meanwhile", got.Name)
}
