package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/marketplace-partner/internal/resource"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/memkv"
	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

// testNow is the fixed clock used by every state machine test.
var testNow = time.UnixMilli(1_700_000_000_000)

func future() int64 { return testNow.Add(time.Hour).UnixMilli() }
func past() int64   { return testNow.Add(-time.Minute).UnixMilli() }

func clock() func() time.Time { return func() time.Time { return testNow } }

type fixture struct {
	store    kv.Store
	claims   *Claims
	requests *Requests
	repo     *resource.Repository
	rec      *countingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memkv.New()
	t.Cleanup(func() { store.Close() })
	return newFixtureOn(t, store)
}

func newFixtureOn(t *testing.T, store kv.Store) *fixture {
	t.Helper()
	repo := resource.NewRepository(store)
	repo.SetClock(clock())
	rec := &countingRecorder{ops: map[string]int{}}
	return &fixture{
		store:    store,
		claims:   NewClaims(store, WithClock(clock()), WithRecorder(rec)),
		requests: NewRequests(store, repo, WithClock(clock()), WithRecorder(rec)),
		repo:     repo,
		rec:      rec,
	}
}

// seed creates resources owned by installationID.
func (f *fixture) seed(t *testing.T, installationID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.repo.Put(context.Background(), installationID, types.Resource{ID: id, Name: "res-" + id, Status: "ready"})
		require.NoError(t, err)
	}
}

// countingRecorder records outcomes as "kind/op/outcome" counts.
type countingRecorder struct {
	mu      sync.Mutex
	ops     map[string]int
	retries int
	moved   int
}

func (r *countingRecorder) ClaimOperation(op, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops["claim/"+op+"/"+outcome]++
}

func (r *countingRecorder) TransferOperation(op, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops["transfer/"+op+"/"+outcome]++
}

func (r *countingRecorder) ConditionRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *countingRecorder) ResourcesMoved(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moved += n
}

func (r *countingRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ops[key]
}

// racingStore fails the next n guarded batches as if another writer got
// there first.
type racingStore struct {
	kv.Store
	mu    sync.Mutex
	fails int
	execs int
}

func (s *racingStore) Exec(ctx context.Context, b kv.Batch) error {
	s.mu.Lock()
	s.execs++
	if len(b.Conditions) > 0 && s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return kv.ErrConditionFailed
	}
	s.mu.Unlock()
	return s.Store.Exec(ctx, b)
}
