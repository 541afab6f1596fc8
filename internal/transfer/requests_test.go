package transfer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/marketplace-partner/internal/resource"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

// A verified target accepts and receives the resources.
func TestRequestVerifyAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1")

	req, err := f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnclaimed, req.Status)
	assert.NotNil(t, req.TargetInstallationIDs)
	assert.Empty(t, req.TargetInstallationIDs)

	res, err := f.requests.Verify(ctx, "B", "T1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, types.StatusVerified, res.Request.Status)
	assert.Equal(t, []string{"B"}, res.Request.TargetInstallationIDs)

	res, err = f.requests.Accept(ctx, "B", "T1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "Transfer request completed", res.Description)
	assert.Equal(t, []string{"r1"}, res.Moved)
	assert.Empty(t, res.Missing)

	got, err := f.requests.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, got.Status)
	assert.Equal(t, "B", got.ClaimedByInstallationID)

	moved, err := f.repo.Get(ctx, "B", "r1")
	require.NoError(t, err)
	assert.Equal(t, "B", moved.InstallationID)
	assert.Equal(t, "res-r1", moved.Name)
	_, err = f.repo.Get(ctx, "A", "r1")
	assert.ErrorIs(t, err, resource.ErrNotFound)

	assert.Equal(t, 1, f.rec.moved)
	assert.Equal(t, 1, f.rec.count("transfer/accept/ok"))
}

// Accepting again as the winner is a no-op.
func TestRequestAcceptReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1")

	_, err := f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, "B", "T1")
	require.NoError(t, err)
	_, err = f.requests.Accept(ctx, "B", "T1")
	require.NoError(t, err)

	before, err := f.store.Get(ctx, kv.TransferKey("T1"))
	require.NoError(t, err)
	resBefore, err := f.store.Get(ctx, kv.ResourceKey("B", "r1"))
	require.NoError(t, err)

	res, err := f.requests.Accept(ctx, "B", "T1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "Transfer request already complete", res.Description)
	assert.Empty(t, res.Moved)

	// Complete is the same operation
	res, err = f.requests.Complete(ctx, "B", "T1")
	require.NoError(t, err)
	assert.False(t, res.Changed)

	after, err := f.store.Get(ctx, kv.TransferKey("T1"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	resAfter, err := f.store.Get(ctx, kv.ResourceKey("B", "r1"))
	require.NoError(t, err)
	assert.Equal(t, resBefore, resAfter)

	assert.Equal(t, 1, f.rec.moved)
	assert.Equal(t, 2, f.rec.count("transfer/accept/replay"))
}

// Only a verified target may accept.
func TestRequestAcceptRequiresVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1")

	_, err := f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	require.NoError(t, err)

	_, err = f.requests.Accept(ctx, "B", "T1")
	assert.ErrorIs(t, err, ErrValidation, "unverified caller")

	_, err = f.requests.Verify(ctx, "B", "T1")
	require.NoError(t, err)

	_, err = f.requests.Accept(ctx, "C", "T1")
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, e.Kind)
	assert.Equal(t, CodeBadRequest, e.Code)
	assert.Equal(t, "invalid target installation ID", e.Description)

	_, err = f.repo.Get(ctx, "A", "r1")
	assert.NoError(t, err, "nothing moved")
}

// Creating an existing transfer id is a conflict and leaves the record untouched.
func TestRequestCreateConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	require.NoError(t, err)
	_, err = f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	assert.ErrorIs(t, err, ErrConflict)
	_, err = f.requests.Create(ctx, "X", "T1", []string{"r5", "r6"}, past())
	assert.ErrorIs(t, err, ErrConflict)
}

// An expired request rejects verify.
func TestRequestExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1")

	_, err := f.requests.Create(ctx, "A", "T2", []string{"r1"}, past())
	require.NoError(t, err)

	_, err = f.requests.Verify(ctx, "B", "T2")
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindConflict, e.Kind)
	assert.Equal(t, "transfer request has expired", e.Description)
	assert.Equal(t, 1, f.rec.count("transfer/verify/conflict"))
}

func TestRequestExpiresAfterVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1")

	now := testNow
	clk := func() func() time.Time { return func() time.Time { return now } }
	reqs := NewRequests(f.store, f.repo, WithClock(clk()))

	_, err := reqs.Create(ctx, "A", "T1", []string{"r1"}, now.Add(time.Minute).UnixMilli())
	require.NoError(t, err)
	_, err = reqs.Verify(ctx, "B", "T1")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = reqs.Accept(ctx, "B", "T1")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.repo.Get(ctx, "A", "r1")
	assert.NoError(t, err, "nothing moved")
}

// With several verified targets only the first accept wins.
func TestRequestSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1", "r2")

	_, err := f.requests.Create(ctx, "A", "T3", []string{"r1", "r2"}, future())
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, "B", "T3")
	require.NoError(t, err)
	res, err := f.requests.Verify(ctx, "C", "T3")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, res.Request.TargetInstallationIDs)
	assert.Equal(t, types.StatusVerified, res.Request.Status)

	_, err = f.requests.Accept(ctx, "B", "T3")
	require.NoError(t, err)

	_, err = f.requests.Accept(ctx, "C", "T3")
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindConflict, e.Kind)

	got, err := f.requests.Get(ctx, "T3")
	require.NoError(t, err)
	assert.Equal(t, "B", got.ClaimedByInstallationID)

	// C stays a member, so its verify is an idempotent success
	vres, err := f.requests.Verify(ctx, "C", "T3")
	require.NoError(t, err)
	assert.False(t, vres.Changed)

	// D was never a member
	_, err = f.requests.Verify(ctx, "D", "T3")
	assert.ErrorIs(t, err, ErrConflict)

	list, err := f.repo.List(ctx, "C")
	require.NoError(t, err)
	assert.Empty(t, list)
}

// Accept moves every listed resource in one batch.
func TestRequestMovesEveryResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1", "r2", "keep")

	_, err := f.requests.Create(ctx, "A", "T1", []string{"r1", "r2"}, future())
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, "B", "T1")
	require.NoError(t, err)
	res, err := f.requests.Accept(ctx, "B", "T1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2"}, res.Moved)

	for _, id := range []string{"r1", "r2"} {
		_, err := f.repo.Get(ctx, "B", id)
		assert.NoError(t, err, id)
		_, err = f.repo.Get(ctx, "A", id)
		assert.ErrorIs(t, err, resource.ErrNotFound, id)
	}
	left, err := f.repo.List(ctx, "A")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "keep", left[0].ID)
	assert.Equal(t, 2, f.rec.moved)
}

func TestRequestAcceptSkipsMissingResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1")
	f.seed(t, "B", "r2") // already moved by an earlier attempt

	_, err := f.requests.Create(ctx, "A", "T1", []string{"r1", "r2", "gone"}, future())
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, "B", "T1")
	require.NoError(t, err)

	res, err := f.requests.Accept(ctx, "B", "T1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.Moved)
	assert.Equal(t, []string{"gone"}, res.Missing)
	assert.Equal(t, types.StatusComplete, res.Request.Status)
}

func TestRequestAcceptKeepsTargetsOwnResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1")
	_, err := f.repo.Put(ctx, "B", types.Resource{ID: "r1", Name: "B-own-db"})
	require.NoError(t, err)

	_, err = f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, "B", "T1")
	require.NoError(t, err)

	_, err = f.requests.Accept(ctx, "B", "T1")
	e, ok := AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, KindConflict, e.Kind)
	assert.Equal(t, "target installation already owns resource r1", e.Description)

	own, err := f.repo.Get(ctx, "B", "r1")
	require.NoError(t, err)
	assert.Equal(t, "B-own-db", own.Name)
	_, err = f.repo.Get(ctx, "A", "r1")
	assert.NoError(t, err)

	got, err := f.requests.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusVerified, got.Status)
	assert.Equal(t, 1, f.rec.count("transfer/accept/conflict"))
}

// Status never goes backwards and idempotent calls write nothing.
func TestRequestMonotonicStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1")

	_, err := f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	require.NoError(t, err)

	steps := []func() error{
		func() error { _, err := f.requests.Verify(ctx, "B", "T1"); return err },
		func() error { _, err := f.requests.Verify(ctx, "B", "T1"); return err },
		func() error { _, err := f.requests.Verify(ctx, "C", "T1"); return err },
		func() error { _, err := f.requests.Accept(ctx, "B", "T1"); return err },
		func() error { _, err := f.requests.Verify(ctx, "C", "T1"); return err },
		func() error { _, err := f.requests.Accept(ctx, "C", "T1"); return err },
		func() error { _, err := f.requests.Accept(ctx, "B", "T1"); return err },
	}
	rank := types.StatusUnclaimed.Rank()
	for i, step := range steps {
		_ = step()
		got, err := f.requests.Get(ctx, "T1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.Status.Rank(), rank, "step %d", i)
		rank = got.Status.Rank()
	}

	hist, err := f.requests.History(ctx, "A", "T1")
	require.NoError(t, err)
	actions := make([]types.HistoryAction, 0, len(hist))
	for _, h := range hist {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []types.HistoryAction{
		types.ActionCreate, types.ActionVerify, types.ActionVerify, types.ActionComplete,
	}, actions)
}

func TestRequestConcurrentAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", "r1", "r2")

	_, err := f.requests.Create(ctx, "A", "T1", []string{"r1", "r2"}, future())
	require.NoError(t, err)

	const n = 8
	callers := make([]string, n)
	for i := range callers {
		callers[i] = fmt.Sprintf("inst-%d", i)
		_, err := f.requests.Verify(ctx, callers[i], "T1")
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, caller := range callers {
		wg.Add(1)
		go func(caller string) {
			defer wg.Done()
			res, err := f.requests.Accept(ctx, caller, "T1")
			if err != nil {
				assert.ErrorIs(t, err, ErrConflict)
				return
			}
			if res.Changed {
				mu.Lock()
				winners = append(winners, caller)
				mu.Unlock()
			}
		}(caller)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := f.requests.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.ClaimedByInstallationID)

	owned, err := f.repo.List(ctx, winners[0])
	require.NoError(t, err)
	assert.Len(t, owned, 2)
	for _, caller := range callers {
		if caller == winners[0] {
			continue
		}
		list, err := f.repo.List(ctx, caller)
		require.NoError(t, err)
		assert.Empty(t, list, caller)
	}
}

func TestRequestAcceptGuardsResources(t *testing.T) {
	store := &racingStore{}
	inner := newFixture(t)
	store.Store = inner.store
	f := newFixtureOn(t, store)
	ctx := context.Background()
	f.seed(t, "A", "r1")

	_, err := f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, "B", "T1")
	require.NoError(t, err)

	store.fails = 1
	res, err := f.requests.Accept(ctx, "B", "T1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"r1"}, res.Moved)
	assert.Equal(t, 1, f.rec.retries)
}

func TestRequestDeleteAndNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.requests.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.requests.Verify(ctx, "B", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.requests.Accept(ctx, "B", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.requests.Get(ctx, "bad id")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	require.NoError(t, err)
	assert.ErrorIs(t, f.requests.Delete(ctx, "C", "T1"), ErrNotFound, "only the source may delete")
	_, err = f.requests.Get(ctx, "T1")
	require.NoError(t, err)
	require.NoError(t, f.requests.Delete(ctx, "A", "T1"))
	assert.ErrorIs(t, f.requests.Delete(ctx, "A", "T1"), ErrNotFound)

	items, err := f.store.ListRange(ctx, kv.TransferHistoryKey("T1"))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRequestLookupIsScopedToParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.requests.Create(ctx, "A", "T1", []string{"r1"}, future())
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, "B", "T1")
	require.NoError(t, err)

	for _, inst := range []string{"A", "B"} {
		_, err := f.requests.Lookup(ctx, inst, "T1")
		assert.NoError(t, err, inst)
		_, err = f.requests.History(ctx, inst, "T1")
		assert.NoError(t, err, inst)
	}
	_, err = f.requests.Lookup(ctx, "C", "T1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.requests.History(ctx, "C", "T1")
	assert.ErrorIs(t, err, ErrNotFound)
}
