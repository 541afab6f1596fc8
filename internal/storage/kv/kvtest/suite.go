// Package kvtest holds the behaviour every kv.Store backend must share.
// Backend packages call Run from their own tests.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) kv.Store

// Run exercises the kv.Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("SetGetDelete", func(t *testing.T) { testSetGetDelete(t, newStore(t)) })
	t.Run("ScanPrefix", func(t *testing.T) { testScanPrefix(t, newStore(t)) })
	t.Run("ScanGlobCharacters", func(t *testing.T) { testScanGlobCharacters(t, newStore(t)) })
	t.Run("Lists", func(t *testing.T) { testLists(t, newStore(t)) })
	t.Run("ExecAtomicApply", func(t *testing.T) { testExecAtomicApply(t, newStore(t)) })
	t.Run("ExecConditions", func(t *testing.T) { testExecConditions(t, newStore(t)) })
	t.Run("ExecRejectsUnknownOp", func(t *testing.T) { testExecRejectsUnknownOp(t, newStore(t)) })
	t.Run("ConcurrentCompareAndSet", func(t *testing.T) { testConcurrentCompareAndSet(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { testPing(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s kv.Store) {
	defer s.Close()
	_, err := s.Get(context.Background(), "claim:missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testSetGetDelete(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "claim:c1", []byte(`{"claimId":"c1"}`)))
	got, err := s.Get(ctx, "claim:c1")
	require.NoError(t, err)
	assert.Equal(t, `{"claimId":"c1"}`, string(got))

	require.NoError(t, s.Set(ctx, "claim:c1", []byte(`{"claimId":"c1","v":2}`)))
	got, err = s.Get(ctx, "claim:c1")
	require.NoError(t, err)
	assert.Equal(t, `{"claimId":"c1","v":2}`, string(got))

	require.NoError(t, s.Delete(ctx, "claim:c1"))
	_, err = s.Get(ctx, "claim:c1")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	// deleting again is fine
	assert.NoError(t, s.Delete(ctx, "claim:c1"))
}

func testScanPrefix(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{
		"inst-a:resource:r2",
		"inst-a:resource:r1",
		"inst-b:resource:r1",
		"claim:c1",
	} {
		require.NoError(t, s.Set(ctx, k, []byte("{}")))
	}
	require.NoError(t, s.ListAppend(ctx, "inst-a:resource:list-only", []byte("x")))

	keys, err := s.Scan(ctx, "inst-a:resource:")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a:resource:r1", "inst-a:resource:r2"}, keys)

	keys, err = s.Scan(ctx, "nothing:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testScanGlobCharacters(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a*b:1", []byte("1")))
	require.NoError(t, s.Set(ctx, "axb:2", []byte("2")))
	require.NoError(t, s.Set(ctx, "a_b:3", []byte("3")))
	require.NoError(t, s.Set(ctx, "a%b:4", []byte("4")))

	keys, err := s.Scan(ctx, "a*b:")
	require.NoError(t, err)
	assert.Equal(t, []string{"a*b:1"}, keys)

	keys, err = s.Scan(ctx, "a_b:")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b:3"}, keys)

	keys, err = s.Scan(ctx, "a%b:")
	require.NoError(t, err)
	assert.Equal(t, []string{"a%b:4"}, keys)
}

func testLists(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()

	got, err := s.ListRange(ctx, "history:claim:c1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.ListAppend(ctx, "history:claim:c1", []byte("one")))
	require.NoError(t, s.ListAppend(ctx, "history:claim:c1", []byte("two"), []byte("three")))

	got, err = s.ListRange(ctx, "history:claim:c1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "one", string(got[0]))
	assert.Equal(t, "three", string(got[2]))

	require.NoError(t, s.Delete(ctx, "history:claim:c1"))
	got, err = s.ListRange(ctx, "history:claim:c1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testExecAtomicApply(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "src:resource:r1", []byte(`{"id":"r1"}`)))

	err := s.Exec(ctx, kv.Batch{Ops: []kv.Op{
		kv.Delete("src:resource:r1"),
		kv.Set("dst:resource:r1", []byte(`{"id":"r1","installationId":"dst"}`)),
		kv.Set("transfer:t1", []byte(`{"status":"complete"}`)),
		kv.Append("history:transfer:t1", []byte(`{"action":"complete"}`)),
	}})
	require.NoError(t, err)

	_, err = s.Get(ctx, "src:resource:r1")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	moved, err := s.Get(ctx, "dst:resource:r1")
	require.NoError(t, err)
	assert.Contains(t, string(moved), `"installationId":"dst"`)
	hist, err := s.ListRange(ctx, "history:transfer:t1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	// empty batch is a no-op
	assert.NoError(t, s.Exec(ctx, kv.Batch{}))
}

func testExecConditions(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()

	create := kv.Batch{
		Conditions: []kv.Condition{kv.IfAbsent("claim:c1")},
		Ops:        []kv.Op{kv.Set("claim:c1", []byte("v1"))},
	}
	require.NoError(t, s.Exec(ctx, create))
	assert.ErrorIs(t, s.Exec(ctx, create), kv.ErrConditionFailed)

	// stale compare leaves every key untouched
	err := s.Exec(ctx, kv.Batch{
		Conditions: []kv.Condition{kv.IfEquals("claim:c1", []byte("stale"))},
		Ops: []kv.Op{
			kv.Set("claim:c1", []byte("v2")),
			kv.Set("side:effect", []byte("x")),
		},
	})
	assert.ErrorIs(t, err, kv.ErrConditionFailed)
	got, err := s.Get(ctx, "claim:c1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	_, err = s.Get(ctx, "side:effect")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	// fresh compare applies
	require.NoError(t, s.Exec(ctx, kv.Batch{
		Conditions: []kv.Condition{kv.IfEquals("claim:c1", []byte("v1")), kv.IfAbsent("claim:c2")},
		Ops:        []kv.Op{kv.Set("claim:c1", []byte("v2"))},
	}))
	got, err = s.Get(ctx, "claim:c1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	// IfEquals on a missing key fails
	err = s.Exec(ctx, kv.Batch{
		Conditions: []kv.Condition{kv.IfEquals("claim:nope", []byte("v1"))},
		Ops:        []kv.Op{kv.Set("claim:nope", []byte("x"))},
	})
	assert.ErrorIs(t, err, kv.ErrConditionFailed)
}

func testExecRejectsUnknownOp(t *testing.T, s kv.Store) {
	defer s.Close()
	err := s.Exec(context.Background(), kv.Batch{Ops: []kv.Op{{Type: "incr", Key: "k"}}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, kv.ErrConditionFailed))
}

// testConcurrentCompareAndSet races guarded writers on one key; exactly one
// writer per observed value may win.
func testConcurrentCompareAndSet(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "transfer:t1", []byte("verified")))

	const writers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Exec(ctx, kv.Batch{
				Conditions: []kv.Condition{kv.IfEquals("transfer:t1", []byte("verified"))},
				Ops:        []kv.Op{kv.Set("transfer:t1", []byte(fmt.Sprintf("complete-%d", i)))},
			})
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, kv.ErrConditionFailed)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testPing(t *testing.T, s kv.Store) {
	assert.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}
