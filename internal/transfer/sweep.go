package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

// Record kinds reported by the sweeper.
const (
	KindClaim    = "claim"
	KindTransfer = "transfer"
)

// Sweeper garbage-collects expired, never-completed records. Completed
// records are kept as the audit trail of resource ownership.
type Sweeper struct {
	store     kv.Store
	now       func() time.Time
	retention time.Duration
	log       *slog.Logger
}

// NewSweeper creates a sweeper that deletes a record once
// expiration + retention <= now.
func NewSweeper(store kv.Store, retention time.Duration) *Sweeper {
	return &Sweeper{store: store, now: time.Now, retention: retention, log: slog.Default()}
}

// SetClock overrides the time source.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Candidates lists every claim and transfer request key. Keys under the
// record prefixes that are not record keys, such as the resources of an
// installation named "claim", are skipped.
func (s *Sweeper) Candidates(ctx context.Context) ([]string, error) {
	var out []string
	for _, prefix := range []string{kv.ClaimPrefix, kv.TransferPrefix} {
		keys, err := s.store.Scan(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		for _, key := range keys {
			if _, _, ok := parseRecordKey(key); ok {
				out = append(out, key)
			}
		}
	}
	return out, nil
}

// parseRecordKey splits a claim or transfer request key into its kind and
// id. Record ids never contain ':', so a resource key that happens to share
// the prefix is rejected.
func parseRecordKey(key string) (kind, id string, ok bool) {
	if id, found := kv.TrimPrefix(key, kv.ClaimPrefix); found && ValidID(id) {
		return KindClaim, id, true
	}
	if id, found := kv.TrimPrefix(key, kv.TransferPrefix); found && ValidID(id) {
		return KindTransfer, id, true
	}
	return "", "", false
}

// sweepable is the part of a record the sweeper looks at.
type sweepable struct {
	id         string
	status     types.Status
	expiration int64
}

func decodeSweepable(kind string, raw []byte) (sweepable, error) {
	if kind == KindClaim {
		var c types.Claim
		if err := json.Unmarshal(raw, &c); err != nil {
			return sweepable{}, err
		}
		return sweepable{id: c.ClaimID, status: c.Status, expiration: c.Expiration}, nil
	}
	var r types.TransferRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return sweepable{}, err
	}
	return sweepable{id: r.TransferID, status: r.Status, expiration: r.Expiration}, nil
}

// Sweep deletes the record at key (and its history) if it is eligible.
// It returns the record kind and whether anything was deleted. A record that
// changes between the read and the delete is left alone.
func (s *Sweeper) Sweep(ctx context.Context, key string) (kind string, swept bool, err error) {
	kind, id, ok := parseRecordKey(key)
	if !ok {
		return "", false, fmt.Errorf("sweep: unexpected key %q", key)
	}
	histKey := kv.ClaimHistoryKey(id)
	if kind == KindTransfer {
		histKey = kv.TransferHistoryKey(id)
	}

	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return kind, false, nil
	}
	if err != nil {
		return kind, false, fmt.Errorf("load %s: %w", key, err)
	}
	rec, err := decodeSweepable(kind, raw)
	if err != nil {
		return kind, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if rec.id != id || !rec.status.Valid() {
		s.log.Warn("sweep skipped malformed record", "key", key, "id", rec.id, "status", rec.status)
		return kind, false, nil
	}
	if rec.status == types.StatusComplete {
		return kind, false, nil
	}
	if rec.expiration+s.retention.Milliseconds() > s.now().UnixMilli() {
		return kind, false, nil
	}

	err = s.store.Exec(ctx, kv.Batch{
		Conditions: []kv.Condition{kv.IfEquals(key, raw)},
		Ops:        []kv.Op{kv.Delete(key), kv.Delete(histKey)},
	})
	if errors.Is(err, kv.ErrConditionFailed) {
		return kind, false, nil
	}
	if err != nil {
		return kind, false, fmt.Errorf("sweep %s: %w", key, err)
	}
	s.log.Info("swept expired record", "key", key, "status", rec.status, "expiration", rec.expiration)
	return kind, true, nil
}

// SweepAll sweeps every candidate sequentially and returns the number of
// records deleted per kind.
func (s *Sweeper) SweepAll(ctx context.Context) (map[string]int, error) {
	keys, err := s.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		kind, swept, err := s.Sweep(ctx, key)
		if err != nil {
			return counts, err
		}
		if swept {
			counts[kind]++
		}
	}
	return counts, nil
}
