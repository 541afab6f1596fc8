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

// DefaultMaxAttempts bounds the read-decide-write loop when a guarded write
// loses a race.
const DefaultMaxAttempts = 5

// Outcome labels reported to a Recorder.
const (
	OutcomeOK         = "ok"
	OutcomeReplay     = "replay"
	OutcomeValidation = "validation"
	OutcomeNotFound   = "not_found"
	OutcomeConflict   = "conflict"
	OutcomeError      = "error"
)

// Recorder receives operation outcomes; internal/metrics implements it.
type Recorder interface {
	ClaimOperation(op, outcome string)
	TransferOperation(op, outcome string)
	ConditionRetry()
	ResourcesMoved(n int)
}

type nopRecorder struct{}

func (nopRecorder) ClaimOperation(string, string)    {}
func (nopRecorder) TransferOperation(string, string) {}
func (nopRecorder) ConditionRetry()                  {}
func (nopRecorder) ResourcesMoved(int)               {}

// Option configures Claims and Requests.
type Option func(*base)

// WithClock overrides the time source (expiration checks, timestamps).
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// WithRecorder reports outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(b *base) {
		if r != nil {
			b.rec = r
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMaxAttempts sets how many times a guarded write is attempted.
func WithMaxAttempts(n int) Option {
	return func(b *base) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// base holds what both state machines share.
type base struct {
	store       kv.Store
	now         func() time.Time
	rec         Recorder
	log         *slog.Logger
	maxAttempts int
}

func newBase(store kv.Store, opts []Option) base {
	b := base{
		store:       store,
		now:         time.Now,
		rec:         nopRecorder{},
		log:         slog.Default(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) nowMs() int64 {
	return b.now().UnixMilli()
}

// retry runs attempt until it stops failing with kv.ErrConditionFailed.
// Each attempt must re-read what it guards on.
func (b *base) retry(noun string, attempt func() error) error {
	for i := 1; ; i++ {
		err := attempt()
		if !errors.Is(err, kv.ErrConditionFailed) {
			return err
		}
		if i >= b.maxAttempts {
			return conflictf("%s was modified concurrently, retry the request", noun)
		}
		b.rec.ConditionRetry()
	}
}

// load reads and decodes a record, returning the raw bytes for guarding.
func (b *base) load(ctx context.Context, key string, v any, noun, id string) ([]byte, error) {
	raw, err := b.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFoundf("%s %s not found", noun, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return raw, nil
}

// history reads a record's transition log.
func (b *base) history(ctx context.Context, key string) ([]types.HistoryEntry, error) {
	raw, err := b.store.ListRange(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	out := make([]types.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var e types.HistoryEntry
		if err := json.Unmarshal(item, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func historyOp(key string, at int64, action types.HistoryAction, installationID string, status types.Status) (kv.Op, error) {
	data, err := json.Marshal(types.HistoryEntry{
		At:             at,
		Action:         action,
		InstallationID: installationID,
		Status:         status,
	})
	if err != nil {
		return kv.Op{}, err
	}
	return kv.Append(key, data), nil
}

// outcomeOf maps an operation result to its metrics label.
func outcomeOf(err error, changed bool) string {
	switch {
	case err == nil && !changed:
		return OutcomeReplay
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrValidation):
		return OutcomeValidation
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrConflict):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

func (b *base) logResult(msg string, err error, attrs ...any) {
	if err == nil {
		b.log.Debug(msg, attrs...)
		return
	}
	if _, ok := AsError(err); ok {
		b.log.Info(msg+" rejected", append(attrs, "error", err)...)
		return
	}
	b.log.Error(msg+" failed", append(attrs, "error", err)...)
}
