// Package memkv is the embedded kv.Store: maps in memory, made durable with
// a write-ahead log and periodic snapshots.
//
// Recovery on Open loads the snapshot and replays every WAL entry whose seq
// is past the snapshot's LastSeq. Each Exec is appended to the WAL before it
// touches memory, so a batch is either fully recovered or not at all.
package memkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/marketplace-partner/internal/snapshot"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/wal"
)

// ErrNotDurable is returned by Snapshot on a store opened without a WAL.
var ErrNotDurable = errors.New("memkv: store has no wal/snapshot configured")

// Options configures durability. With an empty WALPath the store is purely
// in-memory.
type Options struct {
	WALPath      string
	SnapshotPath string
	SyncOnAppend bool
}

// Recovery describes what Open restored.
type Recovery struct {
	SnapshotSeq uint64
	Replayed    int
	Duration    time.Duration
}

// SnapshotInfo describes a completed snapshot.
type SnapshotInfo struct {
	LastSeq uint64
	Values  int
	Lists   int
}

// Store implements kv.Store.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
	lists  map[string][][]byte
	closed bool

	wal      *wal.WAL
	snaps    *snapshot.Manager
	recovery Recovery
}

var _ kv.Store = (*Store)(nil)

// New returns an empty, non-durable store.
func New() *Store {
	return &Store{
		values: make(map[string][]byte),
		lists:  make(map[string][][]byte),
	}
}

// Open returns a store recovered from opts.SnapshotPath and opts.WALPath.
func Open(opts Options) (*Store, error) {
	if opts.WALPath == "" {
		return New(), nil
	}
	start := time.Now()

	s := New()
	data := snapshot.Empty()
	if opts.SnapshotPath != "" {
		s.snaps = snapshot.NewManager(opts.SnapshotPath)
		loaded, err := s.snaps.Load()
		if err != nil {
			return nil, fmt.Errorf("memkv: load snapshot: %w", err)
		}
		data = loaded
		s.values = data.Values
		s.lists = data.Lists
	}

	w, err := wal.NewWAL(opts.WALPath, opts.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("memkv: open wal: %w", err)
	}

	replayed := 0
	err = w.Replay(func(e wal.Entry) error {
		if e.Seq <= data.LastSeq {
			return nil
		}
		s.apply(e.Ops)
		replayed++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("memkv: replay wal: %w", err)
	}
	w.AdvanceTo(data.LastSeq)
	s.wal = w

	s.recovery = Recovery{
		SnapshotSeq: data.LastSeq,
		Replayed:    replayed,
		Duration:    time.Since(start),
	}
	slog.Info("memkv: recovered",
		"snapshotSeq", data.LastSeq,
		"replayed", replayed,
		"keys", len(s.values),
		"duration", s.recovery.Duration)
	return s, nil
}

// Recovery returns what Open restored. Zero for a non-durable store.
func (s *Store) Recovery() Recovery {
	return s.recovery
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	v, ok := s.values[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return clone(v), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.Exec(ctx, kv.Batch{Ops: []kv.Op{kv.Set(key, value)}})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Exec(ctx, kv.Batch{Ops: []kv.Op{kv.Delete(key)}})
}

func (s *Store) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	keys := make([]string, 0)
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) ListAppend(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	ops := make([]kv.Op, 0, len(values))
	for _, v := range values {
		ops = append(ops, kv.Append(key, v))
	}
	return s.Exec(ctx, kv.Batch{Ops: ops})
}

func (s *Store) ListRange(_ context.Context, key string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	list := s.lists[key]
	out := make([][]byte, len(list))
	for i, v := range list {
		out[i] = clone(v)
	}
	return out, nil
}

// Exec checks every condition, logs the ops, then applies them, all under
// the write lock.
func (s *Store) Exec(ctx context.Context, batch kv.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}

	for _, c := range batch.Conditions {
		current, exists := s.values[c.Key]
		if !c.Holds(current, exists) {
			return kv.ErrConditionFailed
		}
	}
	if len(batch.Ops) == 0 {
		return nil
	}

	ops := make([]kv.Op, len(batch.Ops))
	for i, op := range batch.Ops {
		if err := op.Validate(); err != nil {
			return err
		}
		ops[i] = kv.Op{Type: op.Type, Key: op.Key, Value: clone(op.Value)}
	}

	if s.wal != nil {
		if _, err := s.wal.Append(ops); err != nil {
			return fmt.Errorf("memkv: %w", err)
		}
	}
	s.apply(ops)
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kv.ErrClosed
	}
	return nil
}

// Snapshot writes the full state and rotates the WAL. Writers are blocked
// for the duration so the snapshot and LastSeq agree.
func (s *Store) Snapshot() (SnapshotInfo, error) {
	if s.wal == nil || s.snaps == nil {
		return SnapshotInfo{}, ErrNotDurable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SnapshotInfo{}, kv.ErrClosed
	}

	lastSeq := s.wal.LastSeq()
	data := snapshot.Data{
		LastSeq: lastSeq,
		Values:  s.values,
		Lists:   s.lists,
	}
	if err := s.snaps.Write(data); err != nil {
		return SnapshotInfo{}, fmt.Errorf("memkv: write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return SnapshotInfo{}, fmt.Errorf("memkv: rotate wal: %w", err)
	}

	return SnapshotInfo{LastSeq: lastSeq, Values: len(s.values), Lists: len(s.lists)}, nil
}

// Durable reports whether the store was opened with a WAL and snapshot path.
func (s *Store) Durable() bool {
	return s.wal != nil && s.snaps != nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}

// apply mutates the maps; callers hold the write lock (or own s exclusively).
func (s *Store) apply(ops []kv.Op) {
	for _, op := range ops {
		switch op.Type {
		case kv.OpSet:
			s.values[op.Key] = op.Value
		case kv.OpDelete:
			delete(s.values, op.Key)
			delete(s.lists, op.Key)
		case kv.OpAppend:
			s.lists[op.Key] = append(s.lists[op.Key], op.Value)
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
