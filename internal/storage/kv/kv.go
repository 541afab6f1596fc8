// ============================================================================
// Key-Value Store Adapter
// ============================================================================
//
// Package: internal/storage/kv
// File: kv.go
// Purpose: the storage contract every backend (memkv, rediskv, sqlkv) honours.
//
// Key space:
//   claim:{claimId}                         claim record (JSON)
//   transfer:{transferId}                   transfer request record (JSON)
//   {installationId}:resource:{resourceId}  resource record (JSON)
//   history:claim:{claimId}                 list of history entries
//   history:transfer:{transferId}           list of history entries
//
// Atomicity:
//   Exec applies every op of a batch or none of them, and evaluates the
//   batch conditions inside the same atomic unit. Conditions compare the
//   current bytes of a key, which is how callers get compare-and-set.
//
// ============================================================================

package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("kv: key not found")
	// ErrConditionFailed is returned by Exec when a batch condition does not hold.
	ErrConditionFailed = errors.New("kv: condition failed")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
)

// OpType identifies a batch operation.
type OpType string

const (
	OpSet    OpType = "set"
	OpDelete OpType = "delete" // removes the value and any list stored under the key
	OpAppend OpType = "append" // appends Value to the list stored under the key
)

// Op is a single mutation inside a Batch.
type Op struct {
	Type  OpType `json:"type"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Validate rejects ops no backend knows how to apply.
func (o Op) Validate() error {
	switch o.Type {
	case OpSet, OpDelete, OpAppend:
	default:
		return fmt.Errorf("kv: unknown op type %q for key %q", o.Type, o.Key)
	}
	if o.Key == "" {
		return errors.New("kv: op with empty key")
	}
	return nil
}

// Set builds a set op.
func Set(key string, value []byte) Op { return Op{Type: OpSet, Key: key, Value: value} }

// Delete builds a delete op.
func Delete(key string) Op { return Op{Type: OpDelete, Key: key} }

// Append builds a list append op.
func Append(key string, value []byte) Op { return Op{Type: OpAppend, Key: key, Value: value} }

// Condition guards a Batch. With Absent set the key must not exist,
// otherwise its current value must equal Equals byte for byte.
type Condition struct {
	Key    string
	Absent bool
	Equals []byte
}

// IfAbsent requires key to be missing.
func IfAbsent(key string) Condition { return Condition{Key: key, Absent: true} }

// IfEquals requires key to hold exactly value.
func IfEquals(key string, value []byte) Condition { return Condition{Key: key, Equals: value} }

// Holds reports whether the condition is satisfied by the current state of
// its key. exists is false when the key is missing.
func (c Condition) Holds(current []byte, exists bool) bool {
	if c.Absent {
		return !exists
	}
	return exists && bytes.Equal(current, c.Equals)
}

// Batch is a set of ops applied atomically, optionally guarded.
type Batch struct {
	Conditions []Condition
	Ops        []Op
}

// Keys returns the distinct keys the batch conditions reference.
func (b Batch) Keys() []string {
	seen := make(map[string]struct{}, len(b.Conditions))
	keys := make([]string, 0, len(b.Conditions))
	for _, c := range b.Conditions {
		if _, ok := seen[c.Key]; ok {
			continue
		}
		seen[c.Key] = struct{}{}
		keys = append(keys, c.Key)
	}
	return keys
}

// Store is the generic key-value capability consumed by the repositories
// and state machines.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan returns the sorted value keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	// ListAppend appends values to the list stored under key.
	ListAppend(ctx context.Context, key string, values ...[]byte) error
	// ListRange returns every element of the list under key, oldest first.
	ListRange(ctx context.Context, key string) ([][]byte, error)
	// Exec applies a batch atomically; ErrConditionFailed if a guard fails.
	Exec(ctx context.Context, batch Batch) error
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
