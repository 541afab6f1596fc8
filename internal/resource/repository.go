// Package resource stores partner resources under
// {installationId}:resource:{resourceId} and builds the ops that move them
// between installations.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

// ErrNotFound is returned when the installation does not own the resource.
var ErrNotFound = errors.New("resource not found")

// ErrOwnedByTarget is returned by MoveOps when the destination already owns
// a resource with the id of one being moved.
var ErrOwnedByTarget = errors.New("target installation already owns resource")

// Repository is CRUD over resources plus move planning.
type Repository struct {
	store kv.Store
	now   func() time.Time
}

// NewRepository creates a repository backed by store.
func NewRepository(store kv.Store) *Repository {
	return &Repository{store: store, now: time.Now}
}

// SetClock overrides the time source used for timestamps.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// Get returns the resource owned by installationID.
func (r *Repository) Get(ctx context.Context, installationID, resourceID string) (types.Resource, error) {
	res, _, err := r.load(ctx, kv.ResourceKey(installationID, resourceID))
	return res, err
}

// Put creates or replaces a resource owned by installationID. CreatedAt is
// kept from any previous version.
func (r *Repository) Put(ctx context.Context, installationID string, res types.Resource) (types.Resource, error) {
	if res.ID == "" {
		return types.Resource{}, errors.New("resource: empty id")
	}
	key := kv.ResourceKey(installationID, res.ID)
	now := r.now().UnixMilli()

	existing, raw, err := r.load(ctx, key)
	cond := kv.IfAbsent(key)
	switch {
	case err == nil:
		res.CreatedAt = existing.CreatedAt
		cond = kv.IfEquals(key, raw)
	case errors.Is(err, ErrNotFound):
		res.CreatedAt = now
	default:
		return types.Resource{}, err
	}
	res.InstallationID = installationID
	res.UpdatedAt = now

	data, err := json.Marshal(res)
	if err != nil {
		return types.Resource{}, fmt.Errorf("encode resource %s: %w", res.ID, err)
	}
	err = r.store.Exec(ctx, kv.Batch{
		Conditions: []kv.Condition{cond},
		Ops:        []kv.Op{kv.Set(key, data)},
	})
	if err != nil {
		return types.Resource{}, fmt.Errorf("put resource %s: %w", res.ID, err)
	}
	return res, nil
}

// Delete removes a resource; ErrNotFound when installationID does not own it.
func (r *Repository) Delete(ctx context.Context, installationID, resourceID string) error {
	key := kv.ResourceKey(installationID, resourceID)
	_, raw, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	err = r.store.Exec(ctx, kv.Batch{
		Conditions: []kv.Condition{kv.IfEquals(key, raw)},
		Ops:        []kv.Op{kv.Delete(key)},
	})
	if err != nil {
		return fmt.Errorf("delete resource %s: %w", resourceID, err)
	}
	return nil
}

// List returns every resource owned by installationID, ordered by id.
func (r *Repository) List(ctx context.Context, installationID string) ([]types.Resource, error) {
	keys, err := r.store.Scan(ctx, kv.ResourcePrefix(installationID))
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	out := make([]types.Resource, 0, len(keys))
	for _, key := range keys {
		res, _, err := r.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Move is the planned ownership change for a set of resources.
type Move struct {
	Ops          []kv.Op
	Conditions   []kv.Condition
	Moved        []string // present at the source, will be rewritten
	AlreadyMoved []string // already owned by the destination
	Missing      []string // owned by neither side
}

// MoveOps plans moving resourceIDs from one installation to another. Each
// resource found at the source becomes a delete of the old key followed by
// a set of the new one, guarded on the source bytes read here and on the
// destination key staying absent. Resources already at the destination
// produce no ops, which keeps a retried move idempotent. A resource present
// under both installations is never overwritten: MoveOps fails with
// ErrOwnedByTarget.
func (r *Repository) MoveOps(ctx context.Context, from, to string, resourceIDs []string) (Move, error) {
	var m Move
	if from == to {
		m.AlreadyMoved = append(m.AlreadyMoved, resourceIDs...)
		return m, nil
	}
	now := r.now().UnixMilli()

	for _, id := range resourceIDs {
		fromKey := kv.ResourceKey(from, id)
		res, raw, err := r.load(ctx, fromKey)
		switch {
		case err == nil:
			toKey := kv.ResourceKey(to, id)
			if _, _, err := r.load(ctx, toKey); err == nil {
				return Move{}, fmt.Errorf("%w %s", ErrOwnedByTarget, id)
			} else if !errors.Is(err, ErrNotFound) {
				return Move{}, err
			}
			res.InstallationID = to
			res.UpdatedAt = now
			data, err := json.Marshal(res)
			if err != nil {
				return Move{}, fmt.Errorf("encode resource %s: %w", id, err)
			}
			m.Conditions = append(m.Conditions, kv.IfEquals(fromKey, raw), kv.IfAbsent(toKey))
			m.Ops = append(m.Ops, kv.Delete(fromKey), kv.Set(toKey, data))
			m.Moved = append(m.Moved, id)
		case errors.Is(err, ErrNotFound):
			if _, _, err := r.load(ctx, kv.ResourceKey(to, id)); err == nil {
				m.AlreadyMoved = append(m.AlreadyMoved, id)
			} else if errors.Is(err, ErrNotFound) {
				m.Missing = append(m.Missing, id)
			} else {
				return Move{}, err
			}
		default:
			return Move{}, err
		}
	}
	return m, nil
}

func (r *Repository) load(ctx context.Context, key string) (types.Resource, []byte, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return types.Resource{}, nil, ErrNotFound
	}
	if err != nil {
		return types.Resource{}, nil, fmt.Errorf("load %s: %w", key, err)
	}
	var res types.Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return types.Resource{}, nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return res, raw, nil
}
