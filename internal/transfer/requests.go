package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/marketplace-partner/internal/resource"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

// RequestResult is returned by Requests.Verify and Requests.Accept.
type RequestResult struct {
	Request     types.TransferRequest
	Changed     bool // false for an idempotent call
	Description string
	Moved       []string // resources whose ownership changed (Accept only)
	Missing     []string // resources found under neither installation (Accept only)
}

// Requests is the multi-target state machine. Accepting a request moves
// its resources to the accepting installation.
type Requests struct {
	base
	resources *resource.Repository
}

// NewRequests creates a transfer request state machine.
func NewRequests(store kv.Store, resources *resource.Repository, opts ...Option) *Requests {
	return &Requests{base: newBase(store, opts), resources: resources}
}

// Create stores a new unclaimed transfer request with no targets.
func (r *Requests) Create(ctx context.Context, sourceInstallationID, transferID string, resourceIDs []string, expiration int64) (req types.TransferRequest, err error) {
	defer func() {
		r.rec.TransferOperation("create", outcomeOf(err, true))
		r.logResult("transfer create", err, "transferID", transferID, "installationID", sourceInstallationID)
	}()

	if !ValidID(transferID) {
		return types.TransferRequest{}, validationf("invalid transfer ID")
	}
	if !ValidID(sourceInstallationID) {
		return types.TransferRequest{}, validationf("invalid installation ID")
	}
	if err := ValidateResourceIDs(resourceIDs); err != nil {
		return types.TransferRequest{}, err
	}
	if expiration < 0 {
		return types.TransferRequest{}, validationf("expiration must be a non-negative epoch millisecond timestamp")
	}

	now := r.nowMs()
	req = types.TransferRequest{
		TransferID:            transferID,
		SourceInstallationID:  sourceInstallationID,
		TargetInstallationIDs: []string{},
		ResourceIDs:           append([]string(nil), resourceIDs...),
		Status:                types.StatusUnclaimed,
		Expiration:            expiration,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return types.TransferRequest{}, fmt.Errorf("encode transfer request: %w", err)
	}
	hist, err := historyOp(kv.TransferHistoryKey(transferID), now, types.ActionCreate, sourceInstallationID, req.Status)
	if err != nil {
		return types.TransferRequest{}, err
	}

	key := kv.TransferKey(transferID)
	err = r.store.Exec(ctx, kv.Batch{
		Conditions: []kv.Condition{kv.IfAbsent(key)},
		Ops:        []kv.Op{kv.Set(key, data), hist},
	})
	if errors.Is(err, kv.ErrConditionFailed) {
		return types.TransferRequest{}, conflictf("transfer request %s already exists", transferID)
	}
	if err != nil {
		return types.TransferRequest{}, fmt.Errorf("create transfer request %s: %w", transferID, err)
	}
	return req, nil
}

// Get returns a transfer request regardless of who asks. The HTTP boundary
// uses Lookup.
func (r *Requests) Get(ctx context.Context, transferID string) (types.TransferRequest, error) {
	if !ValidID(transferID) {
		return types.TransferRequest{}, validationf("invalid transfer ID")
	}
	var req types.TransferRequest
	if _, err := r.load(ctx, kv.TransferKey(transferID), &req, "transfer request", transferID); err != nil {
		return types.TransferRequest{}, err
	}
	if req.TargetInstallationIDs == nil {
		req.TargetInstallationIDs = []string{}
	}
	return req, nil
}

// Lookup returns a transfer request to one of its parties: the source
// installation or a verified target. Anyone else gets NotFound.
func (r *Requests) Lookup(ctx context.Context, callerInstallationID, transferID string) (types.TransferRequest, error) {
	req, err := r.Get(ctx, transferID)
	if err != nil {
		return types.TransferRequest{}, err
	}
	if req.SourceInstallationID != callerInstallationID && !req.HasTarget(callerInstallationID) {
		return types.TransferRequest{}, notFoundf("transfer request %s not found", transferID)
	}
	return req, nil
}

// Verify adds the caller to the request's target set.
func (r *Requests) Verify(ctx context.Context, callerInstallationID, transferID string) (res RequestResult, err error) {
	defer func() {
		r.rec.TransferOperation("verify", outcomeOf(err, res.Changed))
		r.logResult("transfer verify", err, "transferID", transferID, "installationID", callerInstallationID)
	}()

	if !ValidID(transferID) {
		return RequestResult{}, validationf("invalid transfer ID")
	}
	if !ValidID(callerInstallationID) {
		return RequestResult{}, validationf("invalid installation ID")
	}

	key := kv.TransferKey(transferID)
	err = r.retry("transfer request", func() error {
		var req types.TransferRequest
		raw, err := r.load(ctx, key, &req, "transfer request", transferID)
		if err != nil {
			return err
		}

		now := r.nowMs()
		o := requestOffer(req)
		changed, rerr := requestPolicy.verify(&o, callerInstallationID, now)
		if rerr != nil {
			return rerr
		}
		if !changed {
			res = RequestResult{Request: req, Description: "Transfer request already " + string(req.Status)}
			return nil
		}

		applyRequestOffer(&req, o)
		req.UpdatedAt = now
		if err := r.commit(ctx, req, raw, nil, types.ActionVerify, callerInstallationID, now); err != nil {
			return err
		}
		res = RequestResult{Request: req, Changed: true, Description: "Transfer request verified"}
		return nil
	})
	if err != nil {
		return RequestResult{}, err
	}
	return res, nil
}

// Accept completes the request for the caller and moves its resources from
// the source installation to the caller. The moves, the status change and
// the history entry are committed as one batch, guarded on the request and
// on every moved resource. A repeated Accept by the winner is a no-op.
func (r *Requests) Accept(ctx context.Context, callerInstallationID, transferID string) (res RequestResult, err error) {
	defer func() {
		r.rec.TransferOperation("accept", outcomeOf(err, res.Changed))
		if err == nil && len(res.Moved) > 0 {
			r.rec.ResourcesMoved(len(res.Moved))
		}
		r.logResult("transfer accept", err, "transferID", transferID, "installationID", callerInstallationID)
	}()

	if !ValidID(transferID) {
		return RequestResult{}, validationf("invalid transfer ID")
	}
	if !ValidID(callerInstallationID) {
		return RequestResult{}, validationf("invalid target installation ID")
	}

	key := kv.TransferKey(transferID)
	err = r.retry("transfer request", func() error {
		var req types.TransferRequest
		raw, err := r.load(ctx, key, &req, "transfer request", transferID)
		if err != nil {
			return err
		}

		now := r.nowMs()
		o := requestOffer(req)
		replay, rerr := requestPolicy.complete(&o, callerInstallationID, now)
		if rerr != nil {
			return rerr
		}
		if replay {
			res = RequestResult{Request: req, Description: "Transfer request already complete"}
			return nil
		}

		move, err := r.resources.MoveOps(ctx, req.SourceInstallationID, callerInstallationID, req.ResourceIDs)
		if errors.Is(err, resource.ErrOwnedByTarget) {
			return conflictf("%v", err)
		}
		if err != nil {
			return fmt.Errorf("plan resource move: %w", err)
		}

		applyRequestOffer(&req, o)
		req.UpdatedAt = now
		if err := r.commit(ctx, req, raw, &move, types.ActionComplete, callerInstallationID, now); err != nil {
			return err
		}
		if len(move.Missing) > 0 {
			r.log.Warn("transfer accepted with missing resources",
				"transferID", transferID,
				"installationID", callerInstallationID,
				"missing", move.Missing)
		}
		res = RequestResult{
			Request:     req,
			Changed:     true,
			Description: "Transfer request completed",
			Moved:       move.Moved,
			Missing:     move.Missing,
		}
		return nil
	})
	if err != nil {
		return RequestResult{}, err
	}
	return res, nil
}

// Complete is the legacy name of Accept.
func (r *Requests) Complete(ctx context.Context, callerInstallationID, transferID string) (RequestResult, error) {
	return r.Accept(ctx, callerInstallationID, transferID)
}

// Delete removes a transfer request and its history. Only the source
// installation may delete; anyone else gets NotFound.
func (r *Requests) Delete(ctx context.Context, callerInstallationID, transferID string) (err error) {
	defer func() {
		r.rec.TransferOperation("delete", outcomeOf(err, true))
		r.logResult("transfer delete", err, "transferID", transferID, "installationID", callerInstallationID)
	}()

	if !ValidID(transferID) {
		return validationf("invalid transfer ID")
	}
	key := kv.TransferKey(transferID)
	return r.retry("transfer request", func() error {
		var req types.TransferRequest
		raw, err := r.load(ctx, key, &req, "transfer request", transferID)
		if err != nil {
			return err
		}
		if req.SourceInstallationID != callerInstallationID {
			return notFoundf("transfer request %s not found", transferID)
		}
		err = r.store.Exec(ctx, kv.Batch{
			Conditions: []kv.Condition{kv.IfEquals(key, raw)},
			Ops:        []kv.Op{kv.Delete(key), kv.Delete(kv.TransferHistoryKey(transferID))},
		})
		if err != nil {
			return fmt.Errorf("delete transfer request %s: %w", transferID, err)
		}
		return nil
	})
}

// History returns the request's transitions, oldest first, to the parties
// Lookup allows.
func (r *Requests) History(ctx context.Context, callerInstallationID, transferID string) ([]types.HistoryEntry, error) {
	if _, err := r.Lookup(ctx, callerInstallationID, transferID); err != nil {
		return nil, err
	}
	return r.history(ctx, kv.TransferHistoryKey(transferID))
}

// commit writes req (after any resource moves) guarded on the bytes it was
// decided from.
func (r *Requests) commit(ctx context.Context, req types.TransferRequest, prev []byte, move *resource.Move, action types.HistoryAction, installationID string, now int64) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode transfer request: %w", err)
	}
	hist, err := historyOp(kv.TransferHistoryKey(req.TransferID), now, action, installationID, req.Status)
	if err != nil {
		return err
	}

	key := kv.TransferKey(req.TransferID)
	batch := kv.Batch{Conditions: []kv.Condition{kv.IfEquals(key, prev)}}
	if move != nil {
		batch.Conditions = append(batch.Conditions, move.Conditions...)
		batch.Ops = append(batch.Ops, move.Ops...)
	}
	// resources first, record last
	batch.Ops = append(batch.Ops, kv.Set(key, data), hist)

	if err := r.store.Exec(ctx, batch); err != nil {
		return fmt.Errorf("write transfer request %s: %w", req.TransferID, err)
	}
	return nil
}
