package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

// ClaimResult is returned by Claims.Verify and Claims.Complete.
type ClaimResult struct {
	Claim       types.Claim
	Changed     bool // false for an idempotent call
	Description string
}

// Claims is the single-target state machine. Claims never move resources.
type Claims struct {
	base
}

// NewClaims creates a claim state machine over store.
func NewClaims(store kv.Store, opts ...Option) *Claims {
	return &Claims{base: newBase(store, opts)}
}

// Create stores a new unclaimed claim. An empty claimID gets a generated id.
func (c *Claims) Create(ctx context.Context, sourceInstallationID, claimID string, resourceIDs []string, expiration int64) (claim types.Claim, err error) {
	defer func() {
		c.rec.ClaimOperation("create", outcomeOf(err, true))
		c.logResult("claim create", err, "claimID", claimID, "installationID", sourceInstallationID)
	}()

	if claimID == "" {
		claimID = NewID()
	}
	if !ValidID(claimID) {
		return types.Claim{}, validationf("invalid claim ID")
	}
	if !ValidID(sourceInstallationID) {
		return types.Claim{}, validationf("invalid installation ID")
	}
	if err := ValidateResourceIDs(resourceIDs); err != nil {
		return types.Claim{}, err
	}
	if expiration < 0 {
		return types.Claim{}, validationf("expiration must be a non-negative epoch millisecond timestamp")
	}

	now := c.nowMs()
	claim = types.Claim{
		ClaimID:              claimID,
		SourceInstallationID: sourceInstallationID,
		ResourceIDs:          append([]string(nil), resourceIDs...),
		Status:               types.StatusUnclaimed,
		Expiration:           expiration,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	data, err := json.Marshal(claim)
	if err != nil {
		return types.Claim{}, fmt.Errorf("encode claim: %w", err)
	}
	hist, err := historyOp(kv.ClaimHistoryKey(claimID), now, types.ActionCreate, sourceInstallationID, claim.Status)
	if err != nil {
		return types.Claim{}, err
	}

	key := kv.ClaimKey(claimID)
	err = c.store.Exec(ctx, kv.Batch{
		Conditions: []kv.Condition{kv.IfAbsent(key)},
		Ops:        []kv.Op{kv.Set(key, data), hist},
	})
	if errors.Is(err, kv.ErrConditionFailed) {
		return types.Claim{}, conflictf("claim %s already exists", claimID)
	}
	if err != nil {
		return types.Claim{}, fmt.Errorf("create claim %s: %w", claimID, err)
	}
	return claim, nil
}

// Get returns a claim regardless of who asks. The HTTP boundary uses Lookup.
func (c *Claims) Get(ctx context.Context, claimID string) (types.Claim, error) {
	if !ValidID(claimID) {
		return types.Claim{}, validationf("invalid claim ID")
	}
	var claim types.Claim
	if _, err := c.load(ctx, kv.ClaimKey(claimID), &claim, "claim", claimID); err != nil {
		return types.Claim{}, err
	}
	return claim, nil
}

// Lookup returns a claim to one of its parties: the source installation or
// the recorded target. Anyone else gets NotFound.
func (c *Claims) Lookup(ctx context.Context, callerInstallationID, claimID string) (types.Claim, error) {
	claim, err := c.Get(ctx, claimID)
	if err != nil {
		return types.Claim{}, err
	}
	if !claim.Involves(callerInstallationID) {
		return types.Claim{}, notFoundf("claim %s not found", claimID)
	}
	return claim, nil
}

// Verify moves an unclaimed claim to verified and records the target. An
// empty targetInstallationID means the caller.
func (c *Claims) Verify(ctx context.Context, callerInstallationID, claimID, targetInstallationID string) (res ClaimResult, err error) {
	if targetInstallationID == "" {
		targetInstallationID = callerInstallationID
	}
	defer func() {
		c.rec.ClaimOperation("verify", outcomeOf(err, res.Changed))
		c.logResult("claim verify", err, "claimID", claimID, "installationID", callerInstallationID, "target", targetInstallationID)
	}()

	if !ValidID(claimID) {
		return ClaimResult{}, validationf("invalid claim ID")
	}
	if !ValidID(targetInstallationID) {
		return ClaimResult{}, validationf("invalid target installation ID")
	}

	key := kv.ClaimKey(claimID)
	err = c.retry("claim", func() error {
		var claim types.Claim
		raw, err := c.load(ctx, key, &claim, "claim", claimID)
		if err != nil {
			return err
		}

		now := c.nowMs()
		o := claimOffer(claim)
		changed, rerr := claimPolicy.verify(&o, targetInstallationID, now)
		if rerr != nil {
			return rerr
		}
		if !changed {
			res = ClaimResult{Claim: claim, Description: "Claim already " + string(claim.Status)}
			return nil
		}

		applyClaimOffer(&claim, o)
		claim.UpdatedAt = now
		if err := c.commit(ctx, claim, raw, types.ActionVerify, targetInstallationID, now); err != nil {
			return err
		}
		res = ClaimResult{Claim: claim, Changed: true, Description: "Claim verified"}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return res, nil
}

// Complete finalizes a verified claim for its recorded target.
func (c *Claims) Complete(ctx context.Context, callerInstallationID, claimID, targetInstallationID string) (res ClaimResult, err error) {
	defer func() {
		c.rec.ClaimOperation("complete", outcomeOf(err, res.Changed))
		c.logResult("claim complete", err, "claimID", claimID, "installationID", callerInstallationID, "target", targetInstallationID)
	}()

	if !ValidID(claimID) {
		return ClaimResult{}, validationf("invalid claim ID")
	}
	if !ValidID(targetInstallationID) {
		return ClaimResult{}, validationf("invalid target installation ID")
	}

	key := kv.ClaimKey(claimID)
	err = c.retry("claim", func() error {
		var claim types.Claim
		raw, err := c.load(ctx, key, &claim, "claim", claimID)
		if err != nil {
			return err
		}

		now := c.nowMs()
		o := claimOffer(claim)
		replay, rerr := claimPolicy.complete(&o, targetInstallationID, now)
		if rerr != nil {
			return rerr
		}
		if replay {
			res = ClaimResult{Claim: claim, Description: "Claim already complete"}
			return nil
		}

		applyClaimOffer(&claim, o)
		claim.UpdatedAt = now
		if err := c.commit(ctx, claim, raw, types.ActionComplete, targetInstallationID, now); err != nil {
			return err
		}
		res = ClaimResult{Claim: claim, Changed: true, Description: "Claim completed"}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return res, nil
}

// Delete removes a claim and its history. Only the source installation may
// delete; anyone else gets NotFound.
func (c *Claims) Delete(ctx context.Context, callerInstallationID, claimID string) (err error) {
	defer func() {
		c.rec.ClaimOperation("delete", outcomeOf(err, true))
		c.logResult("claim delete", err, "claimID", claimID, "installationID", callerInstallationID)
	}()

	if !ValidID(claimID) {
		return validationf("invalid claim ID")
	}
	key := kv.ClaimKey(claimID)
	return c.retry("claim", func() error {
		var claim types.Claim
		raw, err := c.load(ctx, key, &claim, "claim", claimID)
		if err != nil {
			return err
		}
		if claim.SourceInstallationID != callerInstallationID {
			return notFoundf("claim %s not found", claimID)
		}
		err = c.store.Exec(ctx, kv.Batch{
			Conditions: []kv.Condition{kv.IfEquals(key, raw)},
			Ops:        []kv.Op{kv.Delete(key), kv.Delete(kv.ClaimHistoryKey(claimID))},
		})
		if err != nil {
			return fmt.Errorf("delete claim %s: %w", claimID, err)
		}
		return nil
	})
}

// History returns the claim's transitions, oldest first, to the parties
// Lookup allows.
func (c *Claims) History(ctx context.Context, callerInstallationID, claimID string) ([]types.HistoryEntry, error) {
	if _, err := c.Lookup(ctx, callerInstallationID, claimID); err != nil {
		return nil, err
	}
	return c.history(ctx, kv.ClaimHistoryKey(claimID))
}

// commit writes claim guarded on the bytes it was decided from.
func (c *Claims) commit(ctx context.Context, claim types.Claim, prev []byte, action types.HistoryAction, installationID string, now int64) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	hist, err := historyOp(kv.ClaimHistoryKey(claim.ClaimID), now, action, installationID, claim.Status)
	if err != nil {
		return err
	}
	key := kv.ClaimKey(claim.ClaimID)
	err = c.store.Exec(ctx, kv.Batch{
		Conditions: []kv.Condition{kv.IfEquals(key, prev)},
		Ops:        []kv.Op{kv.Set(key, data), hist},
	})
	if err != nil {
		return fmt.Errorf("write claim %s: %w", claim.ClaimID, err)
	}
	return nil
}
