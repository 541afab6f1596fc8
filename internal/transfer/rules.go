// ============================================================================
// Transfer Rules - 共用狀態轉換規則
// ============================================================================
//
// Package: internal/transfer
// File: rules.go
//
// A claim and a transfer request are the same offer seen through two
// policies. Both records are converted to an offer, the rule functions
// below decide, and the result is written back into the record.
//
// State machine:
//   unclaimed --verify--> verified --complete--> complete
//   verified  --verify--> verified   (multi-target: caller joins the target set)
//
// Expiration:
//   an offer is actionable only while now < expiration (Unix ms).
//   A complete offer answers idempotent calls even after it expires.
//
// ============================================================================

package transfer

import (
	"slices"

	"github.com/ChuLiYu/marketplace-partner/pkg/types"
)

// offer is the engine's view of a claim or transfer request.
type offer struct {
	Status     types.Status
	Targets    []string
	ClaimedBy  string
	Expiration int64
}

func (o *offer) expired(nowMs int64) bool {
	return nowMs >= o.Expiration
}

func (o *offer) hasTarget(id string) bool {
	return slices.Contains(o.Targets, id)
}

// policy carries the differences between the single- and multi-target
// variants.
type policy struct {
	noun         string // "claim" or "transfer request", used in descriptions
	singleTarget bool
}

var (
	claimPolicy   = policy{noun: "claim", singleTarget: true}
	requestPolicy = policy{noun: "transfer request", singleTarget: false}
)

// verify applies a verify call by target. changed is false for idempotent
// calls, which must not be written.
func (p policy) verify(o *offer, target string, nowMs int64) (changed bool, err *Error) {
	if o.Status == types.StatusComplete {
		if p.singleTarget || o.hasTarget(target) {
			return false, nil
		}
		return false, conflictf("%s is already complete", p.noun)
	}
	if o.expired(nowMs) {
		return false, conflictf("%s has expired", p.noun)
	}

	if p.singleTarget {
		if o.Status == types.StatusVerified {
			return false, nil
		}
		o.Targets = []string{target}
		o.Status = types.StatusVerified
		return true, nil
	}

	if o.Status == types.StatusVerified && o.hasTarget(target) {
		return false, nil
	}
	if !o.hasTarget(target) {
		o.Targets = append(o.Targets, target)
	}
	o.Status = types.StatusVerified
	return true, nil
}

// complete applies a complete/accept call by target. replay is true when
// target already won this offer; nothing must be written then.
func (p policy) complete(o *offer, target string, nowMs int64) (replay bool, err *Error) {
	if p.singleTarget && len(o.Targets) == 0 {
		return false, conflictf("%s has not been verified", p.noun)
	}
	if !o.hasTarget(target) {
		return false, validationf("invalid target installation ID")
	}
	if o.Status == types.StatusComplete {
		if o.ClaimedBy == target {
			return true, nil
		}
		return false, conflictf("%s has already been completed by another installation", p.noun)
	}
	if o.Status != types.StatusVerified {
		return false, conflictf("%s has not been verified for the target installation", p.noun)
	}
	if o.expired(nowMs) {
		return false, conflictf("%s has expired", p.noun)
	}

	o.Status = types.StatusComplete
	o.ClaimedBy = target
	return false, nil
}

// ============================================================================
// Record <-> offer conversion
// ============================================================================

func claimOffer(c types.Claim) offer {
	o := offer{Status: c.Status, Expiration: c.Expiration}
	if c.TargetInstallationID != "" {
		o.Targets = []string{c.TargetInstallationID}
		if c.Status == types.StatusComplete {
			o.ClaimedBy = c.TargetInstallationID
		}
	}
	return o
}

func applyClaimOffer(c *types.Claim, o offer) {
	c.Status = o.Status
	if len(o.Targets) > 0 {
		c.TargetInstallationID = o.Targets[0]
	}
}

func requestOffer(r types.TransferRequest) offer {
	return offer{
		Status:     r.Status,
		Targets:    slices.Clone(r.TargetInstallationIDs),
		ClaimedBy:  r.ClaimedByInstallationID,
		Expiration: r.Expiration,
	}
}

func applyRequestOffer(r *types.TransferRequest, o offer) {
	r.Status = o.Status
	r.TargetInstallationIDs = o.Targets
	if r.TargetInstallationIDs == nil {
		r.TargetInstallationIDs = []string{}
	}
	r.ClaimedByInstallationID = o.ClaimedBy
}
