package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/marketplace-partner/internal/transfer"
)

// validationFailure collects per-field messages for one request body.
type validationFailure struct {
	Fields map[string]string
}

func (v *validationFailure) add(field, msg string) {
	if v.Fields == nil {
		v.Fields = map[string]string{}
	}
	if _, ok := v.Fields[field]; !ok {
		v.Fields[field] = msg
	}
}

func (v *validationFailure) orNil() *validationFailure {
	if len(v.Fields) == 0 {
		return nil
	}
	return v
}

// Description renders the failures in field order.
func (v *validationFailure) Description() string {
	fields := make([]string, 0, len(v.Fields))
	for f := range v.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v.Fields[f])
	}
	return "invalid request body: " + strings.Join(parts, "; ")
}

// ============================================================================
// Bodies
// ============================================================================

type createClaimBody struct {
	ClaimID     *string     `json:"claimId"`
	ResourceIDs []string    `json:"resourceIds"`
	Expiration  json.Number `json:"expiration"`
}

type createClaimInput struct {
	ClaimID     string
	ResourceIDs []string
	Expiration  int64
}

type verifyClaimBody struct {
	TargetInstallationID *string `json:"targetInstallationId"`
}

type completeClaimBody struct {
	TargetInstallationID *string `json:"targetInstallationId"`
}

type createTransferBody struct {
	ResourceIDs []string    `json:"resourceIds"`
	Expiration  json.Number `json:"expiration"`
}

type createTransferInput struct {
	ResourceIDs []string
	Expiration  int64
}

type putResourceBody struct {
	ProductID     string         `json:"productId"`
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	BillingPlanID string         `json:"billingPlanId"`
	Metadata      map[string]any `json:"metadata"`
}

// ============================================================================
// Validators
// ============================================================================

// validateCreateClaim checks a claim create body. pathClaimID is set for the
// POST /claims/:claimId form and must agree with any claimId in the body.
func validateCreateClaim(b createClaimBody, pathClaimID string) (createClaimInput, *validationFailure) {
	var vf validationFailure
	in := createClaimInput{ClaimID: pathClaimID}

	if b.ClaimID != nil {
		switch {
		case !transfer.ValidID(*b.ClaimID):
			vf.add("claimId", "must be a valid identifier")
		case pathClaimID != "" && *b.ClaimID != pathClaimID:
			vf.add("claimId", "does not match the path")
		default:
			in.ClaimID = *b.ClaimID
		}
	}
	if pathClaimID != "" && !transfer.ValidID(pathClaimID) {
		vf.add("claimId", "must be a valid identifier")
	}
	in.ResourceIDs = checkResourceIDs(&vf, b.ResourceIDs)
	in.Expiration = checkExpiration(&vf, b.Expiration)
	return in, vf.orNil()
}

// validateVerifyClaim returns the target, empty when the caller is the target.
func validateVerifyClaim(b verifyClaimBody) (string, *validationFailure) {
	var vf validationFailure
	if b.TargetInstallationID == nil {
		return "", nil
	}
	checkInstallationID(&vf, "targetInstallationId", *b.TargetInstallationID)
	return *b.TargetInstallationID, vf.orNil()
}

func validateCompleteClaim(b completeClaimBody) (string, *validationFailure) {
	var vf validationFailure
	if b.TargetInstallationID == nil {
		vf.add("targetInstallationId", "is required")
		return "", &vf
	}
	checkInstallationID(&vf, "targetInstallationId", *b.TargetInstallationID)
	return *b.TargetInstallationID, vf.orNil()
}

func validateCreateTransfer(b createTransferBody) (createTransferInput, *validationFailure) {
	var vf validationFailure
	in := createTransferInput{
		ResourceIDs: checkResourceIDs(&vf, b.ResourceIDs),
		Expiration:  checkExpiration(&vf, b.Expiration),
	}
	return in, vf.orNil()
}

func validatePutResource(b putResourceBody) (putResourceBody, *validationFailure) {
	var vf validationFailure
	if strings.TrimSpace(b.ProductID) == "" {
		vf.add("productId", "is required")
	}
	if strings.TrimSpace(b.Name) == "" {
		vf.add("name", "is required")
	}
	if b.Status == "" {
		b.Status = "ready"
	}
	return b, vf.orNil()
}

func checkInstallationID(vf *validationFailure, field, id string) {
	switch {
	case id == "":
		vf.add(field, "must not be empty")
	case !transfer.ValidID(id):
		vf.add(field, "must be a valid identifier")
	}
}

func checkResourceIDs(vf *validationFailure, ids []string) []string {
	if len(ids) == 0 {
		vf.add("resourceIds", "must contain at least one resource")
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if !transfer.ValidID(id) {
			vf.add("resourceIds", fmt.Sprintf("item %d is not a valid identifier", i))
			return nil
		}
		if _, dup := seen[id]; dup {
			vf.add("resourceIds", fmt.Sprintf("duplicate resource %q", id))
			return nil
		}
		seen[id] = struct{}{}
	}
	return ids
}

func checkExpiration(vf *validationFailure, n json.Number) int64 {
	if n == "" {
		vf.add("expiration", "is required")
		return 0
	}
	ms, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		vf.add("expiration", "must be an integer epoch millisecond timestamp")
		return 0
	}
	if ms < 0 {
		vf.add("expiration", "must not be negative")
		return 0
	}
	return ms
}
