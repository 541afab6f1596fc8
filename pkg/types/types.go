// Package types defines the domain records shared by the partner service:
// claims, resource transfer requests and the resources they move.
package types

// Status is the lifecycle state of a claim or transfer request.
type Status string

// Status values. A record only ever moves forward through this list.
const (
	StatusUnclaimed Status = "unclaimed" // offered, nobody has shown interest yet
	StatusVerified  Status = "verified"  // at least one target installation has verified
	StatusComplete  Status = "complete"  // terminal: a target has accepted
)

// Rank orders statuses so monotonicity can be checked with a comparison.
// Unknown values rank below unclaimed.
func (s Status) Rank() int {
	switch s {
	case StatusUnclaimed:
		return 0
	case StatusVerified:
		return 1
	case StatusComplete:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Claim is a single-target offer: the source installation lets one
// installation claim a fixed set of resources.
type Claim struct {
	ClaimID              string   `json:"claimId"`
	SourceInstallationID string   `json:"sourceInstallationId"`
	TargetInstallationID string   `json:"targetInstallationId,omitempty"`
	ResourceIDs          []string `json:"resourceIds"`
	Status               Status   `json:"status"`
	Expiration           int64    `json:"expiration"` // Unix milliseconds
	CreatedAt            int64    `json:"createdAt"`
	UpdatedAt            int64    `json:"updatedAt"`
}

// Involves reports whether installationID is the claim's source or its
// recorded target.
func (c *Claim) Involves(installationID string) bool {
	return installationID != "" &&
		(c.SourceInstallationID == installationID || c.TargetInstallationID == installationID)
}

// TransferRequest is a multi-target offer. Any number of installations may
// verify interest; exactly one may accept and receive the resources.
type TransferRequest struct {
	TransferID              string   `json:"transferId"`
	SourceInstallationID    string   `json:"sourceInstallationId"`
	TargetInstallationIDs   []string `json:"targetInstallationIds"`
	ClaimedByInstallationID string   `json:"claimedByInstallationId,omitempty"`
	ResourceIDs             []string `json:"resourceIds"`
	Status                  Status   `json:"status"`
	Expiration              int64    `json:"expiration"` // Unix milliseconds
	CreatedAt               int64    `json:"createdAt"`
	UpdatedAt               int64    `json:"updatedAt"`
}

// HasTarget reports whether installationID has verified interest.
func (t *TransferRequest) HasTarget(installationID string) bool {
	for _, id := range t.TargetInstallationIDs {
		if id == installationID {
			return true
		}
	}
	return false
}

// Resource is a partner-managed unit of provisioned service, owned by
// exactly one installation at a time.
type Resource struct {
	ID             string         `json:"id"`
	InstallationID string         `json:"installationId"`
	ProductID      string         `json:"productId"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	BillingPlanID  string         `json:"billingPlanId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
	UpdatedAt      int64          `json:"updatedAt"`
}

// HistoryAction names a transition recorded in a record's history.
type HistoryAction string

const (
	ActionCreate   HistoryAction = "create"
	ActionVerify   HistoryAction = "verify"
	ActionComplete HistoryAction = "complete"
)

// HistoryEntry is one line of the append-only transition log kept per record.
type HistoryEntry struct {
	At             int64         `json:"at"` // Unix milliseconds
	Action         HistoryAction `json:"action"`
	InstallationID string        `json:"installationId"`
	Status         Status        `json:"status"`
}
