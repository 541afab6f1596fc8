package kv

import "strings"

const (
	claimPrefix    = "claim:"
	transferPrefix = "transfer:"
	historyPrefix  = "history:"
	resourceInfix  = ":resource:"
)

// ClaimKey is the record key of a claim.
func ClaimKey(claimID string) string { return claimPrefix + claimID }

// TransferKey is the record key of a transfer request.
func TransferKey(transferID string) string { return transferPrefix + transferID }

// ResourceKey is the record key of a resource owned by installationID.
func ResourceKey(installationID, resourceID string) string {
	return installationID + resourceInfix + resourceID
}

// ResourcePrefix is the scan prefix of every resource owned by installationID.
func ResourcePrefix(installationID string) string { return installationID + resourceInfix }

// ClaimHistoryKey is the list key holding a claim's history.
func ClaimHistoryKey(claimID string) string { return historyPrefix + claimPrefix + claimID }

// TransferHistoryKey is the list key holding a transfer request's history.
func TransferHistoryKey(transferID string) string {
	return historyPrefix + transferPrefix + transferID
}

// ClaimPrefix and TransferPrefix are the scan prefixes of the two record kinds.
const (
	ClaimPrefix    = claimPrefix
	TransferPrefix = transferPrefix
)

// TrimPrefix strips prefix from key, reporting whether it was present.
func TrimPrefix(key, prefix string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return key[len(prefix):], true
}
