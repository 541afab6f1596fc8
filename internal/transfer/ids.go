package transfer

import (
	"regexp"

	"github.com/google/uuid"
)

// MaxIDLength bounds claim, transfer, installation and resource ids.
const MaxIDLength = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidID reports whether id is a well-formed identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewID returns a server-generated record id.
func NewID() string {
	return uuid.NewString()
}

// ValidateResourceIDs checks a resource list: non-empty, well-formed, no
// duplicates.
func ValidateResourceIDs(ids []string) error {
	if len(ids) == 0 {
		return validationf("resourceIds must contain at least one resource")
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if !ValidID(id) {
			return validationf("invalid resource ID %q", id)
		}
		if _, dup := seen[id]; dup {
			return validationf("duplicate resource ID %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
