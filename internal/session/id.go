package session

import (
	"errors"
	"fmt"
	"strings"
)

// IDDelimiter separates the segments of an external session id.
const IDDelimiter = "_"

var ErrInvalidID = errors.New("session: invalid session id")

// ID is an external session id parsed once at the boundary.
// "g1_acctA_s1" has tenant group "acctA" and local id "s1".
type ID struct {
	Raw         string
	TenantGroup string
	LocalID     string
}

// ParseID splits raw on IDDelimiter. Ids without a second segment are their
// own tenant group.
func ParseID(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	parts := strings.Split(raw, IDDelimiter)
	id := ID{Raw: raw, TenantGroup: raw, LocalID: raw}
	if len(parts) >= 2 && strings.TrimSpace(parts[1]) != "" {
		id.TenantGroup = parts[1]
		id.LocalID = strings.Join(parts[2:], IDDelimiter)
	}
	return id, nil
}

func (id ID) String() string { return id.Raw }
