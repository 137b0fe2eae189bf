package storage

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh message or claim id.
func NewID() string {
	return uuid.NewString()
}

// NormalizeID returns the canonical form of id. Ids that do not parse are
// reported as invalid and must be treated as missing.
func NormalizeID(id string) (string, bool) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", false
	}
	return u.String(), true
}

// NormalizeIDs drops duplicates and malformed ids, keeping input order.
func NormalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, ok := NormalizeID(raw)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
