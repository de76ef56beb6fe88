package ticket

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Query is the normalized parameter tuple of a ticket list request. Two
// requests with the same tuple must produce the same hash; any differing
// field, including the pagination cursor, must produce a different one.
type Query struct {
	Principal      string
	Limit          int
	OrderBy        string
	OrderDirection string
	Status         string
	Priority       string
	StartAfter     string
}

// Hash returns a stable content hash of the full tuple, used as the cache key
// suffix for the query's ID-list entry.
func (q Query) Hash() string {
	var b strings.Builder
	// Field-name prefixes keep adjacent empty fields from colliding.
	fmt.Fprintf(&b, "principal=%s\x00", q.Principal)
	fmt.Fprintf(&b, "limit=%d\x00", q.Limit)
	fmt.Fprintf(&b, "orderBy=%s\x00", q.OrderBy)
	fmt.Fprintf(&b, "orderDirection=%s\x00", q.OrderDirection)
	fmt.Fprintf(&b, "status=%s\x00", q.Status)
	fmt.Fprintf(&b, "priority=%s\x00", q.Priority)
	fmt.Fprintf(&b, "startAfter=%s\x00", q.StartAfter)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
