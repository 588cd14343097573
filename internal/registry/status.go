// Refresh status state machine for person records.
//
// Valid status graph:
//
//	pending ──► scraped ──► scraped (re-refresh)
//	    │           ▲
//	    └──► failed ┘ (retry success)
//
// Nothing ever moves back to pending except explicit re-creation of the row.
package registry

import "fmt"

// Status values mirror the refresh_status column in PostgreSQL.
type Status string

const (
	StatusPending Status = "pending"
	StatusScraped Status = "scraped"
	StatusFailed  Status = "failed"
)

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusScraped, StatusFailed},
	StatusScraped: {StatusScraped, StatusFailed},
	StatusFailed:  {StatusScraped, StatusFailed},
}

// ParseStatus converts a raw string to a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusScraped, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown refresh status %q", s)
}

// IsTransitionAllowed returns true when moving from → to is permitted by the
// state machine.
func IsTransitionAllowed(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
