package schema

import "time"

// LeaseDoc coordinates change-feed ownership for one feed range. Leases are
// ordinary documents: the store-level ETag guards every rewrite, so two
// instances cannot both hold a range.
type LeaseDoc struct {
	ID           string    `json:"id"`
	Type         DocType   `json:"type"`
	FeedName     string    `json:"feedName"`
	RangeID      string    `json:"rangeId"`
	Owner        string    `json:"owner"`
	Continuation int64     `json:"continuation"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// LeaseID returns the lease document id for a feed range.
func LeaseID(feedName, rangeID string) string { return feedName + "." + rangeID }

// Expired reports whether the lease can be taken over at the given instant.
// A blank owner marks a released lease.
func (l LeaseDoc) Expired(now time.Time) bool {
	return l.Owner == "" || now.After(l.ExpiresAt)
}
