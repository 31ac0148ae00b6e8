package models

import "time"

// Ban escalation levels, in increasing severity.
const (
	BanLevelHourly = 1 // 10+ violations in an hour
	BanLevelSevere = 2 // 50+ violations in an hour
	BanLevelDaily  = 3 // 100+ violations in a day
)

// Ban is the active ban entry for one hashed client identity. At most one
// row exists per identity. Until is monotonic while the entry lives: a new
// write only replaces the row when its Until is strictly later, so a ban
// is never shortened by a lower-severity trigger firing after a higher one.
type Ban struct {
	ClientHash string    `json:"client_hash"`
	// RawAddr is the unhashed client address, kept only so the exporter
	// can hand it to the edge proxy. Everything else keys on ClientHash.
	RawAddr        string    `json:"raw_addr,omitempty"`
	Until          time.Time `json:"until"`
	Level          int       `json:"level"`
	Reason         string    `json:"reason,omitempty"`
	ViolationCount int       `json:"violation_count"`
}

// Active reports whether the ban is still in force at the given instant.
func (b *Ban) Active(now time.Time) bool {
	return b != nil && now.Before(b.Until)
}

// Remaining returns the time left on the ban, clamped to zero once expired.
func (b *Ban) Remaining(now time.Time) time.Duration {
	if !b.Active(now) {
		return 0
	}
	return b.Until.Sub(now)
}
