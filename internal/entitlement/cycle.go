package entitlement

import "time"

// Period returns the usage period containing now for a monthly cycle
// anchored at anchor: start is the last boundary at or before now, next is
// the first boundary after now. Anchors on the 29th-31st drift per Go's
// AddDate normalization (Jan 31 + 1 month = Mar 3), which is acceptable
// because the same arithmetic is used everywhere.
func Period(anchor, now time.Time) (start, next time.Time) {
	start = anchor
	next = anchor.AddDate(0, 1, 0)
	for !next.After(now) {
		start = next
		next = next.AddDate(0, 1, 0)
	}
	return start, next
}
