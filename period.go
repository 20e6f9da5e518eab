package driftsync

import (
	"fmt"
	"time"
)

// WeekID returns the deterministic identifier of the ISO week containing t,
// in the form "2024-W05". Reset checks compare the stored marker against
// this value, so every call site must derive periods the same way; ISO week
// numbering keeps the identifier stable across timezones to within normal
// client clock drift.
func WeekID(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
