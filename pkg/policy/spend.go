package policy

import (
	"time"

	"treasury/pkg/models"
)

// SpendEntry is one executed payment counted against the rolling windows.
type SpendEntry struct {
	Class  models.PolicyClass `json:"class"`
	Amount int64              `json:"amount"`
	At     time.Time          `json:"at"`
}

// SpendLedger keeps executed amounts for the longest window and nothing older.
type SpendLedger struct {
	entries []SpendEntry
}

func NewSpendLedger() *SpendLedger {
	return &SpendLedger{}
}

func (l *SpendLedger) Record(class models.PolicyClass, amount int64, at time.Time) {
	if amount <= 0 {
		return
	}
	l.entries = append(l.entries, SpendEntry{Class: class, Amount: amount, At: at.UTC()})
	l.prune(at)
}

// Spent sums amounts of class recorded in (now-window, now].
func (l *SpendLedger) Spent(class models.PolicyClass, window time.Duration, now time.Time) int64 {
	from := now.Add(-window)
	var total int64
	for _, e := range l.entries {
		if e.Class != class {
			continue
		}
		if e.At.After(from) && !e.At.After(now) {
			total += e.Amount
		}
	}
	return total
}

func (l *SpendLedger) Entries() []SpendEntry {
	return append([]SpendEntry(nil), l.entries...)
}

func (l *SpendLedger) prune(now time.Time) {
	cutoff := now.Add(-Monthly)
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}
