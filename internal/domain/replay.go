package domain

import (
	"fmt"
	"sort"
	"time"
)

func sortEntries(entries []StatusLogEntry) []StatusLogEntry {
	sorted := make([]StatusLogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted
}

// ReplayState folds a document's log from draft and returns the resulting
// state. Each entry's FromState must match the state reached so far.
func ReplayState(entries []StatusLogEntry) (DocumentState, error) {
	current := StateDraft
	for i, e := range sortEntries(entries) {
		if e.FromState == nil {
			if i != 0 {
				return "", fmt.Errorf("entry %s: initial entry at position %d", e.ID, i)
			}
			current = e.ToState
			continue
		}
		if *e.FromState != current {
			return "", fmt.Errorf("entry %s: from %s but document was %s", e.ID, *e.FromState, current)
		}
		current = e.ToState
	}
	return current, nil
}

// ReplayDwell attributes the gap between consecutive entries to the earlier
// entry's ToState and returns the total per state. The current state is
// still open and contributes nothing.
func ReplayDwell(entries []StatusLogEntry) map[DocumentState]time.Duration {
	sorted := sortEntries(entries)
	out := make(map[DocumentState]time.Duration)
	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1]
		out[prev.ToState] += sorted[i].CreatedAt.Sub(prev.CreatedAt)
	}
	return out
}
