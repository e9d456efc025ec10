package scheduling

import "github.com/ehr/outpatient/internal/platform/apperr"

// allowedTransitions is the appointment status machine. Cancelled and
// completed have no outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusScheduled: {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

func checkTransition(from, to Status) error {
	if !to.Valid() {
		return apperr.Validation("status", "unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return &apperr.InvalidTransitionError{From: string(from), To: string(to)}
	}
	return nil
}
