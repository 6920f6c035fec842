package model

// transitions is the directed graph of allowed status edges. Delivered
// and returned are terminal. Failed keeps a retry edge back to submitted.
var transitions = map[Status][]Status{
	StatusDraft:          {StatusPendingPayment},
	StatusPendingPayment: {StatusPaid, StatusDraft},
	StatusPaid:           {StatusSubmitted},
	StatusSubmitted:      {StatusInTransit, StatusFailed},
	StatusInTransit:      {StatusDelivered, StatusReturned, StatusFailed},
	StatusFailed:         {StatusSubmitted},
}

// CanTransition reports whether the edge from -> to is allowed.
// A same-status "transition" is not an edge; callers treat it as a no-op
// before consulting this table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing edges.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0 && Known(s)
}

// Known reports whether s is part of the status vocabulary.
func Known(s Status) bool {
	switch s {
	case StatusDraft, StatusPendingPayment, StatusPaid, StatusSubmitted,
		StatusInTransit, StatusDelivered, StatusReturned, StatusFailed:
		return true
	}
	return false
}

// AllStatuses lists every known status, used for exhaustive checks.
func AllStatuses() []Status {
	return []Status{
		StatusDraft, StatusPendingPayment, StatusPaid, StatusSubmitted,
		StatusInTransit, StatusDelivered, StatusReturned, StatusFailed,
	}
}
