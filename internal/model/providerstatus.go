package model

// providerStatusMap translates the mail provider's status vocabulary to
// the internal one. Several provider states collapse onto one internal
// state.
var providerStatusMap = map[string]Status{
	"processing":         StatusSubmitted,
	"printed":            StatusSubmitted,
	"mailed":             StatusSubmitted,
	"in_transit":         StatusInTransit,
	"shipped":            StatusInTransit,
	"in_local_area":      StatusInTransit,
	"delivered":          StatusDelivered,
	"returned_to_sender": StatusReturned,
	"re_routed":          StatusReturned,
	"cancelled":          StatusFailed,
	"failed":             StatusFailed,
}

// MapProviderStatus returns the internal status for a raw provider
// status. An unmapped value passes through unchanged so the transition
// guard rejects it explicitly rather than this table guessing.
func MapProviderStatus(raw string) Status {
	if s, ok := providerStatusMap[raw]; ok {
		return s
	}
	return Status(raw)
}
