package model

// SendStatus is the canonical send status for a message, independent of any
// provider's native status vocabulary.
type SendStatus string

const (
	StatusQueued    SendStatus = "queued"
	StatusSending   SendStatus = "sending"
	StatusSent      SendStatus = "sent"
	StatusDelivered SendStatus = "delivered"
	StatusError     SendStatus = "error"
)

// Rank orders statuses by advancement: queued < sending < sent <
// {delivered, error}. Delivered and error share the top rank; both are
// terminal and neither may overwrite the other.
func (s SendStatus) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered, StatusError:
		return 3
	}
	return -1
}

// Terminal reports whether s can never be overwritten by a later report.
func (s SendStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusError
}

// Valid reports whether s is one of the canonical statuses.
func (s SendStatus) Valid() bool {
	return s.Rank() >= 0
}

var allStatuses = []SendStatus{
	StatusQueued,
	StatusSending,
	StatusSent,
	StatusDelivered,
	StatusError,
}

// StatusesBelow returns every status strictly less advanced than s. The
// result is the guard list for the conditional status update: a stored
// status may only be replaced while it appears in this list.
func StatusesBelow(s SendStatus) []SendStatus {
	below := make([]SendStatus, 0, len(allStatuses))
	for _, candidate := range allStatuses {
		if candidate.Rank() < s.Rank() {
			below = append(below, candidate)
		}
	}
	return below
}
