package notification

// Status is the canonical lifecycle state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusOpened    Status = "opened"
	StatusClicked   Status = "clicked"
	StatusFailed    Status = "failed"
)

// rank orders the delivery chain PENDING < SENT < DELIVERED < OPENED < CLICKED.
// FAILED sits after SENT but is only comparable with PENDING and SENT.
var rank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusOpened:    3,
	StatusClicked:   4,
	StatusFailed:    2,
}

// IsValid reports whether s is one of the canonical statuses.
func (s Status) IsValid() bool {
	_, ok := rank[s]
	return ok
}

// IsTerminal reports whether no further status can follow s.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusClicked
}

// IsDelivered reports whether s implies the message reached the recipient.
func (s Status) IsDelivered() bool {
	return s == StatusDelivered || s == StatusOpened || s == StatusClicked
}

// CanAdvance reports whether moving from the current status to next is a
// strictly forward step in the state machine. Same-or-earlier states, moves
// out of a terminal state, and FAILED after a delivery are all rejected.
func CanAdvance(current, next Status) bool {
	if !current.IsValid() || !next.IsValid() {
		return false
	}
	if current.IsTerminal() || next == StatusPending {
		return false
	}
	if next == StatusFailed {
		return current == StatusPending || current == StatusSent
	}
	return rank[next] > rank[current]
}
