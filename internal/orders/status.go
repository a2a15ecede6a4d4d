package orders

type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending: {StatusPaid: true, StatusFailed: true},
	StatusPaid:    {},
	StatusFailed:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// IsFinal reports whether no further transition is allowed out of s.
func (s Status) IsFinal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

type EventStatus int

const (
	EventInactive EventStatus = 0
	EventActive   EventStatus = 1
	EventEnded    EventStatus = 2
)

func (s EventStatus) String() string {
	switch s {
	case EventInactive:
		return "INACTIVE"
	case EventActive:
		return "ACTIVE"
	case EventEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}
