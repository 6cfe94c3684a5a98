package payment

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal states are sinks: nothing leaves them.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusSuccess: true, StatusFailed: true, StatusCancelled: true, StatusExpired: true},
	StatusSuccess:   {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusExpired:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled || s == StatusExpired
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
