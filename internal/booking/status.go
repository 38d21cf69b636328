package booking

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCheckedIn Status = "checked_in"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Forward-only. Anything not listed, including every backward edge, is rejected.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusCheckedIn: true, StatusCancelled: true},
	StatusCheckedIn: {StatusCompleted: true},
	StatusCancelled: {},
	StatusCompleted: {},
	StatusExpired:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// AllStatuses is used by the transition table test.
var AllStatuses = []Status{StatusPending, StatusConfirmed, StatusCheckedIn, StatusCancelled, StatusCompleted, StatusExpired}
