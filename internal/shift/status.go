package shift

// Status is the lifecycle state of a tracking session.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusTracking    Status = "tracking"
	StatusCompleting  Status = "completing"
	StatusShiftEnding Status = "shift_ending"
	StatusClosed      Status = "closed"
)

var validTransitions = map[Status][]Status{
	StatusIdle:        {StatusTracking},
	StatusTracking:    {StatusCompleting, StatusIdle},
	StatusCompleting:  {StatusTracking, StatusShiftEnding},
	StatusShiftEnding: {StatusClosed},
	StatusClosed:      {StatusTracking},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Open reports whether a session in this state is still running a shift.
func (s Status) Open() bool {
	return s == StatusTracking || s == StatusCompleting || s == StatusShiftEnding
}
