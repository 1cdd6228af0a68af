package registry

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusAnswered   Status = "answered"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var rank = map[Status]int{
	StatusInitiated:  0,
	StatusRinging:    1,
	StatusAnswered:   2,
	StatusInProgress: 3,
	StatusCompleted:  4,
	StatusFailed:     4,
}

// Descriptions is the human readable text published alongside each status.
var Descriptions = map[Status]string{
	StatusInitiated:  "The call has been requested from the switch",
	StatusRinging:    "A call is ringing and waiting to be answered",
	StatusAnswered:   "The call has been answered and parties are now connected",
	StatusInProgress: "The call is up and media is flowing",
	StatusCompleted:  "The call has ended",
	StatusFailed:     "The call could not be placed",
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Terminal reports whether nothing may follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvance reports whether moving from s to next goes strictly forward.
func (s Status) CanAdvance(next Status) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	return rank[next] > rank[s]
}
