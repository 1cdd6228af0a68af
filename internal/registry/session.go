package registry

import (
	"time"

	"github.com/sweeney/voicebridge/internal/voice"
)

// Session is one tracked call.
type Session struct {
	ID          string           `json:"session_id"`
	PhoneNumber string           `json:"phone_number"`
	VoiceID     string           `json:"voice_id,omitempty"`
	Parameters  voice.Parameters `json:"parameters"`
	Status      Status           `json:"status"`
	Channel     string           `json:"channel,omitempty"`
	Provider    string           `json:"provider,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
}

// Duration is the time from start to end, or to now while the call is live.
func (s Session) Duration(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

func (s Session) clone() Session {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}
