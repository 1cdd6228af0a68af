// Package callmanager places, ends and inspects outbound calls through a
// telephony provider. Both providers share the call registry, so status
// changes flow to the same listeners whichever provider placed the call.
package callmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/registry"
	"github.com/sweeney/voicebridge/internal/voice"
)

// CallManager is implemented by every provider.
type CallManager interface {
	Name() string
	StartCall(ctx context.Context, req StartRequest) (registry.Session, error)
	EndCall(ctx context.Context, callID string) error
	GetStatus(ctx context.Context, callID string) (StatusReport, error)
	HandleDTMF(ctx context.Context, callID, digit string) (DTMFResult, error)
	Dialplan(voiceID string) (string, error)
}

// StartRequest describes an outbound call. A nil Parameters means the
// voice's parameters are looked up through the cache.
type StartRequest struct {
	To         string
	VoiceID    string
	Parameters *voice.Parameters
}

// Where a StatusReport came from.
const (
	SourceRegistry = "registry"
	SourceStore    = "store"
	SourceSwitch   = "switch"
	SourceProvider = "provider"
)

type StatusReport struct {
	CallID   string          `json:"call_id"`
	Status   registry.Status `json:"status"`
	Duration time.Duration   `json:"-"`
	Source   string          `json:"source"`

	DurationSeconds float64 `json:"duration_seconds"`
}

func newReport(s registry.Session, now time.Time, source string) StatusReport {
	d := s.Duration(now)
	return StatusReport{
		CallID:          s.ID,
		Status:          s.Status,
		Duration:        d,
		Source:          source,
		DurationSeconds: d.Seconds(),
	}
}

// DTMFAction is the menu choice a keypress selects.
type DTMFAction string

const (
	DTMFOriginal  DTMFAction = "original"
	DTMFTransform DTMFAction = "transform"
	DTMFRetry     DTMFAction = "retry"
)

// DTMFResult is what the caller hears next. Document is the provider's
// markup for the reply, empty when the provider has none.
type DTMFResult struct {
	CallID   string     `json:"call_id"`
	Action   DTMFAction `json:"action"`
	VoiceID  string     `json:"voice_id,omitempty"`
	Prompt   string     `json:"prompt"`
	Document string     `json:"-"`
}

const (
	promptOriginal  = "Connecting you with the original voice."
	promptTransform = "Activating voice transformation."
	promptRetry     = "Invalid selection. Please try again."
	promptMenu      = "Press 1 to connect with the original voice. Press 2 to use voice transformation."
	promptChange    = "You can press star at any time to change voices."
)

func classifyDigit(digit string) DTMFAction {
	switch strings.TrimSpace(digit) {
	case "1":
		return DTMFOriginal
	case "2":
		return DTMFTransform
	default:
		return DTMFRetry
	}
}

// normalizeNumber prefixes a missing '+'.
func normalizeNumber(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" || to == "+" {
		return "", fmt.Errorf("phone number is required")
	}
	if !strings.HasPrefix(to, "+") {
		to = "+" + to
	}
	return to, nil
}

// menu applies keypresses to live calls. Digit 1 clears the active voice,
// digit 2 restores the voice the call was started with, anything else
// leaves the call as it is.
type menu struct {
	reg   *registry.Registry
	cache *voice.Cache

	mu        sync.Mutex
	requested map[string]string
}

func newMenu(reg *registry.Registry, cache *voice.Cache) *menu {
	return &menu{reg: reg, cache: cache, requested: make(map[string]string)}
}

func (m *menu) remember(callID, voiceID string) {
	m.mu.Lock()
	m.requested[callID] = voiceID
	m.mu.Unlock()
}

func (m *menu) forget(callID string) {
	m.mu.Lock()
	delete(m.requested, callID)
	m.mu.Unlock()
}

func (m *menu) apply(ctx context.Context, callID, digit string) (DTMFResult, registry.Session, error) {
	s, ok := m.reg.Get(callID)
	if !ok {
		return DTMFResult{}, registry.Session{}, fmt.Errorf("%w: call %s", callerr.ErrNotFound, callID)
	}

	res := DTMFResult{CallID: callID, Action: classifyDigit(digit)}
	switch res.Action {
	case DTMFOriginal:
		res.Prompt = promptOriginal
		if err := m.reg.SetVoice(ctx, callID, "", voice.Parameters{}); err != nil {
			return DTMFResult{}, s, err
		}
		s.VoiceID, s.Parameters = "", voice.Parameters{}
	case DTMFTransform:
		res.Prompt = promptTransform
		voiceID := s.VoiceID
		if voiceID == "" {
			m.mu.Lock()
			voiceID = m.requested[callID]
			m.mu.Unlock()
		}
		res.VoiceID = voiceID
		if voiceID != "" && (voiceID != s.VoiceID || s.Parameters.IsZero()) && m.cache != nil {
			p, err := m.cache.Get(ctx, voiceID)
			if err != nil {
				return DTMFResult{}, s, err
			}
			if err := m.reg.SetVoice(ctx, callID, voiceID, p); err != nil {
				return DTMFResult{}, s, err
			}
			s.VoiceID, s.Parameters = voiceID, p
		}
	default:
		res.Prompt = promptRetry
	}
	return res, s, nil
}

// resolveParameters returns the supplied parameters, or looks the voice up
// when none were given.
func resolveParameters(ctx context.Context, cache *voice.Cache, req StartRequest) (voice.Parameters, error) {
	if req.Parameters != nil {
		return *req.Parameters, nil
	}
	if req.VoiceID == "" || cache == nil {
		return voice.Parameters{}, nil
	}
	return cache.Get(ctx, req.VoiceID)
}
