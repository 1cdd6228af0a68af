package callmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/voicebridge/internal/ami"
	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/correlator"
	"github.com/sweeney/voicebridge/internal/logger"
	"github.com/sweeney/voicebridge/internal/metrics"
	"github.com/sweeney/voicebridge/internal/registry"
	"github.com/sweeney/voicebridge/internal/voice"
)

const ProviderAsterisk = "asterisk"

// Executor sends one management action and returns its response.
// *ami.Client satisfies it.
type Executor interface {
	Execute(ctx context.Context, a *ami.Action) (ami.Message, error)
}

// AsteriskOptions configures originated calls. Empty fields take the
// built-in defaults.
type AsteriskOptions struct {
	Context       string
	Extension     string
	CallerID      string
	ChannelFormat string

	// AGIAddr is the host:port the switch dials for call control.
	AGIAddr string

	// EventTimeout bounds the registry writes made for one event.
	EventTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o AsteriskOptions) withDefaults() AsteriskOptions {
	out := o
	if out.Context == "" {
		out.Context = "from-internal"
	}
	if out.Extension == "" {
		out.Extension = "1000"
	}
	if out.ChannelFormat == "" {
		out.ChannelFormat = "PJSIP/%s"
	}
	if out.AGIAddr == "" {
		out.AGIAddr = "127.0.0.1:4573"
	}
	if out.EventTimeout <= 0 {
		out.EventTimeout = 5 * time.Second
	}
	return out
}

// Asterisk places calls with Originate and follows them through the
// management event stream.
type Asterisk struct {
	exec  Executor
	reg   *registry.Registry
	cache *voice.Cache
	corr  *correlator.Correlator
	menu  *menu
	opts  AsteriskOptions
	log   *slog.Logger

	// mu serializes event application. pending holds updates for calls
	// whose Originate is still waiting to be registered.
	mu      sync.Mutex
	pending map[string][]correlator.Update
}

// NewAsterisk builds the Asterisk provider. exec is normally the
// management client; reg and cache may be nil when only Dialplan is used.
func NewAsterisk(exec Executor, reg *registry.Registry, cache *voice.Cache, opts AsteriskOptions) *Asterisk {
	opts = opts.withDefaults()
	a := &Asterisk{
		exec:    exec,
		reg:     reg,
		cache:   cache,
		menu:    newMenu(reg, cache),
		opts:    opts,
		log:     logger.OrDiscard(opts.Logger).With("component", "asterisk"),
		pending: make(map[string][]correlator.Update),
	}
	a.corr = correlator.NewWithOptions(correlator.WithKnownCalls(a.issued))
	return a
}

// issued reports whether callID came from this manager's Originate, either
// still awaiting registration or already registered.
func (a *Asterisk) issued(callID string) bool {
	a.mu.Lock()
	_, waiting := a.pending[callID]
	a.mu.Unlock()
	if waiting {
		return true
	}
	if a.reg == nil {
		return false
	}
	_, ok := a.reg.Get(callID)
	return ok
}

func (a *Asterisk) Name() string { return ProviderAsterisk }

// StartCall sends Originate and registers the call once the switch accepts
// it. The call id doubles as the ActionID and is set on the channel so the
// event stream can be tied back to it.
func (a *Asterisk) StartCall(ctx context.Context, req StartRequest) (registry.Session, error) {
	to, err := normalizeNumber(req.To)
	if err != nil {
		return registry.Session{}, err
	}
	params, err := resolveParameters(ctx, a.cache, req)
	if err != nil {
		return registry.Session{}, fmt.Errorf("originating call to %s: %w", to, err)
	}

	id := ami.NewActionID()
	act := &ami.Action{Name: "Originate", ActionID: id}
	act.Set("Channel", fmt.Sprintf(a.opts.ChannelFormat, to)).
		Set("Context", a.opts.Context).
		Set("Exten", a.opts.Extension).
		Set("Priority", "1").
		Set("CallerID", a.opts.CallerID)
	for _, v := range voice.Variables(req.VoiceID, params) {
		act.Variable(v.Name, v.Value)
	}
	act.Variable(correlator.CallIDVariable, id)
	act.Set("Async", "true")

	a.mu.Lock()
	a.pending[id] = nil
	a.mu.Unlock()

	resp, err := a.exec.Execute(ctx, act)
	if err == nil && !resp.IsSuccess() {
		err = &ami.ResponseError{Action: "Originate", Response: resp.Get("Response"), Message: resp.Get("Message")}
	}
	if err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return registry.Session{}, fmt.Errorf("originating call to %s: %w", to, err)
	}

	s, err := a.reg.Create(ctx, registry.Session{
		ID:          id,
		PhoneNumber: to,
		VoiceID:     req.VoiceID,
		Parameters:  params,
		Status:      registry.StatusInitiated,
		Provider:    ProviderAsterisk,
	})
	if err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return registry.Session{}, err
	}
	a.menu.remember(id, req.VoiceID)
	a.log.Info("call originated", "call_id", id, "to", to, "voice_id", req.VoiceID)

	a.mu.Lock()
	early := a.pending[id]
	delete(a.pending, id)
	for _, u := range early {
		a.apply(ctx, u)
	}
	a.mu.Unlock()

	if latest, ok := a.reg.Get(id); ok {
		s = latest
	}
	return s, nil
}

// EndCall hangs the call up. The call must be known to the registry or the
// store. The switch is asked to hang up the channel learned from events,
// or the call id when no channel was learned. The call is marked completed
// even when the switch rejects the hangup; that rejection is reported as
// not found.
func (a *Asterisk) EndCall(ctx context.Context, callID string) error {
	s, live := a.reg.Get(callID)
	if !live {
		var err error
		if s, err = a.reg.Persisted(ctx, callID); err != nil {
			return err
		}
	}

	channel := s.Channel
	if channel == "" {
		channel = callID
	}
	act := ami.NewAction("Hangup").Set("Channel", channel)
	resp, err := a.exec.Execute(ctx, act)
	if err != nil {
		return fmt.Errorf("hanging up call %s: %w", callID, err)
	}

	if live {
		if _, err := a.reg.OnCallEvent(ctx, callID, registry.StatusCompleted); err != nil {
			return err
		}
	} else if err := a.reg.UpdatePersisted(ctx, callID, registry.StatusCompleted); err != nil {
		return err
	}
	a.menu.forget(callID)

	if resp.IsError() {
		a.log.Warn("switch rejected hangup", "call_id", callID, "channel", channel, "message", resp.Get("Message"))
		return fmt.Errorf("%w: hanging up call %s: switch has no channel %q: %s",
			callerr.ErrNotFound, callID, channel, resp.Get("Message"))
	}
	return nil
}

// GetStatus prefers the registry. A call only the store knows is checked
// against the switch, except when the stored record already finished.
func (a *Asterisk) GetStatus(ctx context.Context, callID string) (StatusReport, error) {
	if s, ok := a.reg.Get(callID); ok {
		return newReport(s, a.reg.Now(), SourceRegistry), nil
	}
	s, err := a.reg.Persisted(ctx, callID)
	if err != nil {
		return StatusReport{}, err
	}
	if s.Status.Terminal() {
		return newReport(s, a.reg.Now(), SourceStore), nil
	}

	act := ami.NewAction("Status")
	if s.Channel != "" {
		act.Set("Channel", s.Channel)
	}
	resp, err := a.exec.Execute(ctx, act)
	if err != nil {
		return StatusReport{}, fmt.Errorf("querying call %s: %w", callID, err)
	}
	status := classifyStatus(resp)
	if err := a.reg.UpdatePersisted(ctx, callID, status); err != nil && !errors.Is(err, callerr.ErrNotFound) {
		a.log.Warn("updating stored status failed", "call_id", callID, "error", err)
	}
	s.Status = status
	if status.Terminal() && s.EndedAt == nil {
		now := a.reg.Now()
		s.EndedAt = &now
	}
	return newReport(s, a.reg.Now(), SourceSwitch), nil
}

// classifyStatus reads the channel state from a Status response and its
// list events. No live channel means the call is over.
func classifyStatus(resp ami.Message) registry.Status {
	msgs := append([]ami.Message{resp}, resp.Events...)
	for _, m := range msgs {
		state := m.Get("ChannelStateDesc")
		if state == "" {
			state = m.Get("State")
		}
		switch {
		case strings.EqualFold(state, "Up"):
			return registry.StatusInProgress
		case strings.EqualFold(state, "Ringing"), strings.EqualFold(state, "Ring"):
			return registry.StatusRinging
		}
	}
	return registry.StatusCompleted
}

// HandleDTMF applies a menu keypress. When the channel is known the voice
// variables on it are updated so the next call-control session picks them
// up.
func (a *Asterisk) HandleDTMF(ctx context.Context, callID, digit string) (DTMFResult, error) {
	res, s, err := a.menu.apply(ctx, callID, digit)
	if err != nil {
		return DTMFResult{}, err
	}
	if res.Action == DTMFRetry || s.Channel == "" {
		return res, nil
	}
	for _, v := range voice.Variables(s.VoiceID, s.Parameters) {
		act := ami.NewAction("Setvar").
			Set("Channel", s.Channel).
			Set("Variable", v.Name).
			Set("Value", v.Value)
		if _, err := a.exec.Execute(ctx, act); err != nil {
			return res, fmt.Errorf("setting %s on call %s: %w", v.Name, callID, err)
		}
	}
	return res, nil
}

// Dialplan renders an extension block that hands the call to the
// call-control server with voiceID as its argument.
func (a *Asterisk) Dialplan(voiceID string) (string, error) {
	target := "agi://" + a.opts.AGIAddr
	if voiceID != "" {
		target += "," + voiceID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", a.opts.Context)
	fmt.Fprintf(&b, "exten => %s,1,NoOp(voicebridge)\n", a.opts.Extension)
	if voiceID != "" {
		fmt.Fprintf(&b, " same => n,Set(VOICE_ID=%s)\n", voiceID)
	}
	b.WriteString(" same => n,Answer()\n")
	fmt.Fprintf(&b, " same => n,AGI(%s)\n", target)
	b.WriteString(" same => n,Hangup()\n")
	return b.String(), nil
}

// HandleEvent feeds one management event through the correlator and applies
// the result to the registry. It runs on the management reader goroutine.
func (a *Asterisk) HandleEvent(evt ami.Message) {
	updates := a.corr.Process(evt)
	if len(updates) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.EventTimeout)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range updates {
		if early, waiting := a.pending[u.CallID]; waiting {
			a.pending[u.CallID] = append(early, u)
			continue
		}
		a.apply(ctx, u)
	}
}

// ActiveCalls reports how many calls the correlator is following.
func (a *Asterisk) ActiveCalls() int {
	return a.corr.ActiveCalls()
}

// apply must be called with a.mu held.
func (a *Asterisk) apply(ctx context.Context, u correlator.Update) {
	log := a.log.With("call_id", u.CallID)
	if u.Channel != "" {
		if err := a.reg.SetChannel(ctx, u.CallID, u.Channel); err != nil {
			if errors.Is(err, callerr.ErrNotFound) {
				log.Debug("event for untracked call", "channel", u.Channel)
				return
			}
			log.Warn("recording channel failed", "error", err)
		}
	}
	if u.Status == "" {
		return
	}
	changed, err := a.reg.OnCallEvent(ctx, u.CallID, u.Status)
	switch {
	case errors.Is(err, callerr.ErrNotFound):
		log.Debug("event for untracked call", "status", u.Status)
		return
	case err != nil:
		log.Warn("applying call event failed", "status", u.Status, "error", err)
		return
	case !changed:
		return
	}
	a.opts.Metrics.CallStatus(string(u.Status))
	if u.Cause != "" {
		log.Info("call status", "status", u.Status, "cause", u.Cause, "cause_code", u.CauseCode, "detail", u.CauseDescription)
	} else {
		log.Info("call status", "status", u.Status)
	}
	if u.Status.Terminal() {
		a.menu.forget(u.CallID)
	}
}
