// Package correlator turns management-interface events into status updates
// for calls placed through Originate.
package correlator

import (
	"sync"
	"time"

	"github.com/sweeney/voicebridge/internal/ami"
	"github.com/sweeney/voicebridge/internal/registry"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// binding tracks one originated channel.
type binding struct {
	callID   string
	uniqueID string
	channel  string
	rung     bool
	up       bool
}

// Correlator binds switch channels to call ids and emits an Update whenever
// a bound channel changes state. Safe for concurrent use.
type Correlator struct {
	mu       sync.Mutex
	byUnique map[string]*binding
	byCall   map[string]*binding
	clock    Clock
	known    func(callID string) bool
}

// New creates a new Correlator.
func New() *Correlator {
	return &Correlator{
		byUnique: make(map[string]*binding),
		byCall:   make(map[string]*binding),
		clock:    time.Now,
	}
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock sets the time source for the correlator.
func WithClock(c Clock) Option {
	return func(corr *Correlator) { corr.clock = c }
}

// WithKnownCalls restricts binding to call ids for which known reports
// true. Without it every id carried by an OriginateResponse or the call id
// variable is bound. known is called with the correlator's lock held.
func WithKnownCalls(known func(callID string) bool) Option {
	return func(corr *Correlator) { corr.known = known }
}

// NewWithOptions creates a Correlator with the given options.
func NewWithOptions(opts ...Option) *Correlator {
	c := New()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process ingests an event and returns any resulting updates. Action
// responses and events for unbound channels yield nothing.
func (c *Correlator) Process(evt ami.Message) []Update {
	if evt.Type() == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Type() {
	case "VarSet":
		return c.handleVarSet(evt)
	case "OriginateResponse":
		return c.handleOriginateResponse(evt)
	case "Newstate":
		return c.handleNewstate(evt)
	case "Hangup":
		return c.handleHangup(evt)
	default:
		return nil
	}
}

// ActiveCalls returns the number of calls currently bound.
func (c *Correlator) ActiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byCall)
}

// bind associates uniqueID and channel with callID. It reports whether
// anything new was learned.
func (c *Correlator) bind(callID, uniqueID, channel string) (*binding, bool) {
	b := c.byCall[callID]
	if b == nil {
		b = &binding{callID: callID}
		c.byCall[callID] = b
	}
	learned := false
	if uniqueID != "" && b.uniqueID == "" {
		b.uniqueID = uniqueID
		c.byUnique[uniqueID] = b
		learned = true
	}
	if channel != "" && b.channel != channel {
		b.channel = channel
		learned = true
	}
	return b, learned
}

// lookup finds the binding for an event's channel, falling back to its
// Linkedid for secondary legs.
func (c *Correlator) lookup(evt ami.Message) *binding {
	if b := c.byUnique[evt.Get("Uniqueid")]; b != nil {
		return b
	}
	if linked := evt.Get("Linkedid"); linked != "" {
		return c.byUnique[linked]
	}
	return nil
}

func (c *Correlator) handleVarSet(evt ami.Message) []Update {
	if evt.Get("Variable") != CallIDVariable {
		return nil
	}
	callID := evt.Get("Value")
	if !c.accepts(callID) {
		return nil
	}
	b, learned := c.bind(callID, validID(evt.Get("Uniqueid")), evt.Get("Channel"))
	if !learned {
		return nil
	}
	return []Update{c.update(b, "")}
}

func (c *Correlator) handleOriginateResponse(evt ami.Message) []Update {
	callID := evt.ActionID()
	if !c.accepts(callID) {
		return nil
	}
	b, _ := c.bind(callID, validID(evt.Get("Uniqueid")), validID(evt.Get("Channel")))

	switch evt.Get("Response") {
	case "Success":
		b.up = true
		u := c.update(b, registry.StatusAnswered)
		// No Hangup can be matched without a unique id.
		if b.uniqueID == "" {
			c.drop(b)
		}
		return []Update{u}
	case "Failure":
		u := c.update(b, registry.StatusFailed)
		code := evt.GetInt("Reason")
		u.CauseCode = code
		u.Cause, u.CauseDescription = "failed", "The call could not be placed"
		if info, ok := OriginateReason[code]; ok {
			u.Cause, u.CauseDescription = info.Name, info.Description
		}
		c.drop(b)
		return []Update{u}
	}
	if b.uniqueID == "" {
		c.drop(b)
	}
	return nil
}

func (c *Correlator) handleNewstate(evt ami.Message) []Update {
	b := c.lookup(evt)
	if b == nil {
		return nil
	}

	switch evt.Get("ChannelStateDesc") {
	case "Ringing":
		if b.rung || b.up {
			return nil
		}
		b.rung = true
		return []Update{c.update(b, registry.StatusRinging)}
	case "Up":
		if b.up {
			return nil
		}
		b.up = true
		return []Update{c.update(b, registry.StatusInProgress)}
	}
	return nil
}

func (c *Correlator) handleHangup(evt ami.Message) []Update {
	b := c.byUnique[evt.Get("Uniqueid")]
	if b == nil {
		return nil
	}

	// A channel that never came up did not connect the call.
	status := registry.StatusCompleted
	if !b.up {
		status = registry.StatusFailed
	}
	u := c.update(b, status)
	u.CauseCode = evt.GetInt("Cause")
	u.Cause, u.CauseDescription = "unknown", "Unknown or no cause provided"
	if info, ok := HangupCause[u.CauseCode]; ok {
		u.Cause, u.CauseDescription = info.Name, info.Description
	}
	c.drop(b)
	return []Update{u}
}

func (c *Correlator) update(b *binding, status registry.Status) Update {
	return Update{
		CallID:    b.callID,
		UniqueID:  b.uniqueID,
		Channel:   b.channel,
		Status:    status,
		Timestamp: c.clock(),
	}
}

func (c *Correlator) drop(b *binding) {
	delete(c.byCall, b.callID)
	if b.uniqueID != "" {
		delete(c.byUnique, b.uniqueID)
	}
}

func (c *Correlator) accepts(callID string) bool {
	if callID == "" {
		return false
	}
	return c.known == nil || c.known(callID)
}

// validID filters the placeholder Asterisk sends for missing values.
func validID(s string) string {
	if s == "<null>" || s == "<unknown>" {
		return ""
	}
	return s
}
