package ami

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/logger"
	"github.com/sweeney/voicebridge/internal/metrics"
)

// Connection states.
const (
	StateDisconnected   = "disconnected"
	StateConnecting     = "connecting"
	StateAuthenticating = "authenticating"
	StateConnected      = "connected"
)

const (
	eventDial         = "dial"
	eventAuthenticate = "authenticate"
	eventReady        = "ready"
	eventDrop         = "drop"
)

// DialFunc opens the transport to the switch. Overridable in tests.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Client.
type Options struct {
	Addr     string
	Username string
	Secret   string

	ConnectAttempts   int
	RetryDelay        time.Duration
	DialTimeout       time.Duration
	CommandTimeout    time.Duration
	KeepaliveInterval time.Duration

	Dial DialFunc

	// OnEvent receives every unsolicited event read off the socket. It runs
	// on the connection's reader goroutine and must not block for long.
	OnEvent func(Message)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	out := o
	if out.ConnectAttempts <= 0 {
		out.ConnectAttempts = 5
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 3 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = 10 * time.Second
	}
	if out.KeepaliveInterval <= 0 {
		out.KeepaliveInterval = 30 * time.Second
	}
	if out.Dial == nil {
		var d net.Dialer
		out.Dial = d.DialContext
	}
	return out
}

// ResponseError is returned when the switch answers an action with
// anything other than Success.
type ResponseError struct {
	Action   string
	Response string
	Message  string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: switch replied %s: %s", e.Action, e.Response, e.Message)
}

type request struct {
	ctx     context.Context
	action  *Action
	connect bool
	reply   chan reply
}

type reply struct {
	msg Message
	err error
}

// Client owns the single management connection. All traffic goes through
// one executor goroutine: a request is written, its response is awaited,
// and only then is the next request taken. Reconnects run on the same
// executor, so queued requests wait while the socket is rebuilt.
type Client struct {
	opts Options
	log  *slog.Logger
	fsm  *fsm.FSM

	requests chan *request
	stopped  chan struct{}
	started  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Owned by the executor goroutine.
	link *link
}

// New creates a Client. Call Start before issuing requests.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		opts:     opts,
		log:      logger.OrDiscard(opts.Logger).With("component", "ami", "addr", opts.Addr),
		requests: make(chan *request),
		stopped:  make(chan struct{}),
	}
	c.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventAuthenticate, Src: []string{StateConnecting}, Dst: StateAuthenticating},
			{Name: eventReady, Src: []string{StateAuthenticating}, Dst: StateConnected},
			{Name: eventDrop, Src: []string{StateConnecting, StateAuthenticating, StateConnected}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debug("state change", "from", e.Src, "to", e.Dst)
				c.opts.Metrics.AMIState(e.Dst)
			},
		},
	)
	c.opts.Metrics.AMIState(StateDisconnected)
	return c
}

// Start launches the executor and keepalive goroutines. They stop when ctx
// is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.run(ctx)
	go c.keepalive(ctx)
}

// Close stops the background goroutines and closes the socket. Requests
// waiting in the queue fail with a connection error.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
	c.wg.Wait()
	return nil
}

// State returns the current connection state.
func (c *Client) State() string {
	return c.fsm.Current()
}

// Connected reports whether the client is logged in.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect (re)establishes the connection, retrying up to ConnectAttempts
// times with RetryDelay between attempts. An existing connection is torn
// down first.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.submit(ctx, &request{connect: true})
	return err
}

// Execute sends a and waits for the response carrying its ActionID.
func (c *Client) Execute(ctx context.Context, a *Action) (Message, error) {
	if a.ActionID == "" {
		a.ActionID = NewActionID()
	}
	return c.submit(ctx, &request{action: a})
}

// Ping sends a Ping action and requires a Success response.
func (c *Client) Ping(ctx context.Context) error {
	msg, err := c.Execute(ctx, NewAction("Ping"))
	if err != nil {
		return err
	}
	if !msg.IsSuccess() {
		return &ResponseError{Action: "Ping", Response: msg.Get("Response"), Message: msg.Get("Message")}
	}
	return nil
}

func (c *Client) submit(ctx context.Context, req *request) (Message, error) {
	if !c.started.Load() {
		return Message{}, fmt.Errorf("%w: client not started", callerr.ErrConnection)
	}
	req.ctx = ctx
	req.reply = make(chan reply, 1)

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.stopped:
		return Message{}, fmt.Errorf("%w: client closed", callerr.ErrConnection)
	}

	select {
	case r := <-req.reply:
		return r.msg, r.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.stopped:
		return Message{}, fmt.Errorf("%w: client closed", callerr.ErrConnection)
	}
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.stopped)
	defer c.teardown("client stopped")

	for {
		var (
			linkDone      <-chan struct{}
			linkResponses <-chan Message
		)
		if c.link != nil {
			linkDone = c.link.done
			linkResponses = c.link.responses
		}

		select {
		case <-ctx.Done():
			return
		case <-linkDone:
			c.log.Warn("AMI connection lost", "err", c.link.err)
			c.teardown("connection lost")
		case msg := <-linkResponses:
			c.log.Warn("dropping stray response", "action_id", msg.ActionID())
		case req := <-c.requests:
			if err := req.ctx.Err(); err != nil {
				req.reply <- reply{err: err}
				continue
			}
			if req.connect {
				req.reply <- reply{err: c.connectWithRetry(ctx)}
				continue
			}
			msg, err := c.roundTrip(ctx, req.ctx, req.action)
			c.opts.Metrics.AMIAction(req.action.Name, outcome(msg, err))
			req.reply <- reply{msg: msg, err: err}
		}
	}
}

func outcome(msg Message, err error) string {
	if err != nil {
		return callerr.Kind(err)
	}
	if !msg.IsSuccess() {
		return "rejected"
	}
	return "ok"
}

func (c *Client) keepalive(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := c.Ping(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("keepalive failed, reconnecting", "err", err, "kind", callerr.Kind(err))
		c.opts.Metrics.AMIReconnect()
		if err := c.Connect(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("reconnect failed", "err", err, "kind", callerr.Kind(err))
		}
	}
}

func (c *Client) connectWithRetry(ctx context.Context) error {
	if c.opts.Username == "" || c.opts.Secret == "" {
		return fmt.Errorf("%w: ami username and secret are required", callerr.ErrNotConfigured)
	}

	c.teardown("reconnect requested")

	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectAttempts; attempt++ {
		err := c.connectOnce(ctx)
		if err == nil {
			c.log.Info("AMI authenticated", "attempt", attempt)
			return nil
		}
		lastErr = err
		c.log.Warn("AMI connect attempt failed", "attempt", attempt, "of", c.opts.ConnectAttempts, "err", err)

		if attempt == c.opts.ConnectAttempts {
			break
		}
		select {
		case <-time.After(c.opts.RetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", callerr.ErrConnection, ctx.Err())
		}
	}
	return fmt.Errorf("connecting to %s failed after %d attempts: %w", c.opts.Addr, c.opts.ConnectAttempts, lastErr)
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.transition(ctx, eventDial)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.opts.Dial(dialCtx, "tcp", c.opts.Addr)
	cancel()
	if err != nil {
		c.transition(ctx, eventDrop)
		return fmt.Errorf("%w: dial %s: %w", callerr.ErrConnection, c.opts.Addr, err)
	}

	fail := func(err error) error {
		conn.Close()
		c.transition(ctx, eventDrop)
		return err
	}

	// The handshake shares the command deadline.
	_ = conn.SetDeadline(time.Now().Add(c.opts.CommandTimeout))

	rd := NewReader(conn)
	banner, err := rd.ReadBanner()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", callerr.ErrConnection, err))
	}
	c.log.Debug("AMI banner", "banner", banner)

	c.transition(ctx, eventAuthenticate)

	if err := login(conn, rd, c.opts.Username, c.opts.Secret); err != nil {
		return fail(err)
	}

	_ = conn.SetDeadline(time.Time{})
	c.link = newLink(conn, rd, c.opts.OnEvent, c.log)
	c.transition(ctx, eventReady)
	return nil
}

// login sends the Login action on w and reads until the first response
// block, skipping any events the switch interleaves.
func login(w io.Writer, rd *Reader, username, secret string) error {
	act := NewAction("Login").
		Set("Username", username).
		Set("Secret", secret)
	if _, err := w.Write(act.Encode()); err != nil {
		return fmt.Errorf("%w: sending login: %w", callerr.ErrConnection, err)
	}
	for {
		resp, err := rd.Next()
		if err != nil {
			if errors.Is(err, callerr.ErrProtocol) {
				return fmt.Errorf("reading login response: %w", err)
			}
			return fmt.Errorf("%w: reading login response: %w", callerr.ErrConnection, err)
		}
		if resp.IsResponse() {
			return CheckLogin(resp)
		}
	}
}

// CheckLogin classifies a login response block: nil when it carries the
// success marker, a wrapped callerr.ErrAuth otherwise.
func CheckLogin(resp Message) error {
	if resp.IsSuccess() {
		return nil
	}
	msg := resp.Get("Message")
	if msg == "" {
		msg = strings.TrimSpace(resp.Raw())
	}
	return fmt.Errorf("%w: %s", callerr.ErrAuth, msg)
}

func (c *Client) roundTrip(runCtx, reqCtx context.Context, a *Action) (Message, error) {
	l := c.link
	if l == nil {
		return Message{}, fmt.Errorf("%w: %s: not connected", callerr.ErrConnection, a.Name)
	}

	_ = l.conn.SetWriteDeadline(time.Now().Add(c.opts.CommandTimeout))
	if _, err := l.conn.Write(a.Encode()); err != nil {
		c.teardown("write failed")
		return Message{}, fmt.Errorf("%w: writing %s: %w", callerr.ErrConnection, a.Name, err)
	}

	timer := time.NewTimer(c.opts.CommandTimeout)
	defer timer.Stop()

	var (
		resp Message
		have bool
	)
	for {
		select {
		case msg := <-l.responses:
			if r, done := c.collect(a, msg, &resp, &have); done {
				return r, nil
			}
		case <-l.done:
			// Take anything the reader delivered before it died.
			for {
				select {
				case msg := <-l.responses:
					if r, done := c.collect(a, msg, &resp, &have); done {
						return r, nil
					}
					continue
				default:
				}
				break
			}
			err := l.err
			c.teardown("read failed")
			return Message{}, fmt.Errorf("%w: %s: %w", callerr.ErrConnection, a.Name, err)
		case <-timer.C:
			return Message{}, fmt.Errorf("%w: %s after %s", callerr.ErrCommandTimeout, a.Name, c.opts.CommandTimeout)
		case <-reqCtx.Done():
			return Message{}, reqCtx.Err()
		case <-runCtx.Done():
			return Message{}, fmt.Errorf("%w: client closed", callerr.ErrConnection)
		}
	}
}

// collect folds msg into the in-flight response. It reports done once the
// response, and any event list it announced, is complete.
func (c *Client) collect(a *Action, msg Message, resp *Message, have *bool) (Message, bool) {
	if msg.ActionID() != a.ActionID {
		c.log.Warn("dropping stray response", "action_id", msg.ActionID(), "waiting_for", a.ActionID)
		return Message{}, false
	}
	if !*have {
		if !msg.IsResponse() {
			c.log.Warn("dropping list event before response", "action_id", msg.ActionID())
			return Message{}, false
		}
		*resp = msg
		*have = true
		return *resp, !opensList(msg)
	}
	resp.Events = append(resp.Events, msg)
	return *resp, closesList(msg)
}

func opensList(m Message) bool {
	return strings.EqualFold(m.Get("EventList"), "start")
}

func closesList(m Message) bool {
	return strings.EqualFold(m.Get("EventList"), "Complete")
}

func (c *Client) teardown(reason string) {
	if c.link != nil {
		c.log.Info("closing AMI connection", "reason", reason)
		c.link.close()
		c.link = nil
	}
	c.transition(context.Background(), eventDrop)
}

func (c *Client) transition(ctx context.Context, event string) {
	if !c.fsm.Can(event) {
		return
	}
	if err := c.fsm.Event(ctx, event); err != nil {
		c.log.Debug("state transition rejected", "event", event, "err", err)
	}
}

// link is one live socket plus the goroutine reading it.
type link struct {
	conn      net.Conn
	responses chan Message
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	err       error
}

func newLink(conn net.Conn, rd *Reader, onEvent func(Message), log *slog.Logger) *link {
	l := &link{
		conn:      conn,
		responses: make(chan Message, 16),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
	}
	go l.readLoop(rd, onEvent, log)
	return l
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closing)
		l.conn.Close()
	})
}

// readLoop splits the stream: responses, and list events belonging to the
// list a response just opened, go to the executor; everything else goes to
// onEvent.
func (l *link) readLoop(rd *Reader, onEvent func(Message), log *slog.Logger) {
	defer close(l.done)

	var listID string
	for {
		msg, err := rd.Next()
		if err != nil {
			l.err = err
			return
		}

		forward := false
		switch {
		case msg.IsResponse():
			forward = true
			if opensList(msg) {
				listID = msg.ActionID()
			}
		case listID != "" && msg.ActionID() == listID:
			forward = true
			if closesList(msg) {
				listID = ""
			}
		}

		if !forward {
			if onEvent != nil {
				onEvent(msg)
			} else {
				log.Debug("unhandled event", "event", msg.Type())
			}
			continue
		}

		select {
		case l.responses <- msg:
		case <-l.closing:
			return
		}
	}
}
