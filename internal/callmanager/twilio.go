package callmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/logger"
	"github.com/sweeney/voicebridge/internal/registry"
	"github.com/sweeney/voicebridge/internal/voice"
)

const ProviderTwilio = "twilio"

// Twilio call statuses.
const (
	twilioQueued     = "queued"
	twilioInitiated  = "initiated"
	twilioRinging    = "ringing"
	twilioAnswered   = "answered"
	twilioInProgress = "in-progress"
	twilioCompleted  = "completed"
	twilioBusy       = "busy"
	twilioFailed     = "failed"
	twilioNoAnswer   = "no-answer"
	twilioCanceled   = "canceled"
)

// MapTwilioStatus translates a vendor status onto the registry's. Unknown
// strings report false.
func MapTwilioStatus(s string) (registry.Status, bool) {
	switch strings.ToLower(s) {
	case twilioQueued, twilioInitiated:
		return registry.StatusInitiated, true
	case twilioRinging:
		return registry.StatusRinging, true
	case twilioAnswered:
		return registry.StatusAnswered, true
	case twilioInProgress:
		return registry.StatusInProgress, true
	case twilioCompleted:
		return registry.StatusCompleted, true
	case twilioBusy, twilioFailed, twilioNoAnswer, twilioCanceled:
		return registry.StatusFailed, true
	}
	return "", false
}

// TwilioAPI is the part of the vendor's v2010 REST API the provider calls.
// The SDK's *openapi.ApiService satisfies it.
type TwilioAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	FetchCall(sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioOptions configures the Twilio provider.
type TwilioOptions struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	CallbackURL string
	// Region pins the API to a Twilio region such as "ie1". Empty uses the
	// default US1 endpoint.
	Region      string

	// API replaces the SDK client. Tests set it.
	API    TwilioAPI
	Logger *slog.Logger
}

// Twilio places calls through the vendor REST API.
type Twilio struct {
	opts  TwilioOptions
	api   TwilioAPI
	reg   *registry.Registry
	cache *voice.Cache
	menu  *menu
	log   *slog.Logger
}

// NewTwilio builds the provider. Without an API override it creates an SDK
// client from the account credentials.
func NewTwilio(reg *registry.Registry, cache *voice.Cache, opts TwilioOptions) *Twilio {
	api := opts.API
	if api == nil {
		rc := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: opts.AccountSID,
			Password: opts.AuthToken,
		})
		rc.SetTimeout(30 * time.Second)
		if opts.Region != "" {
			rc.SetRegion(opts.Region)
		}
		api = rc.Api
	}
	return &Twilio{
		opts:  opts,
		api:   api,
		reg:   reg,
		cache: cache,
		menu:  newMenu(reg, cache),
		log:   logger.OrDiscard(opts.Logger).With("component", "twilio"),
	}
}

func (t *Twilio) Name() string { return ProviderTwilio }

// Configured reports whether credentials and a caller number are present.
func (t *Twilio) Configured() bool {
	return t.opts.AccountSID != "" && t.opts.AuthToken != "" && t.opts.FromNumber != ""
}

func (t *Twilio) checkConfigured() error {
	if !t.Configured() {
		return fmt.Errorf("%w: twilio account sid, auth token and from number are required", callerr.ErrNotConfigured)
	}
	return nil
}

// StartCall asks the vendor to dial req.To and registers the returned call
// sid as the call id.
func (t *Twilio) StartCall(ctx context.Context, req StartRequest) (registry.Session, error) {
	if err := t.checkConfigured(); err != nil {
		return registry.Session{}, err
	}
	to, err := normalizeNumber(req.To)
	if err != nil {
		return registry.Session{}, err
	}
	params, err := resolveParameters(ctx, t.cache, req)
	if err != nil {
		return registry.Session{}, fmt.Errorf("starting call to %s: %w", to, err)
	}
	if err := ctx.Err(); err != nil {
		return registry.Session{}, err
	}

	cp := &openapi.CreateCallParams{}
	cp.SetPathAccountSid(t.opts.AccountSID)
	cp.SetTo(to)
	cp.SetFrom(t.opts.FromNumber)
	if t.opts.CallbackURL != "" {
		cp.SetUrl(t.opts.CallbackURL)
		cp.SetStatusCallback(t.opts.CallbackURL + "/status")
		cp.SetStatusCallbackMethod(http.MethodPost)
		cp.SetStatusCallbackEvent([]string{twilioInitiated, twilioRinging, twilioAnswered, twilioCompleted})
	} else {
		cp.SetUrl("http://example.com/voice.xml")
	}

	call, err := t.api.CreateCall(cp)
	if err != nil {
		return registry.Session{}, fmt.Errorf("starting call to %s: %w", to, classifyTwilioError(err))
	}
	sid := deref(call.Sid)
	if sid == "" {
		return registry.Session{}, fmt.Errorf("%w: starting call to %s: response carries no sid", callerr.ErrProtocol, to)
	}
	status, ok := MapTwilioStatus(deref(call.Status))
	if !ok {
		status = registry.StatusInitiated
	}

	s, err := t.reg.Create(ctx, registry.Session{
		ID:          sid,
		PhoneNumber: to,
		VoiceID:     req.VoiceID,
		Parameters:  params,
		Status:      status,
		Provider:    ProviderTwilio,
	})
	if err != nil {
		return registry.Session{}, err
	}
	t.menu.remember(sid, req.VoiceID)
	t.log.Info("call started", "call_id", sid, "to", to, "status", deref(call.Status))
	return s, nil
}

// EndCall sets the vendor call to completed and records the same status
// locally.
func (t *Twilio) EndCall(ctx context.Context, callID string) error {
	if err := t.checkConfigured(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	up := &openapi.UpdateCallParams{}
	up.SetPathAccountSid(t.opts.AccountSID)
	up.SetStatus(twilioCompleted)
	if _, err := t.api.UpdateCall(callID, up); err != nil {
		return fmt.Errorf("ending call %s: %w", callID, classifyTwilioError(err))
	}

	if _, live := t.reg.Get(callID); live {
		if _, err := t.reg.OnCallEvent(ctx, callID, registry.StatusCompleted); err != nil {
			return err
		}
	} else if err := t.reg.UpdatePersisted(ctx, callID, registry.StatusCompleted); err != nil && !errors.Is(err, callerr.ErrNotFound) {
		return err
	}
	t.menu.forget(callID)
	return nil
}

// GetStatus asks the vendor and folds the answer into the registry when the
// call is tracked there.
func (t *Twilio) GetStatus(ctx context.Context, callID string) (StatusReport, error) {
	if err := t.checkConfigured(); err != nil {
		return StatusReport{}, err
	}
	if err := ctx.Err(); err != nil {
		return StatusReport{}, err
	}
	fp := &openapi.FetchCallParams{}
	fp.SetPathAccountSid(t.opts.AccountSID)
	call, err := t.api.FetchCall(callID, fp)
	if err != nil {
		return StatusReport{}, fmt.Errorf("fetching call %s: %w", callID, classifyTwilioError(err))
	}
	vendor := deref(call.Status)
	status, ok := MapTwilioStatus(vendor)
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: call %s: unknown vendor status %q", callerr.ErrProtocol, callID, vendor)
	}
	if _, err := t.reg.OnCallEvent(ctx, callID, status); err != nil && !errors.Is(err, callerr.ErrNotFound) {
		t.log.Warn("applying vendor status failed", "call_id", callID, "error", err)
	}

	secs, _ := strconv.Atoi(deref(call.Duration))
	d := time.Duration(secs) * time.Second
	return StatusReport{
		CallID:          callID,
		Status:          status,
		Duration:        d,
		Source:          SourceProvider,
		DurationSeconds: d.Seconds(),
	}, nil
}

// HandleStatusCallback applies a status pushed by the vendor's callback.
// Calls this process never placed are ignored.
func (t *Twilio) HandleStatusCallback(ctx context.Context, callID, vendorStatus string) error {
	status, ok := MapTwilioStatus(vendorStatus)
	if !ok {
		return fmt.Errorf("%w: call %s: unknown vendor status %q", callerr.ErrProtocol, callID, vendorStatus)
	}
	changed, err := t.reg.OnCallEvent(ctx, callID, status)
	if errors.Is(err, callerr.ErrNotFound) {
		t.log.Debug("status for unknown call", "call_id", callID, "status", vendorStatus)
		return nil
	}
	if err != nil {
		return err
	}
	if changed {
		t.log.Info("call status", "call_id", callID, "status", status)
	}
	if status.Terminal() {
		t.menu.forget(callID)
	}
	return nil
}

// HandleDTMF applies a menu keypress and renders the TwiML reply.
func (t *Twilio) HandleDTMF(ctx context.Context, callID, digit string) (DTMFResult, error) {
	res, _, err := t.menu.apply(ctx, callID, digit)
	if err != nil {
		return DTMFResult{}, err
	}
	r := twimlResponse{}
	r.say(res.Prompt)
	if res.Action == DTMFRetry {
		r.Verbs = append(r.Verbs, twimlRedirect{URL: "/voice"})
	} else {
		if res.Action == DTMFTransform && res.VoiceID != "" {
			r.say(fmt.Sprintf("Using voice %s.", res.VoiceID))
		}
		r.say(promptChange)
		r.Verbs = append(r.Verbs, twimlDial{Timeout: 30, Action: "/voice/hangup"})
	}
	doc, err := r.render()
	if err != nil {
		return DTMFResult{}, err
	}
	res.Document = doc
	return res, nil
}

// Dialplan renders the TwiML that greets the callee and offers the voice
// menu.
func (t *Twilio) Dialplan(voiceID string) (string, error) {
	r := twimlResponse{}
	if voiceID != "" {
		r.say(fmt.Sprintf("This call is using voice %s.", voiceID))
	}
	r.Verbs = append(r.Verbs,
		twimlGather{
			NumDigits: 1,
			Action:    "/voice/process",
			Method:    http.MethodPost,
			Say:       []twimlSay{{Text: promptMenu}},
		},
		twimlRedirect{URL: "/voice"},
	)
	return r.render()
}

// classifyTwilioError maps an SDK failure onto the error kinds. Anything
// that is not an API error response is a transport failure.
func classifyTwilioError(err error) error {
	var rest *twclient.TwilioRestError
	if !errors.As(err, &rest) {
		return fmt.Errorf("%w: %w", callerr.ErrConnection, err)
	}
	msg := rest.Message
	if msg == "" {
		msg = http.StatusText(rest.Status)
	}
	switch rest.Status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", callerr.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", callerr.ErrAuth, msg)
	}
	return fmt.Errorf("api error (%d, code %d): %s", rest.Status, rest.Code, msg)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
