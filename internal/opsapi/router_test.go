package opsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/callmanager"
	"github.com/sweeney/voicebridge/internal/metrics"
	"github.com/sweeney/voicebridge/internal/registry"
	"github.com/sweeney/voicebridge/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHealth struct{ state string }

func (f fakeHealth) State() string   { return f.state }
func (f fakeHealth) Connected() bool { return f.state == "connected" }

// fakeManager records calls and answers from the registry it shares with
// the router.
type fakeManager struct {
	name string
	reg  *registry.Registry

	mu       sync.Mutex
	started  []callmanager.StartRequest
	ended    []string
	statuses []string
	startErr error
}

func (f *fakeManager) Name() string { return f.name }

func (f *fakeManager) StartCall(ctx context.Context, req callmanager.StartRequest) (registry.Session, error) {
	f.mu.Lock()
	f.started = append(f.started, req)
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return registry.Session{}, err
	}
	return f.reg.Create(ctx, registry.Session{
		ID: "call-1", PhoneNumber: req.To, VoiceID: req.VoiceID, Status: registry.StatusInitiated, Provider: f.name,
	})
}

func (f *fakeManager) EndCall(ctx context.Context, id string) error {
	if _, ok := f.reg.Get(id); !ok {
		return fmt.Errorf("%w: call %s", callerr.ErrNotFound, id)
	}
	f.mu.Lock()
	f.ended = append(f.ended, id)
	f.mu.Unlock()
	_, err := f.reg.OnCallEvent(ctx, id, registry.StatusCompleted)
	return err
}

func (f *fakeManager) GetStatus(_ context.Context, id string) (callmanager.StatusReport, error) {
	s, ok := f.reg.Get(id)
	if !ok {
		return callmanager.StatusReport{}, fmt.Errorf("%w: call %s", callerr.ErrNotFound, id)
	}
	return callmanager.StatusReport{CallID: id, Status: s.Status, Source: callmanager.SourceRegistry}, nil
}

func (f *fakeManager) HandleDTMF(_ context.Context, id, digit string) (callmanager.DTMFResult, error) {
	if _, ok := f.reg.Get(id); !ok {
		return callmanager.DTMFResult{}, fmt.Errorf("%w: call %s", callerr.ErrNotFound, id)
	}
	res := callmanager.DTMFResult{CallID: id, Action: callmanager.DTMFRetry, Prompt: "again"}
	if digit == "1" {
		res.Action = callmanager.DTMFOriginal
	}
	if f.name == callmanager.ProviderTwilio {
		res.Document = "<Response><Say>" + string(res.Action) + "</Say></Response>"
	}
	return res, nil
}

func (f *fakeManager) Dialplan(voiceID string) (string, error) {
	if voiceID == "" {
		return "menu", nil
	}
	return "menu for " + voiceID, nil
}

// twilioManager adds status callbacks.
type twilioManager struct {
	*fakeManager
}

func (t twilioManager) HandleStatusCallback(ctx context.Context, id, vendorStatus string) error {
	t.mu.Lock()
	t.statuses = append(t.statuses, id+"="+vendorStatus)
	t.mu.Unlock()
	status, ok := callmanager.MapTwilioStatus(vendorStatus)
	if !ok {
		return fmt.Errorf("%w: status %q", callerr.ErrProtocol, vendorStatus)
	}
	_, err := t.reg.OnCallEvent(ctx, id, status)
	return err
}

func newRig(t *testing.T, name string, health Health) (*gin.Engine, *fakeManager) {
	t.Helper()
	reg := registry.New(registry.WithStore(store.NewMemory()))
	fm := &fakeManager{name: name, reg: reg}
	var mgr callmanager.CallManager = fm
	if name == callmanager.ProviderTwilio {
		mgr = twilioManager{fm}
	}
	return NewRouter(Options{Manager: mgr, Registry: reg, Health: health, Metrics: metrics.New()}), fm
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func postForm(r http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		health Health
		code   int
		ami    string
	}{
		{"connected", fakeHealth{"connected"}, http.StatusOK, "connected"},
		{"reconnecting", fakeHealth{"connecting"}, http.StatusServiceUnavailable, "connecting"},
		{"no switch", nil, http.StatusOK, "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRig(t, callmanager.ProviderAsterisk, tt.health)
			rec := do(r, http.MethodGet, "/healthz", "")
			assert.Equal(t, tt.code, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.ami, body["ami"])
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	r, _ := newRig(t, callmanager.ProviderAsterisk, nil)
	rec := do(r, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "abc")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(headerRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newRig(t, callmanager.ProviderAsterisk, nil)
	rec := do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voicebridge_")
}

func TestCallLifecycle(t *testing.T) {
	r, fm := newRig(t, callmanager.ProviderAsterisk, fakeHealth{"connected"})

	rec := do(r, http.MethodPost, "/calls", `{"to":"+15551234567","voice_id":"7"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created registry.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "call-1", created.ID)
	assert.Equal(t, registry.StatusInitiated, created.Status)
	require.Len(t, fm.started, 1)
	assert.Equal(t, "7", fm.started[0].VoiceID)
	assert.Nil(t, fm.started[0].Parameters)

	rec = do(r, http.MethodGet, "/calls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Calls []registry.Session `json:"calls"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	rec = do(r, http.MethodGet, "/calls/call-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodGet, "/calls/call-1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source":"registry"`)

	rec = do(r, http.MethodPost, "/calls/call-1/dtmf", `{"digit":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action":"original"`)

	rec = do(r, http.MethodDelete, "/calls/call-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"call-1"}, fm.ended)

	s, _ := fm.reg.Get("call-1")
	assert.Equal(t, registry.StatusCompleted, s.Status)
}

func TestStartCallWithParameters(t *testing.T) {
	r, fm := newRig(t, callmanager.ProviderAsterisk, nil)
	rec := do(r, http.MethodPost, "/calls", `{"to":"15551234567","parameters":{"pitch":-2,"formant":-15,"effect":"robot"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, fm.started[0].Parameters)
	assert.Equal(t, -2, fm.started[0].Parameters.Pitch)

	rec = do(r, http.MethodPost, "/calls", `{"to":"15551234567","parameters":{"effect":"kazoo"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBadRequests(t *testing.T) {
	r, _ := newRig(t, callmanager.ProviderAsterisk, nil)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/calls", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/calls", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/calls/x/dtmf", `{}`).Code)
}

func TestUnknownCallIsNotFound(t *testing.T) {
	r, _ := newRig(t, callmanager.ProviderAsterisk, nil)
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/calls/nope", ""},
		{http.MethodGet, "/calls/nope/status", ""},
		{http.MethodDelete, "/calls/nope", ""},
		{http.MethodPost, "/calls/nope/dtmf", `{"digit":"2"}`},
	} {
		rec := do(r, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.method+" "+tc.path)
		assert.Contains(t, rec.Body.String(), `"kind":"not_found"`)
	}
}

func TestProviderErrorsMapToStatus(t *testing.T) {
	tests := map[error]int{
		callerr.ErrNotConfigured:  http.StatusServiceUnavailable,
		callerr.ErrConnection:     http.StatusBadGateway,
		callerr.ErrCommandTimeout: http.StatusGatewayTimeout,
		fmt.Errorf("boom"):        http.StatusInternalServerError,
	}
	for err, code := range tests {
		r, fm := newRig(t, callmanager.ProviderAsterisk, nil)
		fm.startErr = fmt.Errorf("originate: %w", err)
		rec := do(r, http.MethodPost, "/calls", `{"to":"+15551234567"}`)
		assert.Equal(t, code, rec.Code, err.Error())
	}
}

func TestDialplanContentType(t *testing.T) {
	r, _ := newRig(t, callmanager.ProviderAsterisk, nil)
	rec := do(r, http.MethodGet, "/dialplan?voice_id=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "menu for 4", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	r, _ = newRig(t, callmanager.ProviderTwilio, nil)
	rec = do(r, http.MethodGet, "/dialplan", "")
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
}

func TestWebhooksOnlyForCallbackProviders(t *testing.T) {
	r, _ := newRig(t, callmanager.ProviderAsterisk, nil)
	rec := postForm(r, "/voice/status", url.Values{"CallSid": {"x"}, "CallStatus": {"ringing"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTwilioWebhooks(t *testing.T) {
	r, fm := newRig(t, callmanager.ProviderTwilio, nil)
	rec := do(r, http.MethodPost, "/calls", `{"to":"+15551234567","voice_id":"3"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postForm(r, "/voice", url.Values{"CallSid": {"call-1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "menu for 3", rec.Body.String())
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))

	rec = postForm(r, "/voice/process", url.Values{"CallSid": {"call-1"}, "Digits": {"1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Say>original</Say>")

	rec = postForm(r, "/voice/process", url.Values{"CallSid": {"missing"}, "Digits": {"1"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postForm(r, "/voice/hangup", url.Values{"CallSid": {"call-1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Response></Response>")

	rec = postForm(r, "/voice/status", url.Values{"CallSid": {"call-1"}, "CallStatus": {"ringing"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	s, _ := fm.reg.Get("call-1")
	assert.Equal(t, registry.StatusRinging, s.Status)

	rec = postForm(r, "/voice/status", url.Values{"CallSid": {"call-1"}, "CallStatus": {"teleported"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = postForm(r, "/voice/status", url.Values{"CallSid": {"call-1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"call-1=ringing", "call-1=teleported"}, fm.statuses)
}

func TestNoManager(t *testing.T) {
	reg := registry.New()
	r := NewRouter(Options{Registry: reg})
	rec := do(r, http.MethodPost, "/calls", `{"to":"+15551234567"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/calls", "").Code)
}
