// Package opsapi serves the HTTP surface of the daemon: health and metrics
// for operators, call control for applications, and the vendor webhooks
// that drive calls placed through Twilio.
package opsapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sweeney/voicebridge/internal/ami"
	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/callmanager"
	"github.com/sweeney/voicebridge/internal/logger"
	"github.com/sweeney/voicebridge/internal/metrics"
	"github.com/sweeney/voicebridge/internal/registry"
)

// Health reports the management connection. ami.Client satisfies it.
type Health interface {
	State() string
	Connected() bool
}

// StatusCallbacks is implemented by providers that push call status over
// HTTP.
type StatusCallbacks interface {
	HandleStatusCallback(ctx context.Context, callID, vendorStatus string) error
}

// Options wires the router to the daemon's components. Nil fields disable
// what depends on them.
type Options struct {
	Manager  callmanager.CallManager
	Registry *registry.Registry
	// Health is nil when the daemon runs without a switch connection.
	Health  Health
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Status routes.
	AGI    Listener
	Calls  CallTracker
	Switch SwitchInfo
	// VerifyLogin overrides ami.VerifyLogin for the login test route.
	VerifyLogin LoginFunc
}

type handlers struct {
	mgr     callmanager.CallManager
	reg     *registry.Registry
	health  Health
	metrics *metrics.Metrics
}

// NewRouter builds the gin engine. Webhook routes are only registered when
// the manager takes status callbacks.
func NewRouter(opts Options) *gin.Engine {
	log := logger.OrDiscard(opts.Logger).With("component", "http")
	h := handlers{mgr: opts.Manager, reg: opts.Registry, health: opts.Health, metrics: opts.Metrics}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	r.GET("/healthz", h.healthz)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	calls := r.Group("/calls")
	{
		calls.GET("", h.listCalls)
		calls.POST("", h.startCall)
		calls.GET("/:id", h.getCall)
		calls.DELETE("/:id", h.endCall)
		calls.GET("/:id/status", h.callStatus)
		calls.POST("/:id/dtmf", h.dtmf)
	}
	r.GET("/dialplan", h.dialplan)

	st := status{
		health:  opts.Health,
		agi:     opts.AGI,
		calls:   opts.Calls,
		sw:      opts.Switch,
		verify:  opts.VerifyLogin,
		timeout: loginTestLimit,
	}
	if st.verify == nil {
		st.verify = ami.VerifyLogin
	}
	sg := r.Group("/status")
	{
		sg.GET("/ami", st.switchStatus)
		sg.POST("/ami/test", st.loginTest)
		sg.GET("/agi", st.agiStatus)
	}

	if cb, ok := opts.Manager.(StatusCallbacks); ok {
		w := webhooks{mgr: opts.Manager, reg: opts.Registry, callbacks: cb}
		voice := r.Group("/voice")
		{
			voice.POST("", w.answer)
			voice.POST("/process", w.process)
			voice.POST("/hangup", w.hangup)
			voice.POST("/status", w.status)
		}
	}
	return r
}

// httpStatus maps an error kind onto a response code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, callerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, callerr.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, callerr.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, callerr.ErrConnection), errors.Is(err, callerr.ErrAuth), errors.Is(err, callerr.ErrProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error(), "kind": callerr.Kind(err)})
}
