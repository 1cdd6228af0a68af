package opsapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sweeney/voicebridge/internal/ami"
	"github.com/sweeney/voicebridge/internal/callerr"
)

const (
	defaultAMIPort = 5038
	loginTestLimit = 5 * time.Second
)

// Listener reports on the call-control listener. agi.Server satisfies it.
type Listener interface {
	Running() bool
	Addr() net.Addr
	ActiveSessions() int
}

// CallTracker counts calls followed through the switch event stream.
type CallTracker interface {
	ActiveCalls() int
}

// SwitchInfo describes the configured management connection.
type SwitchInfo struct {
	Addr       string
	Configured bool
}

// LoginFunc performs a one-shot management login. ami.VerifyLogin is the
// default.
type LoginFunc func(ctx context.Context, opts ami.Options) (string, error)

type status struct {
	health  Health
	agi     Listener
	calls   CallTracker
	sw      SwitchInfo
	verify  LoginFunc
	timeout time.Duration
}

func (s status) switchStatus(c *gin.Context) {
	body := gin.H{
		"configured": s.sw.Configured,
		"connected":  false,
		"state":      "disabled",
	}
	if s.sw.Addr != "" {
		body["addr"] = s.sw.Addr
	}
	if s.health != nil {
		body["connected"] = s.health.Connected()
		body["state"] = s.health.State()
	}
	if s.calls != nil {
		body["active_calls"] = s.calls.ActiveCalls()
	}
	c.JSON(http.StatusOK, body)
}

type loginTestRequest struct {
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port"`
	Username string `json:"username" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

// loginTest tries the supplied credentials on a separate connection. A
// failed login is reported in the body, not as an HTTP error.
func (s status) loginTest(c *gin.Context) {
	var req loginTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "host, username and secret are required"})
		return
	}
	if req.Port == 0 {
		req.Port = defaultAMIPort
	}
	if req.Port < 1 || req.Port > 65535 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "port must be between 1 and 65535"})
		return
	}

	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	banner, err := s.verify(ctx, ami.Options{
		Addr:           addr,
		Username:       req.Username,
		Secret:         req.Secret,
		DialTimeout:    s.timeout,
		CommandTimeout: s.timeout,
	})
	if err != nil {
		fromContext(c).Info("login test failed", "addr", addr, "error", err)
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"addr":    addr,
			"kind":    callerr.Kind(err),
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"addr":    addr,
		"banner":  banner,
		"message": "Successfully connected to Asterisk",
	})
}

func (s status) agiStatus(c *gin.Context) {
	if s.agi == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	body := gin.H{
		"running":         s.agi.Running(),
		"active_sessions": s.agi.ActiveSessions(),
	}
	if addr := s.agi.Addr(); addr != nil {
		body["addr"] = addr.String()
		if host, port, err := net.SplitHostPort(addr.String()); err == nil {
			body["host"] = host
			if p, err := strconv.Atoi(port); err == nil {
				body["port"] = p
			}
		}
	}
	c.JSON(http.StatusOK, body)
}
