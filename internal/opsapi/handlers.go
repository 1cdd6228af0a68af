package opsapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/callmanager"
	"github.com/sweeney/voicebridge/internal/voice"
)

func (h handlers) healthz(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ami": "disabled"})
		return
	}
	if !h.health.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "ami": h.health.State()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ami": h.health.State()})
}

func (h handlers) listCalls(c *gin.Context) {
	calls := h.reg.List()
	c.JSON(http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
}

func (h handlers) getCall(c *gin.Context) {
	s, err := h.reg.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type startCallRequest struct {
	To         string            `json:"to" binding:"required"`
	VoiceID    string            `json:"voice_id"`
	Parameters *voice.Parameters `json:"parameters"`
}

func (h handlers) startCall(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to is required"})
		return
	}
	if req.Parameters != nil && !req.Parameters.Effect.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown effect %q", req.Parameters.Effect)})
		return
	}

	s, err := h.mgr.StartCall(c.Request.Context(), callmanager.StartRequest{
		To:         req.To,
		VoiceID:    req.VoiceID,
		Parameters: req.Parameters,
	})
	if err != nil {
		fromContext(c).Warn("start call failed", "to", req.To, "error", err)
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h handlers) endCall(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	if err := h.mgr.EndCall(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h handlers) callStatus(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	rep, err := h.mgr.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type dtmfRequest struct {
	Digit string `json:"digit" binding:"required"`
}

func (h handlers) dtmf(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req dtmfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "digit is required"})
		return
	}
	res, err := h.mgr.HandleDTMF(c.Request.Context(), c.Param("id"), req.Digit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h handlers) dialplan(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	doc, err := h.mgr.Dialplan(c.Query("voice_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if h.mgr.Name() == callmanager.ProviderTwilio {
		c.Data(http.StatusOK, "application/xml", []byte(doc))
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(doc))
}

func (h handlers) ready(c *gin.Context) bool {
	if h.mgr == nil {
		abortWithError(c, fmt.Errorf("%w: no call provider", callerr.ErrNotConfigured))
		return false
	}
	return true
}
