package opsapi

import (
	"encoding/xml"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/callmanager"
	"github.com/sweeney/voicebridge/internal/registry"
)

const emptyTwiML = xml.Header + "<Response></Response>"

// webhooks answers the vendor's form-encoded callbacks with TwiML.
type webhooks struct {
	mgr       callmanager.CallManager
	reg       *registry.Registry
	callbacks StatusCallbacks
}

// voiceForm holds the callback fields in use.
type voiceForm struct {
	CallSid    string
	CallStatus string
	Digits     string
}

func parseVoiceForm(c *gin.Context) voiceForm {
	return voiceForm{
		CallSid:    strings.TrimSpace(c.PostForm("CallSid")),
		CallStatus: strings.TrimSpace(c.PostForm("CallStatus")),
		Digits:     strings.TrimSpace(c.PostForm("Digits")),
	}
}

func twiml(c *gin.Context, doc string) {
	c.Data(http.StatusOK, "application/xml", []byte(doc))
}

// answer plays the menu for the call's current voice.
func (w webhooks) answer(c *gin.Context) {
	f := parseVoiceForm(c)
	voiceID := ""
	if s, ok := w.reg.Get(f.CallSid); ok {
		voiceID = s.VoiceID
	}
	doc, err := w.mgr.Dialplan(voiceID)
	if err != nil {
		fromContext(c).Error("rendering menu failed", "call_id", f.CallSid, "error", err)
		abortWithError(c, err)
		return
	}
	twiml(c, doc)
}

func (w webhooks) process(c *gin.Context) {
	f := parseVoiceForm(c)
	res, err := w.mgr.HandleDTMF(c.Request.Context(), f.CallSid, f.Digits)
	if err != nil {
		fromContext(c).Warn("keypress failed", "call_id", f.CallSid, "digits", f.Digits, "error", err)
		abortWithError(c, err)
		return
	}
	fromContext(c).Info("keypress", "call_id", f.CallSid, "action", res.Action, "voice_id", res.VoiceID)
	if res.Document == "" {
		twiml(c, emptyTwiML)
		return
	}
	twiml(c, res.Document)
}

func (w webhooks) hangup(c *gin.Context) {
	twiml(c, emptyTwiML)
}

func (w webhooks) status(c *gin.Context) {
	f := parseVoiceForm(c)
	if f.CallSid == "" || f.CallStatus == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "CallSid and CallStatus are required"})
		return
	}
	if err := w.callbacks.HandleStatusCallback(c.Request.Context(), f.CallSid, f.CallStatus); err != nil {
		fromContext(c).Warn("status callback rejected", "call_id", f.CallSid, "status", f.CallStatus, "error", err)
		if errors.Is(err, callerr.ErrProtocol) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
