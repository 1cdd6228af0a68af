package callmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/voicebridge/internal/ami"
	"github.com/sweeney/voicebridge/internal/ami/amitest"
	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/registry"
	"github.com/sweeney/voicebridge/internal/store"
	"github.com/sweeney/voicebridge/internal/voice"
)

const trunk = "PJSIP/trunk-00000007"

type asteriskRig struct {
	mgr *Asterisk
	srv *amitest.Server
	reg *registry.Registry
	mem *store.Memory
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newAsteriskRig(t *testing.T, h amitest.Handler, clock *fakeClock) *asteriskRig {
	t.Helper()
	srv := amitest.NewServer(t, h)
	mem := store.NewSeededMemory()

	regOpts := []registry.Option{registry.WithStore(mem)}
	if clock != nil {
		regOpts = append(regOpts, registry.WithClock(clock.Now))
	}
	reg := registry.New(regOpts...)
	cache := voice.NewCache(mem, voice.DefaultTTL)

	rig := &asteriskRig{srv: srv, reg: reg, mem: mem}
	client := ami.New(ami.Options{
		Addr:              srv.Addr(),
		Username:          "admin",
		Secret:            "secret",
		ConnectAttempts:   1,
		CommandTimeout:    time.Second,
		KeepaliveInterval: time.Hour,
		OnEvent:           func(m ami.Message) { rig.mgr.HandleEvent(m) },
	})
	rig.mgr = NewAsterisk(client, reg, cache, AsteriskOptions{
		Context:   "from-internal",
		Extension: "1000",
		CallerID:  "VoiceBridge <1000>",
		AGIAddr:   "127.0.0.1:4573",
	})
	client.Start(context.Background())
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(context.Background()))
	return rig
}

func variables(m ami.Message) []string {
	var out []string
	for _, h := range m.Headers() {
		if h.Key == "Variable" {
			out = append(out, h.Value)
		}
	}
	return out
}

func varSet(callID string) ami.Message {
	return ami.NewMessage(
		"Event", "VarSet",
		"Channel", trunk,
		"Variable", "VOICEBRIDGE_CALL_ID",
		"Value", callID,
		"Uniqueid", "1772366400.71",
		"Linkedid", "1772366400.71",
	)
}

func newstate(desc string) ami.Message {
	return ami.NewMessage(
		"Event", "Newstate",
		"Channel", trunk,
		"ChannelStateDesc", desc,
		"Uniqueid", "1772366400.71",
		"Linkedid", "1772366400.71",
	)
}

func waitStatus(t *testing.T, reg *registry.Registry, id string, want registry.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := reg.Get(id)
		return ok && s.Status == want
	}, 2*time.Second, 5*time.Millisecond, "call %s never reached %s", id, want)
}

func TestOriginateSendsVoiceVariables(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)

	s, err := rig.mgr.StartCall(context.Background(), StartRequest{
		To:         "+15551234567",
		VoiceID:    "7",
		Parameters: &voice.Parameters{Pitch: -3, Formant: -20, Effect: voice.EffectNone},
	})
	require.NoError(t, err)

	actions := rig.srv.ActionsNamed("Originate")
	require.Len(t, actions, 1)
	act := actions[0]

	assert.Equal(t, s.ID, act.ActionID())
	assert.Equal(t, "PJSIP/+15551234567", act.Get("Channel"))
	assert.Equal(t, "from-internal", act.Get("Context"))
	assert.Equal(t, "1000", act.Get("Exten"))
	assert.Equal(t, "1", act.Get("Priority"))
	assert.Equal(t, "VoiceBridge <1000>", act.Get("CallerID"))
	assert.Equal(t, "true", act.Get("Async"))

	vars := variables(act)
	for _, want := range []string{
		"VOICE_ID=7",
		"VOICE_PITCH=-3",
		"VOICE_FORMANT=-20",
		"VOICE_EFFECT=none",
		"VOICEBRIDGE_CALL_ID=" + s.ID,
	} {
		assert.Contains(t, vars, want)
	}

	got, ok := rig.reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, registry.StatusInitiated, got.Status)
	assert.Equal(t, ProviderAsterisk, got.Provider)
	assert.Equal(t, "+15551234567", got.PhoneNumber)

	stored, err := rig.mem.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInitiated, stored.Status)
}

func TestOriginateLooksUpParameters(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)

	s, err := rig.mgr.StartCall(context.Background(), StartRequest{To: "15551234567", VoiceID: "4"})
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", s.PhoneNumber)
	assert.Equal(t, voice.Parameters{Pitch: -6, Formant: -40, Effect: voice.EffectReverb}, s.Parameters)

	vars := variables(rig.srv.ActionsNamed("Originate")[0])
	assert.Contains(t, vars, "VOICE_EFFECT=reverb")
	assert.Contains(t, vars, "VOICE_PITCH=-6")
}

func TestOriginateRejected(t *testing.T) {
	rig := newAsteriskRig(t, func(a ami.Message) []ami.Message {
		switch a.Get("Action") {
		case "Login":
			return []ami.Message{amitest.Login(a, "admin", "secret")}
		case "Originate":
			return []ami.Message{amitest.Reply(a, "Error", "Message", "Extension does not exist.")}
		}
		return []ami.Message{amitest.Reply(a, "Success")}
	}, nil)

	_, err := rig.mgr.StartCall(context.Background(), StartRequest{To: "+15551234567"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Extension does not exist.")
	assert.Equal(t, 0, rig.reg.Len())
}

func TestOriginateRequiresNumber(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)
	_, err := rig.mgr.StartCall(context.Background(), StartRequest{To: "  "})
	require.Error(t, err)
	assert.Empty(t, rig.srv.ActionsNamed("Originate"))
}

func TestEventsDriveCallStatus(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)
	s, err := rig.mgr.StartCall(context.Background(), StartRequest{To: "+15551234567"})
	require.NoError(t, err)

	rig.srv.Push(varSet(s.ID), newstate("Ringing"))
	waitStatus(t, rig.reg, s.ID, registry.StatusRinging)
	got, _ := rig.reg.Get(s.ID)
	assert.Equal(t, trunk, got.Channel)

	rig.srv.Push(newstate("Up"))
	waitStatus(t, rig.reg, s.ID, registry.StatusInProgress)

	rig.srv.Push(ami.NewMessage(
		"Event", "Hangup",
		"Channel", trunk,
		"Uniqueid", "1772366400.71",
		"Cause", "16",
		"Cause-txt", "Normal Clearing",
	))
	waitStatus(t, rig.reg, s.ID, registry.StatusCompleted)
	assert.Equal(t, 0, rig.mgr.ActiveCalls())
}

func TestEventsBeforeRegistrationAreReplayed(t *testing.T) {
	rig := newAsteriskRig(t, func(a ami.Message) []ami.Message {
		switch a.Get("Action") {
		case "Login":
			return []ami.Message{amitest.Login(a, "admin", "secret")}
		case "Originate":
			return []ami.Message{
				amitest.Reply(a, "Success", "Message", "Originate successfully queued"),
				varSet(a.ActionID()),
				newstate("Ringing"),
			}
		}
		return []ami.Message{amitest.Reply(a, "Success")}
	}, nil)

	s, err := rig.mgr.StartCall(context.Background(), StartRequest{To: "+15551234567"})
	require.NoError(t, err)
	waitStatus(t, rig.reg, s.ID, registry.StatusRinging)

	got, _ := rig.reg.Get(s.ID)
	assert.Equal(t, trunk, got.Channel)
}

func TestEventsForUnknownCallsIgnored(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)
	rig.mgr.HandleEvent(varSet("not-ours"))
	rig.mgr.HandleEvent(newstate("Ringing"))
	for i := 0; i < 10; i++ {
		rig.mgr.HandleEvent(ami.NewMessage("Event", "OriginateResponse", "ActionID", fmt.Sprintf("other-%d", i),
			"Response", "Success", "Uniqueid", "<null>"))
	}
	assert.Equal(t, 0, rig.reg.Len())
	assert.Equal(t, 0, rig.mgr.ActiveCalls())
}

func TestHangupUsesLearnedChannel(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)
	s, err := rig.mgr.StartCall(context.Background(), StartRequest{To: "+15551234567"})
	require.NoError(t, err)

	rig.srv.Push(varSet(s.ID))
	require.Eventually(t, func() bool {
		got, _ := rig.reg.Get(s.ID)
		return got.Channel == trunk
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, rig.mgr.EndCall(context.Background(), s.ID))

	hangups := rig.srv.ActionsNamed("Hangup")
	require.Len(t, hangups, 1)
	assert.Equal(t, trunk, hangups[0].Get("Channel"))

	got, _ := rig.reg.Get(s.ID)
	assert.Equal(t, registry.StatusCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
}

func TestHangupRejectedBySwitch(t *testing.T) {
	rig := newAsteriskRig(t, func(a ami.Message) []ami.Message {
		switch a.Get("Action") {
		case "Login":
			return []ami.Message{amitest.Login(a, "admin", "secret")}
		case "Hangup":
			return []ami.Message{amitest.Reply(a, "Error", "Message", "No such channel")}
		}
		return []ami.Message{amitest.Reply(a, "Success")}
	}, nil)
	s, err := rig.mgr.StartCall(context.Background(), StartRequest{To: "+15551234567"})
	require.NoError(t, err)

	err = rig.mgr.EndCall(context.Background(), s.ID)
	require.ErrorIs(t, err, callerr.ErrNotFound)
	assert.Contains(t, err.Error(), "No such channel")

	hangups := rig.srv.ActionsNamed("Hangup")
	require.Len(t, hangups, 1)
	assert.Equal(t, s.ID, hangups[0].Get("Channel"))

	got, _ := rig.reg.Get(s.ID)
	assert.Equal(t, registry.StatusCompleted, got.Status)
}

func TestHangupUnknownCall(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)
	err := rig.mgr.EndCall(context.Background(), "ghost")
	require.ErrorIs(t, err, callerr.ErrNotFound)
	assert.Empty(t, rig.srv.ActionsNamed("Hangup"))
}

func TestHangupPersistedOnlyCall(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, rig.mem.SaveSession(ctx, registry.Session{
		ID:          "old-call",
		PhoneNumber: "+15550000000",
		Status:      registry.StatusInProgress,
		Channel:     "PJSIP/trunk-00000001",
		StartedAt:   time.Now().Add(-time.Minute),
	}))

	require.NoError(t, rig.mgr.EndCall(ctx, "old-call"))
	assert.Equal(t, "PJSIP/trunk-00000001", rig.srv.ActionsNamed("Hangup")[0].Get("Channel"))

	stored, err := rig.mem.GetSession(ctx, "old-call")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.EndedAt)
}

func TestStatusFromRegistry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rig := newAsteriskRig(t, nil, clock)
	s, err := rig.mgr.StartCall(context.Background(), StartRequest{To: "+15551234567"})
	require.NoError(t, err)

	clock.Advance(42 * time.Second)
	rep, err := rig.mgr.GetStatus(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInitiated, rep.Status)
	assert.Equal(t, SourceRegistry, rep.Source)
	assert.Equal(t, 42*time.Second, rep.Duration)
	assert.Empty(t, rig.srv.ActionsNamed("Status"))
}

func TestStatusQueriesSwitchForPersistedCall(t *testing.T) {
	rig := newAsteriskRig(t, func(a ami.Message) []ami.Message {
		switch a.Get("Action") {
		case "Login":
			return []ami.Message{amitest.Login(a, "admin", "secret")}
		case "Status":
			id := a.ActionID()
			return []ami.Message{
				amitest.Reply(a, "Success", "EventList", "start", "Message", "Channel status will follow"),
				ami.NewMessage("Event", "Status", "ActionID", id, "Channel", "PJSIP/trunk-00000001", "ChannelStateDesc", "Up"),
				ami.NewMessage("Event", "StatusComplete", "ActionID", id, "EventList", "Complete", "ListItems", "1"),
			}
		}
		return []ami.Message{amitest.Reply(a, "Success")}
	}, nil)
	ctx := context.Background()
	require.NoError(t, rig.mem.SaveSession(ctx, registry.Session{
		ID:        "old-call",
		Status:    registry.StatusRinging,
		Channel:   "PJSIP/trunk-00000001",
		StartedAt: time.Now().Add(-time.Minute),
	}))

	rep, err := rig.mgr.GetStatus(ctx, "old-call")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInProgress, rep.Status)
	assert.Equal(t, SourceSwitch, rep.Source)

	statuses := rig.srv.ActionsNamed("Status")
	require.Len(t, statuses, 1)
	assert.Equal(t, "PJSIP/trunk-00000001", statuses[0].Get("Channel"))

	stored, _ := rig.mem.GetSession(ctx, "old-call")
	assert.Equal(t, registry.StatusInProgress, stored.Status)
}

func TestStatusPersistedCompletedWins(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)
	ctx := context.Background()
	end := time.Now()
	require.NoError(t, rig.mem.SaveSession(ctx, registry.Session{
		ID:        "done-call",
		Status:    registry.StatusCompleted,
		StartedAt: end.Add(-30 * time.Second),
		EndedAt:   &end,
	}))

	rep, err := rig.mgr.GetStatus(ctx, "done-call")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, rep.Status)
	assert.Equal(t, SourceStore, rep.Source)
	assert.Equal(t, 30*time.Second, rep.Duration)
	assert.Empty(t, rig.srv.ActionsNamed("Status"))
}

func TestStatusUnknownCall(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)
	_, err := rig.mgr.GetStatus(context.Background(), "ghost")
	require.ErrorIs(t, err, callerr.ErrNotFound)
	assert.Empty(t, rig.srv.ActionsNamed("Status"))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name string
		resp ami.Message
		want registry.Status
	}{
		{"up", ami.NewMessage("Response", "Success", "State", "Up"), registry.StatusInProgress},
		{"ringing", ami.NewMessage("Response", "Success", "State", "Ringing"), registry.StatusRinging},
		{"no channel", ami.NewMessage("Response", "Error", "Message", "No such channel"), registry.StatusCompleted},
		{"down", ami.NewMessage("Response", "Success", "State", "Down"), registry.StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStatus(tt.resp))
		})
	}

	withList := ami.NewMessage("Response", "Success", "EventList", "start")
	withList.Events = []ami.Message{ami.NewMessage("Event", "Status", "ChannelStateDesc", "Ring")}
	assert.Equal(t, registry.StatusRinging, classifyStatus(withList))
}

func TestAsteriskDTMF(t *testing.T) {
	rig := newAsteriskRig(t, nil, nil)
	ctx := context.Background()
	s, err := rig.mgr.StartCall(ctx, StartRequest{To: "+15551234567", VoiceID: "7"})
	require.NoError(t, err)

	rig.srv.Push(varSet(s.ID))
	require.Eventually(t, func() bool {
		got, _ := rig.reg.Get(s.ID)
		return got.Channel == trunk
	}, 2*time.Second, 5*time.Millisecond)

	res, err := rig.mgr.HandleDTMF(ctx, s.ID, "1")
	require.NoError(t, err)
	assert.Equal(t, DTMFOriginal, res.Action)
	got, _ := rig.reg.Get(s.ID)
	assert.Empty(t, got.VoiceID)
	assert.True(t, got.Parameters.IsZero())

	setvars := rig.srv.ActionsNamed("Setvar")
	require.Len(t, setvars, 4)
	assert.Equal(t, trunk, setvars[0].Get("Channel"))
	assert.Equal(t, "VOICE_ID", setvars[0].Get("Variable"))
	assert.Equal(t, "", setvars[0].Get("Value"))

	res, err = rig.mgr.HandleDTMF(ctx, s.ID, "2")
	require.NoError(t, err)
	assert.Equal(t, DTMFTransform, res.Action)
	assert.Equal(t, "7", res.VoiceID)
	got, _ = rig.reg.Get(s.ID)
	assert.Equal(t, "7", got.VoiceID)
	assert.Equal(t, voice.Parameters{Pitch: -3, Formant: -20, Effect: voice.EffectNone}, got.Parameters)
	assert.Len(t, rig.srv.ActionsNamed("Setvar"), 8)

	res, err = rig.mgr.HandleDTMF(ctx, s.ID, "9")
	require.NoError(t, err)
	assert.Equal(t, DTMFRetry, res.Action)
	assert.Equal(t, promptRetry, res.Prompt)
	assert.Len(t, rig.srv.ActionsNamed("Setvar"), 8)

	_, err = rig.mgr.HandleDTMF(ctx, "ghost", "1")
	assert.ErrorIs(t, err, callerr.ErrNotFound)
}

func TestAsteriskDialplan(t *testing.T) {
	mgr := NewAsterisk(nil, registry.New(), nil, AsteriskOptions{AGIAddr: "10.0.0.5:4573"})

	plan, err := mgr.Dialplan("7")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plan, "[from-internal]\n"))
	assert.Contains(t, plan, "exten => 1000,1,NoOp(voicebridge)")
	assert.Contains(t, plan, "same => n,Set(VOICE_ID=7)")
	assert.Contains(t, plan, "same => n,AGI(agi://10.0.0.5:4573,7)")
	assert.Contains(t, plan, "same => n,Hangup()")

	plan, err = mgr.Dialplan("")
	require.NoError(t, err)
	assert.Contains(t, plan, "AGI(agi://10.0.0.5:4573)")
	assert.NotContains(t, plan, "Set(VOICE_ID")
}
