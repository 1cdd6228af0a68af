package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/voicebridge/internal/registry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func parsePayload(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return m
}

func TestTopic(t *testing.T) {
	if got := Topic("voicebridge", "abc", registry.StatusInProgress); got != "voicebridge/call/abc/in-progress" {
		t.Errorf("unexpected topic %q", got)
	}
}

func TestCallEventPayload(t *testing.T) {
	end := t0.Add(95 * time.Second)
	s := registry.Session{
		ID:          "abc",
		PhoneNumber: "+15551234567",
		VoiceID:     "7",
		Status:      registry.StatusCompleted,
		Channel:     "PJSIP/trunk-00000007",
		StartedAt:   t0,
		EndedAt:     &end,
	}
	data, err := json.Marshal(NewCallEvent(s, end))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	p := parsePayload(t, data)

	for key, want := range map[string]any{
		"event":            "completed",
		"description":      "The call has ended",
		"call_id":          "abc",
		"phone_number":     "+15551234567",
		"voice_id":         "7",
		"channel":          "PJSIP/trunk-00000007",
		"timestamp":        "2026-03-01T12:01:35Z",
		"duration_seconds": 95.0,
	} {
		if p[key] != want {
			t.Errorf("expected %s=%v, got %v", key, want, p[key])
		}
	}
}

func TestCallEventOmitsDurationWhileLive(t *testing.T) {
	data, _ := json.Marshal(NewCallEvent(registry.Session{ID: "abc", Status: registry.StatusRinging, StartedAt: t0}, t0))
	if strings.Contains(string(data), "duration_seconds") {
		t.Errorf("expected no duration for a live call, got %s", data)
	}
}

func TestNotifierPublishesStatusChanges(t *testing.T) {
	rec := NewRecorder()
	n := NewNotifier(rec, "vb", WithNotifierClock(func() time.Time { return t0 }))
	reg := registry.New(registry.WithListener(n.Listener()), registry.WithClock(func() time.Time { return t0 }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	reg.Create(ctx, registry.Session{ID: "c1", PhoneNumber: "+15551234567"})
	reg.SetChannel(ctx, "c1", "PJSIP/trunk-1")
	reg.OnCallEvent(ctx, "c1", registry.StatusRinging)
	reg.OnCallEvent(ctx, "c1", registry.StatusRinging)
	reg.OnCallEvent(ctx, "c1", registry.StatusCompleted)

	msgs := rec.WaitFor(3, time.Second)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, suffix := range []string{"/initiated", "/ringing", "/completed"} {
		if !strings.HasSuffix(msgs[i].Topic, suffix) {
			t.Errorf("message %d: expected topic suffix %s, got %s", i, suffix, msgs[i].Topic)
		}
		if !strings.HasPrefix(msgs[i].Topic, "vb/call/c1/") {
			t.Errorf("message %d: unexpected topic %s", i, msgs[i].Topic)
		}
	}

	ringing := parsePayload(t, msgs[1].Payload)
	if ringing["channel"] != "PJSIP/trunk-1" {
		t.Errorf("expected learned channel in payload, got %v", ringing["channel"])
	}
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	rec := NewRecorder()
	n := NewNotifier(rec, "vb", WithQueueSize(1))
	listen := n.Listener()

	listen(registry.Change{Session: registry.Session{ID: "a", Status: registry.StatusInitiated}})
	listen(registry.Change{Session: registry.Session{ID: "b", Status: registry.StatusInitiated}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	msgs := rec.WaitFor(2, 50*time.Millisecond)
	if len(msgs) != 1 {
		t.Fatalf("expected only the queued change published, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Topic, "/a/") {
		t.Errorf("expected first change kept, got %s", msgs[0].Topic)
	}
}
