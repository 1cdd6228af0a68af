// Package store persists voices and call sessions. Memory is the default;
// Postgres and Redis back production deployments.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/registry"
	"github.com/sweeney/voicebridge/internal/voice"
)

// Catalogue is the built-in set of character voices.
var Catalogue = []voice.Voice{
	{ID: "1", Name: "Alien Voice", Type: "fictional", Accent: "alien", Parameters: voice.Parameters{Pitch: -3, Formant: -30, Effect: voice.EffectAlien}},
	{ID: "2", Name: "Robot Voice", Type: "fictional", Accent: "neutral", Parameters: voice.Parameters{Pitch: -2, Formant: -15, Effect: voice.EffectRobot}},
	{ID: "3", Name: "Chipmunk Voice", Type: "fictional", Accent: "neutral", Parameters: voice.Parameters{Pitch: 10, Formant: 50, Effect: voice.EffectNone}},
	{ID: "4", Name: "Deep Voice", Type: "fictional", Accent: "neutral", Parameters: voice.Parameters{Pitch: -6, Formant: -40, Effect: voice.EffectReverb}},
	{ID: "5", Name: "Canyon Echo", Type: "fictional", Accent: "neutral", Parameters: voice.Parameters{Pitch: -1, Formant: -5, Effect: voice.EffectEcho}},
	{ID: "6", Name: "Bright Soprano", Type: "character", Accent: "american", Parameters: voice.Parameters{Pitch: 5, Formant: 20, Effect: voice.EffectNone}},
	{ID: "7", Name: "Baritone Narrator", Type: "character", Accent: "american", Parameters: voice.Parameters{Pitch: -3, Formant: -20, Effect: voice.EffectNone}},
	{ID: "8", Name: "Cathedral Bass", Type: "character", Accent: "british", Parameters: voice.Parameters{Pitch: -5, Formant: -40, Effect: voice.EffectReverb}},
}

// Memory keeps everything in maps. It satisfies voice.Store and
// registry.Store.
type Memory struct {
	mu       sync.RWMutex
	voices   map[string]voice.Voice
	sessions map[string]registry.Session
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		voices:   make(map[string]voice.Voice),
		sessions: make(map[string]registry.Session),
	}
}

// NewSeededMemory returns a store holding Catalogue.
func NewSeededMemory() *Memory {
	m := NewMemory()
	for _, v := range Catalogue {
		m.voices[v.ID] = v
	}
	return m
}

func (m *Memory) Lookup(_ context.Context, id string) (voice.Parameters, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.voices[id]
	return v.Parameters, ok, nil
}

// PutVoice adds or replaces v.
func (m *Memory) PutVoice(_ context.Context, v voice.Voice) error {
	if v.ID == "" {
		return fmt.Errorf("voice id is required")
	}
	if !v.Parameters.Effect.Valid() {
		return fmt.Errorf("voice %s: unknown effect %q", v.ID, v.Parameters.Effect)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voices[v.ID] = v
	return nil
}

// Voices returns every voice ordered by id.
func (m *Memory) Voices(_ context.Context) ([]voice.Voice, error) {
	m.mu.RLock()
	out := make([]voice.Voice, 0, len(m.voices))
	for _, v := range m.voices {
		out = append(out, v)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveSession(_ context.Context, s registry.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status registry.Status, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", callerr.ErrNotFound, id)
	}
	s.Status = status
	if endedAt != nil {
		t := *endedAt
		s.EndedAt = &t
	}
	m.sessions[id] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (registry.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return registry.Session{}, fmt.Errorf("%w: session %s", callerr.ErrNotFound, id)
	}
	return copySession(s), nil
}

func copySession(s registry.Session) registry.Session {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}
