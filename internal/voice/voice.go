// Package voice holds per-voice transformation parameters and the
// read-through cache call-control sessions share.
package voice

import "strconv"

// Effect is carried opaquely to the switch.
type Effect string

const (
	EffectNone   Effect = "none"
	EffectReverb Effect = "reverb"
	EffectRobot  Effect = "robot"
	EffectEcho   Effect = "echo"
	EffectAlien  Effect = "alien"
)

// Valid reports whether e is one of the known effects. The empty effect is
// treated as none.
func (e Effect) Valid() bool {
	switch e {
	case "", EffectNone, EffectReverb, EffectRobot, EffectEcho, EffectAlien:
		return true
	}
	return false
}

// Parameters are the transformation settings for one voice.
type Parameters struct {
	Pitch   int    `json:"pitch"`
	Formant int    `json:"formant"`
	Effect  Effect `json:"effect"`
}

// IsZero reports whether p is the empty parameter set returned for unknown
// voices.
func (p Parameters) IsZero() bool {
	return p == Parameters{}
}

// Voice is a catalogue entry.
type Voice struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type,omitempty"`
	Accent     string     `json:"accent,omitempty"`
	Parameters Parameters `json:"parameters"`
}

// Variable is one channel variable handed to the switch.
type Variable struct {
	Name  string
	Value string
}

// Variables returns the channel variables describing id and p, in the order
// the dialplan reads them.
func Variables(id string, p Parameters) []Variable {
	effect := p.Effect
	if effect == "" {
		effect = EffectNone
	}
	return []Variable{
		{"VOICE_ID", id},
		{"VOICE_PITCH", strconv.Itoa(p.Pitch)},
		{"VOICE_FORMANT", strconv.Itoa(p.Formant)},
		{"VOICE_EFFECT", string(effect)},
	}
}
