package ami

import (
	"strings"

	"github.com/google/uuid"
)

// Action is a request sent to the management interface. Fields keep their
// insertion order; repeated keys (Variable) are allowed.
type Action struct {
	Name     string
	ActionID string
	fields   []Header
}

// NewAction creates an action with a fresh ActionID.
func NewAction(name string) *Action {
	return &Action{Name: name, ActionID: NewActionID()}
}

// NewActionID returns a random correlation token.
func NewActionID() string {
	return uuid.NewString()
}

// Set appends a field. Empty keys are ignored.
func (a *Action) Set(key, value string) *Action {
	if key == "" {
		return a
	}
	a.fields = append(a.fields, Header{Key: key, Value: value})
	return a
}

// Variable appends a "Variable: name=value" field.
func (a *Action) Variable(name, value string) *Action {
	return a.Set("Variable", name+"="+value)
}

// Fields returns the fields in order, excluding Action and ActionID.
func (a *Action) Fields() []Header {
	return a.fields
}

// Get returns the first value for key, matching case-insensitively.
func (a *Action) Get(key string) string {
	for _, f := range a.fields {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// Encode renders the action as a wire block terminated by a blank line.
// Line breaks inside values are flattened so a value cannot end the block.
func (a *Action) Encode() []byte {
	var b strings.Builder
	b.WriteString("Action: " + a.Name + "\r\n")
	if a.ActionID != "" {
		b.WriteString("ActionID: " + a.ActionID + "\r\n")
	}
	for _, f := range a.fields {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(sanitize(f.Value))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

var valueReplacer = strings.NewReplacer("\r", " ", "\n", " ")

func sanitize(v string) string {
	return valueReplacer.Replace(v)
}
