// Package callerr holds the failure kinds shared by the call-control server,
// the management client and the call managers.
package callerr

import "errors"

var (
	// ErrConnection means the switch could not be reached or the socket broke.
	ErrConnection = errors.New("connection error")
	// ErrAuth means the switch rejected the login.
	ErrAuth = errors.New("authentication rejected")
	// ErrProtocol means a block or line was malformed or unterminated.
	ErrProtocol = errors.New("protocol error")
	// ErrNotConfigured means credentials or provider settings are missing.
	ErrNotConfigured = errors.New("not configured")
	// ErrNotFound means the call id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrCommandTimeout means no response arrived before the deadline.
	ErrCommandTimeout = errors.New("command timeout")
)

var kinds = []struct {
	err   error
	label string
}{
	{ErrConnection, "connection"},
	{ErrAuth, "auth"},
	{ErrProtocol, "protocol"},
	{ErrNotConfigured, "not_configured"},
	{ErrNotFound, "not_found"},
	{ErrCommandTimeout, "timeout"},
}

// Kind returns a short label for err suitable for log fields and metric labels.
// nil maps to "ok" and anything outside the taxonomy to "other".
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "other"
}
