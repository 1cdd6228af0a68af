package ami

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sweeney/voicebridge/internal/callerr"
)

// VerifyLogin opens a fresh connection to opts.Addr, logs in with the given
// credentials and logs off again. It returns the switch banner. The client's
// own connection is not touched. Only Addr, Username, Secret, Dial,
// DialTimeout and CommandTimeout are used.
func VerifyLogin(ctx context.Context, opts Options) (string, error) {
	opts = opts.withDefaults()
	if opts.Username == "" || opts.Secret == "" {
		return "", fmt.Errorf("%w: username and secret are required", callerr.ErrNotConfigured)
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	conn, err := opts.Dial(dialCtx, "tcp", opts.Addr)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %w", callerr.ErrConnection, opts.Addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(opts.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	rd := NewReader(conn)
	banner, err := rd.ReadBanner()
	if err != nil {
		return "", fmt.Errorf("%w: %w", callerr.ErrConnection, classifyTimeout(err))
	}
	if err := login(conn, rd, opts.Username, opts.Secret); err != nil {
		return banner, classifyTimeout(err)
	}
	_, _ = conn.Write(NewAction("Logoff").Encode())
	return banner, nil
}

// classifyTimeout marks socket deadline errors as command timeouts.
func classifyTimeout(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", callerr.ErrCommandTimeout, err)
	}
	return err
}
