package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sweeney/voicebridge/internal/ami"
	"github.com/sweeney/voicebridge/internal/callerr"
)

type captureOptions struct {
	Addr     string
	Username string
	Secret   string
	OutDir   string
	// Events limits the capture to these event names. Empty keeps all.
	Events []string
	Logger *slog.Logger
}

// capture logs in and writes every block to a timestamped file under
// OutDir until ctx ends or the switch closes the connection. It returns
// the number of blocks written and the file path.
func capture(ctx context.Context, opts captureOptions) (int, string, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := d.DialContext(dialCtx, "tcp", opts.Addr)
	cancel()
	if err != nil {
		return 0, "", fmt.Errorf("%w: dialing %s: %w", callerr.ErrConnection, opts.Addr, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return 0, "", fmt.Errorf("creating %s: %w", opts.OutDir, err)
	}
	path := filepath.Join(opts.OutDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("creating capture: %w", err)
	}
	defer f.Close()

	n, err := record(conn, f, opts)
	if ctx.Err() != nil {
		return n, path, nil
	}
	return n, path, err
}

// record runs the login exchange on rw and copies blocks to w.
func record(rw io.ReadWriter, w io.Writer, opts captureOptions) (int, error) {
	rd := ami.NewReader(rw)
	banner, err := rd.ReadBanner()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", callerr.ErrConnection, err)
	}
	if _, err := io.WriteString(w, banner+"\r\n"); err != nil {
		return 0, fmt.Errorf("writing capture: %w", err)
	}
	opts.Logger.Info("connected", "addr", opts.Addr, "banner", banner)

	login := ami.NewAction("Login").Set("Username", opts.Username).Set("Secret", opts.Secret)
	login.ActionID = ami.NewActionID()
	if _, err := rw.Write(login.Encode()); err != nil {
		return 0, fmt.Errorf("sending login: %w", err)
	}

	keep := make(map[string]bool, len(opts.Events))
	for _, e := range opts.Events {
		keep[strings.ToLower(e)] = true
	}

	loggedIn := false
	n := 0
	for {
		msg, err := rd.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return n, nil
			}
			return n, err
		}

		if !loggedIn && msg.IsResponse() && msg.ActionID() == login.ActionID {
			if !msg.IsSuccess() {
				return n, fmt.Errorf("%w: %s", callerr.ErrAuth, msg.Get("Message"))
			}
			loggedIn = true
			opts.Logger.Info("authenticated, streaming events")
			continue
		}
		if len(keep) > 0 && !keep[strings.ToLower(msg.Type())] {
			continue
		}

		if _, err := io.WriteString(w, msg.Raw()+"\r\n"); err != nil {
			return n, fmt.Errorf("writing capture: %w", err)
		}
		n++
		if n%100 == 0 {
			opts.Logger.Info("still capturing", "blocks", n)
		}
	}
}
