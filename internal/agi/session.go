package agi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/looplab/fsm"

	"github.com/sweeney/voicebridge/internal/metrics"
	"github.com/sweeney/voicebridge/internal/voice"
)

// Session states.
const (
	StateReadingEnv = "reading_env"
	StateReady      = "ready"
	StateClosed     = "closed"
)

const (
	eventReady = "ready"
	eventClose = "close"
)

// transformApp is the dialplan application that selects a voice.
const transformApp = "VoiceTransform"

// session serves one call-control connection.
type session struct {
	conn    net.Conn
	rd      *bufio.Reader
	cache   *voice.Cache
	log     *slog.Logger
	metrics *metrics.Metrics
	fsm     *fsm.FSM

	env     Environment
	voiceID string
	params  voice.Parameters
}

func newSession(conn net.Conn, cache *voice.Cache, log *slog.Logger, m *metrics.Metrics) *session {
	s := &session{
		conn:    conn,
		rd:      bufio.NewReader(conn),
		cache:   cache,
		log:     log,
		metrics: m,
	}
	s.fsm = fsm.NewFSM(
		StateReadingEnv,
		fsm.Events{
			{Name: eventReady, Src: []string{StateReadingEnv}, Dst: StateReady},
			{Name: eventClose, Src: []string{StateReadingEnv, StateReady}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debug("session state", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

func (s *session) state() string {
	return s.fsm.Current()
}

// run reads the environment, then commands until HANGUP, EOF or an error.
// The connection is closed on return.
func (s *session) run(ctx context.Context) error {
	defer s.close()

	env, err := ReadEnvironment(s.rd)
	if err != nil {
		return err
	}
	s.env = env
	s.voiceID = env.VoiceID()
	if err := s.fsm.Event(ctx, eventReady); err != nil {
		return fmt.Errorf("entering ready: %w", err)
	}
	s.log = s.log.With("channel", env["agi_channel"], "unique_id", env["agi_uniqueid"])
	s.log.Info("session ready", "voice_id", s.voiceID)

	if err := s.write(readyLine); err != nil {
		return err
	}
	if s.voiceID != "" {
		s.lookup(ctx)
	}

	for {
		raw, err := s.rd.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.log.Debug("peer closed session")
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		done, err := s.dispatch(ctx, line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// dispatch answers one command. It reports true once the session is over.
func (s *session) dispatch(ctx context.Context, line string) (bool, error) {
	cmd, err := ParseCommand(line)
	if err != nil {
		return false, err
	}
	s.metrics.AGICommand(cmd.Verb)
	s.log.Debug("command", "verb", cmd.Verb, "line", line)

	switch cmd.Verb {
	case VerbExec:
		if !strings.EqualFold(cmd.App(), transformApp) {
			return false, s.write(Reply(0))
		}
		if len(cmd.Quoted) > 0 {
			s.voiceID = cmd.Quoted[0]
			s.lookup(ctx)
		}
		return false, s.write(Reply(1))

	case VerbStreamFile:
		return false, s.write(Reply(0))

	case VerbHangup:
		if err := s.write(Reply(1)); err != nil {
			return true, err
		}
		return true, nil

	case VerbGetVariable:
		name, err := cmd.VariableName()
		if err != nil {
			return false, err
		}
		if name == "VOICE_ID" {
			return false, s.write(ReplyValue(1, s.voiceID))
		}
		return false, s.write(ReplyValue(0, ""))
	}
	return false, s.write(Reply(0))
}

// lookup loads the active voice's parameters. A failed lookup keeps the
// session running with the previous parameters.
func (s *session) lookup(ctx context.Context) {
	if s.cache == nil {
		return
	}
	p, err := s.cache.Get(ctx, s.voiceID)
	if err != nil {
		s.log.Warn("voice lookup failed", "voice_id", s.voiceID, "error", err)
		return
	}
	s.params = p
	s.log.Info("voice selected", "voice_id", s.voiceID,
		"pitch", p.Pitch, "formant", p.Formant, "effect", p.Effect)
}

func (s *session) write(line string) error {
	if _, err := io.WriteString(s.conn, line); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

func (s *session) close() {
	if s.fsm.Can(eventClose) {
		_ = s.fsm.Event(context.Background(), eventClose)
	}
	_ = s.conn.Close()
}
