// Package agi implements the FastAGI call-control server the switch dials
// once per active call.
//
// A connection starts with an environment block of "agi_key: value" lines
// ended by a blank line, followed by one command per line. Every command is
// answered with a single "200 result=<n>" line.
package agi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sweeney/voicebridge/internal/callerr"
)

// Environment is the variable block sent at the start of a session.
type Environment map[string]string

// VoiceID returns the voice passed as the first script argument.
func (e Environment) VoiceID() string {
	return e["agi_arg_1"]
}

// ReadEnvironment reads lines up to the first blank one. A line without a
// colon, or the connection closing before the blank line, is a protocol
// error.
func ReadEnvironment(rd *bufio.Reader) (Environment, error) {
	env := Environment{}
	for {
		raw, err := rd.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: connection closed inside environment block", callerr.ErrProtocol)
			}
			return nil, fmt.Errorf("reading environment: %w", err)
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			return env, nil
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: environment line without colon: %q", callerr.ErrProtocol, line)
		}
		env[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// QuotedArgs returns the double-quoted arguments of line in order. An
// opening quote without its closing quote is a protocol error.
func QuotedArgs(line string) ([]string, error) {
	var args []string
	rest := line
	for {
		open := strings.IndexByte(rest, '"')
		if open < 0 {
			return args, nil
		}
		rest = rest[open+1:]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated quote in %q", callerr.ErrProtocol, line)
		}
		args = append(args, rest[:end])
		rest = rest[end+1:]
	}
}

// Command verbs, also used as metric labels.
const (
	VerbExec        = "exec"
	VerbStreamFile  = "stream_file"
	VerbHangup      = "hangup"
	VerbGetVariable = "get_variable"
	VerbOther       = "other"
)

// Command is one parsed line. Args holds the words after the verb with
// quotes kept, Quoted the contents of every quoted argument.
type Command struct {
	Verb   string
	Line   string
	Args   string
	Quoted []string
}

var verbs = []struct {
	prefix string
	verb   string
}{
	{"EXEC", VerbExec},
	{"STREAM FILE", VerbStreamFile},
	{"HANGUP", VerbHangup},
	{"GET VARIABLE", VerbGetVariable},
}

// ParseCommand classifies line by its verb, ignoring case.
func ParseCommand(line string) (Command, error) {
	cmd := Command{Verb: VerbOther, Line: line}
	for _, v := range verbs {
		n := len(v.prefix)
		if len(line) < n || !strings.EqualFold(line[:n], v.prefix) {
			continue
		}
		if len(line) > n && line[n] != ' ' && line[n] != '\t' {
			continue
		}
		cmd.Verb = v.verb
		cmd.Args = strings.TrimSpace(line[n:])
		break
	}
	if cmd.Verb == VerbOther {
		return cmd, nil
	}
	quoted, err := QuotedArgs(cmd.Args)
	if err != nil {
		return Command{}, err
	}
	cmd.Quoted = quoted
	return cmd, nil
}

// App returns the application name of an EXEC command.
func (c Command) App() string {
	app, _, _ := strings.Cut(c.Args, " ")
	return strings.Trim(app, `"`)
}

// VariableName returns the name GET VARIABLE asks for, quoted or bare.
func (c Command) VariableName() (string, error) {
	if len(c.Quoted) > 0 {
		if c.Quoted[0] == "" {
			return "", fmt.Errorf("%w: GET VARIABLE with empty name", callerr.ErrProtocol)
		}
		return c.Quoted[0], nil
	}
	name := strings.TrimSpace(c.Args)
	if name == "" {
		return "", fmt.Errorf("%w: GET VARIABLE without a name", callerr.ErrProtocol)
	}
	name, _, _ = strings.Cut(name, " ")
	return name, nil
}

// Reply renders "200 result=<n>\n".
func Reply(result int) string {
	return fmt.Sprintf("200 result=%d\n", result)
}

// ReplyValue renders `200 result=<n> "<value>"` followed by a newline.
func ReplyValue(result int, value string) string {
	return fmt.Sprintf("200 result=%d \"%s\"\n", result, value)
}

const readyLine = "200 status=ready\n"
