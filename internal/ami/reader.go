package ami

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sweeney/voicebridge/internal/callerr"
)

// Reader reads an AMI byte stream and emits Messages.
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a Reader that reads from the given reader.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// ReadBanner reads the single greeting line the switch sends on connect,
// e.g. "Asterisk Call Manager/5.0.1".
func (p *Reader) ReadBanner() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading banner: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Next reads the next blank-line-terminated block.
// It returns io.EOF when the stream ends between blocks and a wrapped
// callerr.ErrProtocol when it ends inside one.
func (p *Reader) Next() (Message, error) {
	var (
		headers []Header
		raw     strings.Builder
	)

	for {
		line, err := p.r.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				if len(headers) > 0 {
					return Message{}, fmt.Errorf("%w: unterminated block", callerr.ErrProtocol)
				}
				return Message{}, io.EOF
			}
			return Message{}, err
		}

		// Strip trailing \r\n (AMI uses \r\n)
		line = strings.TrimRight(line, "\r\n")

		// Blank line marks end of a block
		if line == "" {
			if err != nil {
				if len(headers) == 0 {
					return Message{}, io.EOF
				}
				return Message{}, fmt.Errorf("%w: unterminated block", callerr.ErrProtocol)
			}
			if len(headers) > 0 {
				return Message{headers: headers, raw: raw.String()}, nil
			}
			continue
		}

		raw.WriteString(line)
		raw.WriteString("\r\n")

		idx := strings.Index(line, ":")
		if idx < 0 {
			// Banner-like lines outside a block are skipped; inside a block
			// they are kept with an empty key (command output).
			if len(headers) > 0 {
				headers = append(headers, Header{Key: "", Value: line})
			} else {
				raw.Reset()
			}
		} else {
			headers = append(headers, Header{
				Key:   strings.TrimSpace(line[:idx]),
				Value: strings.TrimSpace(line[idx+1:]),
			})
		}

		if err != nil {
			// Partial final line with no terminator.
			return Message{}, fmt.Errorf("%w: unterminated block", callerr.ErrProtocol)
		}
	}
}

// ParseAll reads every block from the stream, keeping a trailing block
// that lacks its blank line. Intended for capture files, not live sockets.
func ParseAll(r io.Reader) []Message {
	br := bufio.NewReader(r)
	var (
		msgs    []Message
		headers []Header
		raw     strings.Builder
	)
	flush := func() {
		if len(headers) > 0 {
			msgs = append(msgs, Message{headers: headers, raw: raw.String()})
		}
		headers = nil
		raw.Reset()
	}
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			flush()
		} else if idx := strings.Index(line, ":"); idx >= 0 {
			headers = append(headers, Header{
				Key:   strings.TrimSpace(line[:idx]),
				Value: strings.TrimSpace(line[idx+1:]),
			})
			raw.WriteString(line + "\r\n")
		} else if len(headers) > 0 {
			headers = append(headers, Header{Value: line})
			raw.WriteString(line + "\r\n")
		}
		if err != nil {
			flush()
			return msgs
		}
	}
}

// ParseBytes is a convenience function that parses all blocks from a byte slice.
func ParseBytes(data []byte) []Message {
	return ParseAll(strings.NewReader(string(data)))
}
