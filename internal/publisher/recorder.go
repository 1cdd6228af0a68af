package publisher

import (
	"context"
	"sync"
	"time"
)

// Message records a single published message.
type Message struct {
	Topic   string
	Payload []byte
}

// Recorder is an in-memory Publisher for tests and dry runs.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	err      error
	notify   chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	r.messages = append(r.messages, Message{Topic: topic, Payload: p})
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Messages returns a copy of all published messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]Message, len(r.messages))
	copy(msgs, r.messages)
	return msgs
}

// WaitFor blocks until at least n messages were recorded or timeout passes,
// and returns what was recorded.
func (r *Recorder) WaitFor(n int, timeout time.Duration) []Message {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if msgs := r.Messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Messages()
		}
	}
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// SetError causes all subsequent Publish calls to return err.
// Pass nil to clear.
func (r *Recorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}
