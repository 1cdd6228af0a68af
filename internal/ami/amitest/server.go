// Package amitest provides a scriptable fake management-interface peer for
// tests.
package amitest

import (
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/sweeney/voicebridge/internal/ami"
)

const Banner = "Asterisk Call Manager/5.0.1"

// Handler returns the blocks to write back for one received action.
// Returning nil sends nothing (useful for timeouts).
type Handler func(action ami.Message) []ami.Message

// Server accepts management connections on a loopback port.
type Server struct {
	ln      net.Listener
	handler Handler

	mu      sync.Mutex
	actions []ami.Message
	conns   map[net.Conn]*sync.Mutex
	accepts int

	wg sync.WaitGroup
}

// NewServer starts a server that answers with h and closes on test cleanup.
func NewServer(t testing.TB, h Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if h == nil {
		h = Accept("admin", "secret")
	}
	s := &Server{ln: ln, handler: h, conns: map[net.Conn]*sync.Mutex{}}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port of the listener.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Accepts returns how many connections were accepted.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// Actions returns every action received so far.
func (s *Server) Actions() []ami.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ami.Message, len(s.actions))
	copy(out, s.actions)
	return out
}

// ActionsNamed returns received actions with the given Action name.
func (s *Server) ActionsNamed(name string) []ami.Message {
	var out []ami.Message
	for _, a := range s.Actions() {
		if strings.EqualFold(a.Get("Action"), name) {
			out = append(out, a)
		}
	}
	return out
}

// Push writes unsolicited blocks to every open connection.
func (s *Server) Push(msgs ...ami.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, wmu := range s.conns {
		wmu.Lock()
		for _, m := range msgs {
			conn.Write(Encode(m))
		}
		wmu.Unlock()
	}
}

// DropConnections closes every open connection, keeping the listener.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
}

// Close stops the listener and every connection.
func (s *Server) Close() {
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		wmu := &sync.Mutex{}
		s.mu.Lock()
		s.conns[conn] = wmu
		s.accepts++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn, wmu)
	}
}

func (s *Server) handle(conn net.Conn, wmu *sync.Mutex) {
	defer s.wg.Done()
	defer conn.Close()

	wmu.Lock()
	_, err := conn.Write([]byte(Banner + "\r\n"))
	wmu.Unlock()
	if err != nil {
		return
	}

	rd := ami.NewReader(conn)
	for {
		action, err := rd.Next()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.actions = append(s.actions, action)
		s.mu.Unlock()

		out := s.handler(action)
		wmu.Lock()
		for _, m := range out {
			if m.Get(dropKey) != "" {
				wmu.Unlock()
				return
			}
			if _, err := conn.Write(Encode(m)); err != nil {
				wmu.Unlock()
				return
			}
		}
		wmu.Unlock()
	}
}

const dropKey = "X-Amitest-Drop"

// Drop, returned from a Handler, makes the server close the connection
// instead of writing further blocks.
var Drop = ami.NewMessage(dropKey, "1")

// Encode renders m as a wire block.
func Encode(m ami.Message) []byte {
	var b strings.Builder
	for _, h := range m.Headers() {
		b.WriteString(h.Key + ": " + h.Value + "\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Reply builds a response to action, echoing its ActionID.
func Reply(action ami.Message, response string, kvs ...string) ami.Message {
	all := append([]string{"Response", response, "ActionID", action.ActionID()}, kvs...)
	return ami.NewMessage(all...)
}

// Accept is a handler that authenticates username/secret and answers every
// other action with Success.
func Accept(username, secret string) Handler {
	return func(a ami.Message) []ami.Message {
		if strings.EqualFold(a.Get("Action"), "Login") {
			return []ami.Message{Login(a, username, secret)}
		}
		return []ami.Message{Reply(a, "Success")}
	}
}

// Login answers a Login action the way Asterisk does.
func Login(a ami.Message, username, secret string) ami.Message {
	if a.Get("Username") == username && a.Get("Secret") == secret {
		return Reply(a, "Success", "Message", "Authentication accepted")
	}
	return Reply(a, "Error", "Message", "Authentication failed")
}
