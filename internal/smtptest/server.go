// Package smtptest provides a scripted SMTP submission server for tests.
//
// The server speaks enough ESMTP to exercise a submission client: EHLO,
// STARTTLS, AUTH XOAUTH2, MAIL, RCPT, DATA, RSET, NOOP and QUIT. Replies can
// be overridden per command and the server can be told to stop answering at
// a given point to simulate a stalled peer.
package smtptest

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"
)

// Message is a message accepted by the server.
type Message struct {
	// User is the identity from AUTH, empty when the session never authenticated.
	User       string
	Sender     string
	Recipients []string
	Header     textproto.MIMEHeader
	Data       []byte
}

// Server is a scripted SMTP server. Configure the exported fields before
// calling Start.
type Server struct {
	// Hostname is announced in the greeting and the EHLO reply.
	Hostname string

	// TLSConfig enables STARTTLS. When nil STARTTLS is not advertised.
	TLSConfig *tls.Config

	// ImplicitTLS makes the listener speak TLS from the first byte. It
	// requires TLSConfig.
	ImplicitTLS bool

	// AuthMechanisms are advertised once the session is under TLS (or
	// immediately when TLSConfig is nil). Defaults to XOAUTH2.
	AuthMechanisms []string

	// Authenticate checks an XOAUTH2 identity and bearer token. A nil
	// Authenticate accepts everything. Returning a *textproto.Error controls
	// the reply, any other error is reported as ErrAuthInvalid.
	Authenticate func(user, token string) error

	// AuthChallenge, when set, is sent base64-encoded in a 334 reply before
	// a failed authentication is reported, the way Exchange Online does.
	AuthChallenge string

	// RepeatChallenge makes the server answer every response to the
	// challenge with the challenge again, until the client aborts.
	RepeatChallenge bool

	// Replies override the reply to a command verb such as "MAIL", "RCPT"
	// or "EHLO". "DATA" overrides the reply after the message body.
	Replies map[string]*textproto.Error

	// Stall makes the server stop answering when it receives the given verb.
	// "CONNECT" stalls before the greeting.
	Stall string

	// ReadTimeout bounds every read from a client. Defaults to 10s.
	ReadTimeout time.Duration

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	commands []string
	messages []Message
	conns    map[net.Conn]struct{}
	closed   bool
}

// Start listens on a random loopback port and serves until the test ends.
// It returns the listening address.
func (s *Server) Start(tb testing.TB) string {
	tb.Helper()

	if s.Hostname == "" {
		s.Hostname = "localhost"
	}
	if len(s.AuthMechanisms) == 0 {
		s.AuthMechanisms = []string{"XOAUTH2"}
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 10 * time.Second
	}
	if s.ImplicitTLS && s.TLSConfig == nil {
		tb.Fatal("smtptest: ImplicitTLS requires TLSConfig")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("smtptest: listen: %v", err)
	}

	if s.ImplicitTLS {
		ln = tls.NewListener(ln, s.TLSConfig)
	}

	s.ln = ln
	s.conns = map[net.Conn]struct{}{}

	s.wg.Add(1)
	go s.serve()

	tb.Cleanup(s.Close)

	return ln.Addr().String()
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)

			sess := s.newSession(conn)
			sess.serve()
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}

	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, conn)
	_ = conn.Close()
}

// Close stops the listener, drops open sessions and waits for them to end.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	_ = s.ln.Close()
	s.wg.Wait()
}

// Commands returns the command lines received so far, in order. AUTH
// payloads are not recorded.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

// Verbs returns the upper-cased command verbs received so far.
func (s *Server) Verbs() []string {
	cmds := s.Commands()

	verbs := make([]string, 0, len(cmds))
	for _, c := range cmds {
		verb, _, _ := strings.Cut(c, " ")
		verbs = append(verbs, strings.ToUpper(verb))
	}

	return verbs
}

// Messages returns the messages accepted so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Message(nil), s.messages...)
}

func (s *Server) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, line)
}

func (s *Server) deliver(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, m)
}

func (s *Server) newSession(conn net.Conn) *session {
	sess := &session{
		server: s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
	sess.scanner = bufio.NewScanner(sess.reader)

	if _, ok := conn.(*tls.Conn); ok {
		sess.tls = true
	}

	return sess
}
