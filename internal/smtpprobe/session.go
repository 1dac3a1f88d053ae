// Package smtpprobe authenticates to an SMTP submission server with an
// OAuth2 bearer token (XOAUTH2) and sends a single probe message.
package smtpprobe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Participant is the sender or recipient of the probe.
type Participant struct {
	Address string
	Name    string
}

func (p Participant) String() string {
	if p.Name == "" {
		return p.Address
	}
	return fmt.Sprintf("%s <%s>", p.Name, p.Address)
}

// State is a step of the SMTP session.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateTLSEstablished
	StateAuthenticated
	StateMessageSent
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateTLSEstablished:
		return "tls_established"
	case StateAuthenticated:
		return "authenticated"
	case StateMessageSent:
		return "message_sent"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

const (
	implicitTLSScheme = "tls://"

	defaultTimeout     = 30 * time.Second
	defaultDataTimeout = 2 * time.Minute
	defaultSubject     = "XOAUTH2 probe"
)

// Config configures a Session.
type Config struct {
	// Addr is host:port for STARTTLS, or tls://host:port for implicit TLS.
	Addr     string
	HeloName string
	// Timeout bounds the connect and every command round trip.
	Timeout time.Duration
	// DataTimeout bounds writing the message and reading the final reply.
	DataTimeout time.Duration
	// TLSConfig is used for STARTTLS or implicit TLS. ServerName defaults
	// to the host from Addr.
	TLSConfig *tls.Config
	Subject   string
	Logger    *slog.Logger
}

// Session sends one probe message. A Session is single use and not safe
// for concurrent use.
type Session struct {
	cfg         Config
	host        string
	hostport    string
	implicitTLS bool
	logger      *slog.Logger
	now         func() time.Time

	state State
}

// NewSession validates cfg and returns an idle session.
func NewSession(cfg Config) (*Session, error) {
	hostport, implicitTLS, err := parseAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(hostport)

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = defaultDataTimeout
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Session{
		cfg:         cfg,
		host:        host,
		hostport:    hostport,
		implicitTLS: implicitTLS,
		logger:      cfg.Logger.With(slog.String("component", "smtp"), slog.String("server", hostport)),
		now:         time.Now,
	}, nil
}

// parseAddr splits the optional tls:// scheme off addr and adds the
// submission port when none is given.
func parseAddr(addr string) (hostport string, implicitTLS bool, err error) {
	if addr == "" {
		return "", false, errors.New("smtp address is required")
	}

	if rest, ok := strings.CutPrefix(addr, implicitTLSScheme); ok {
		addr, implicitTLS = rest, true
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// no port
		host, port = addr, "587"
		if implicitTLS {
			port = "465"
		}
	}

	if host == "" {
		return "", false, fmt.Errorf("invalid smtp address %q: missing host", addr)
	}

	return net.JoinHostPort(host, port), implicitTLS, nil
}

// State returns the state the session is in.
func (s *Session) State() State {
	return s.state
}

func (s *Session) transition(ctx context.Context, st State) {
	s.state = st

	s.logger.DebugContext(ctx, "smtp session state changed", slog.String("state", st.String()))
	trace.SpanFromContext(ctx).AddEvent("smtp."+st.String())
}

func (s *Session) fail(ctx context.Context, err error) error {
	s.state = StateFailed

	span := trace.SpanFromContext(ctx)
	span.AddEvent("smtp.failed")

	var se *Error
	if errors.As(err, &se) {
		span.SetAttributes(attribute.String("smtp.failed_in", se.State.String()))
	}

	return err
}

// deadline bounds the next round trip on conn.
func (s *Session) deadline(conn net.Conn, d time.Duration) {
	_ = conn.SetDeadline(s.now().Add(d))
}

func (s *Session) tlsConfig() *tls.Config {
	if s.cfg.TLSConfig == nil {
		return &tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}
	}

	cfg := s.cfg.TLSConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = s.host
	}

	return cfg
}

// SendProbe connects, upgrades to TLS, authenticates with XOAUTH2 using
// accessToken and sends one probe message from sender to recipient. It
// succeeds only once the server accepted the message with a 250 reply.
func (s *Session) SendProbe(ctx context.Context, accessToken string, sender, recipient Participant) (*Receipt, error) {
	if s.state != StateIdle {
		return nil, fmt.Errorf("smtp session already used (state %s)", s.state)
	}

	if err := ctx.Err(); err != nil {
		return nil, s.fail(ctx, classify(ctx, s.state, KindConnectionFailed, err))
	}

	msg, receipt, err := composeProbe(ctx, s.cfg.Subject, sender, recipient, s.now())
	if err != nil {
		return nil, s.fail(ctx, &Error{Kind: KindProtocolError, State: s.state, Detail: "compose probe message", Err: err})
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	// unblock any pending read or write when ctx ends
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	s.deadline(conn, s.cfg.Timeout)

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return nil, s.fail(ctx, classify(ctx, s.state, KindConnectionFailed, err))
	}
	defer c.Close()

	s.deadline(conn, s.cfg.Timeout)

	if err := c.Hello(s.cfg.HeloName); err != nil {
		return nil, s.fail(ctx, classify(ctx, s.state, KindProtocolError, err))
	}

	if !s.implicitTLS {
		if err := s.startTLS(ctx, conn, c); err != nil {
			return nil, s.fail(ctx, err)
		}
	}

	s.transition(ctx, StateTLSEstablished)

	if cs, ok := c.TLSConnectionState(); ok {
		s.logger.DebugContext(ctx, "tls established",
			slog.String("version", tls.VersionName(cs.Version)),
			slog.String("cipher_suite", tls.CipherSuiteName(cs.CipherSuite)))
	}

	if ok, mechs := c.Extension("AUTH"); !ok || !hasMechanism(mechs, "XOAUTH2") {
		s.logger.WarnContext(ctx, "server does not advertise XOAUTH2, trying anyway", slog.String("mechanisms", mechs))
	}

	s.deadline(conn, s.cfg.Timeout)

	auth := &xoauth2Auth{user: sender.Address, token: accessToken}
	if err := c.Auth(auth); err != nil {
		se := classify(ctx, s.state, KindAuthRejected, err)
		se.Detail = string(auth.challenge)

		return nil, s.fail(ctx, se)
	}

	s.transition(ctx, StateAuthenticated)

	if err := s.send(ctx, conn, c, msg, receipt, sender, recipient); err != nil {
		return nil, s.fail(ctx, err)
	}

	s.transition(ctx, StateMessageSent)

	s.deadline(conn, s.cfg.Timeout)

	if err := c.Quit(); err != nil {
		// the message is already accepted
		s.logger.WarnContext(ctx, "QUIT failed after the message was accepted", slog.Any("error", err))
	}

	s.transition(ctx, StateClosed)

	return receipt, nil
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	s.logger.DebugContext(ctx, "connecting", slog.Bool("implicit_tls", s.implicitTLS))

	raw, err := dialer.DialContext(ctx, "tcp", s.hostport)
	if err != nil {
		return nil, classify(ctx, s.state, KindConnectionFailed, err)
	}

	s.transition(ctx, StateConnected)

	if !s.implicitTLS {
		return raw, nil
	}

	conn := tls.Client(raw, s.tlsConfig())

	s.deadline(raw, s.cfg.Timeout)

	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, classify(ctx, s.state, KindTLSFailed, err)
	}

	return conn, nil
}

func (s *Session) startTLS(ctx context.Context, conn net.Conn, c *smtp.Client) error {
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return &Error{Kind: KindTLSFailed, State: s.state, Detail: "server does not offer STARTTLS"}
	}

	s.deadline(conn, s.cfg.Timeout)

	if err := c.StartTLS(s.tlsConfig()); err != nil {
		return classify(ctx, s.state, KindTLSFailed, err)
	}

	return nil
}

func (s *Session) send(ctx context.Context, conn net.Conn, c *smtp.Client, msg io.WriterTo, receipt *Receipt, sender, recipient Participant) error {
	s.deadline(conn, s.cfg.Timeout)

	if err := c.Mail(sender.Address); err != nil {
		return classify(ctx, s.state, KindProtocolError, err)
	}

	s.deadline(conn, s.cfg.Timeout)

	if err := c.Rcpt(recipient.Address); err != nil {
		return classify(ctx, s.state, KindProtocolError, err)
	}

	s.deadline(conn, s.cfg.Timeout)

	wc, err := c.Data()
	if err != nil {
		return classify(ctx, s.state, KindProtocolError, err)
	}

	s.deadline(conn, s.cfg.DataTimeout)

	n, err := msg.WriteTo(wc)
	if err != nil {
		return classify(ctx, s.state, KindProtocolError, err)
	}

	// Close sends the terminating dot and waits for the 250
	if err := wc.Close(); err != nil {
		return classify(ctx, s.state, KindProtocolError, err)
	}

	receipt.Size = n

	s.logger.InfoContext(ctx, "probe message accepted",
		slog.String("probe_id", receipt.ProbeID),
		slog.String("message_id", receipt.MessageID),
		slog.Int64("size", n))

	return nil
}

func hasMechanism(mechs, want string) bool {
	for _, m := range strings.Fields(mechs) {
		if strings.EqualFold(m, want) {
			return true
		}
	}
	return false
}
