package smtpprobe

import (
	"context"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/grafana/xoauth2-probe/internal/smtptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Participant{Address: "alice@example.com", Name: "Alice Example"}
	bob   = Participant{Address: "bob@example.net", Name: "Bob"}
)

const challenge = `{"status":"401","schemes":"bearer","scope":"https://outlook.office.com/SMTP.Send"}`

func newTestSession(t *testing.T, addr string, mutate ...func(*Config)) *Session {
	t.Helper()

	cfg := Config{
		Addr:      addr,
		HeloName:  "probe.local",
		Timeout:   2 * time.Second,
		TLSConfig: smtptest.ClientTLSConfig(),
		Logger:    slog.New(slog.DiscardHandler),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := NewSession(cfg)
	require.NoError(t, err)

	return s
}

func acceptToken(want string) func(user, token string) error {
	return func(_, token string) error {
		if token != want {
			return smtptest.ErrAuthInvalid
		}
		return nil
	}
}

func TestSendProbe_Success(t *testing.T) {
	t.Parallel()

	srv := &smtptest.Server{
		TLSConfig:    smtptest.ServerTLSConfig(),
		Authenticate: acceptToken("at-1"),
	}
	addr := srv.Start(t)

	s := newTestSession(t, addr, func(c *Config) { c.Subject = "Probe" })

	receipt, err := s.SendProbe(t.Context(), "at-1", alice, bob)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, StateClosed, s.State())

	assert.Equal(t, []string{"EHLO", "STARTTLS", "EHLO", "AUTH", "MAIL", "RCPT", "DATA", "QUIT"}, srv.Verbs())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, alice.Address, msg.User)
	assert.Equal(t, alice.Address, msg.Sender)
	assert.Equal(t, []string{bob.Address}, msg.Recipients)
	assert.Equal(t, receipt.ProbeID, msg.Header.Get(HeaderProbeID))
	assert.Equal(t, receipt.MessageID, msg.Header.Get("Message-Id"))
	assert.Equal(t, "Probe ["+receipt.ProbeID+"]", msg.Header.Get("Subject"))
	assert.Contains(t, msg.Header.Get("From"), "Alice Example")
	assert.Contains(t, msg.Header.Get("To"), "<bob@example.net>")
	assert.Contains(t, msg.Header.Get("Content-Type"), "multipart/alternative")

	body := string(msg.Data)
	assert.Contains(t, body, "text/plain")
	assert.Contains(t, body, "text/html")
	assert.NotContains(t, body, "at-1")

	assert.Positive(t, receipt.Size)
	assert.True(t, strings.HasSuffix(receipt.MessageID, "@example.com>"))
}

func TestSendProbe_ImplicitTLS(t *testing.T) {
	t.Parallel()

	srv := &smtptest.Server{
		TLSConfig:   smtptest.ServerTLSConfig(),
		ImplicitTLS: true,
	}
	addr := srv.Start(t)

	s := newTestSession(t, "tls://"+addr)

	_, err := s.SendProbe(t.Context(), "at-1", alice, bob)
	require.NoError(t, err)

	assert.Equal(t, []string{"EHLO", "AUTH", "MAIL", "RCPT", "DATA", "QUIT"}, srv.Verbs())
	assert.Len(t, srv.Messages(), 1)
}

func TestSendProbe_AuthRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		challenge     string
		wantDetail    string
		wantStatusMsg string
	}{
		{"with challenge", challenge, challenge, "5.7.3 Authentication unsuccessful"},
		{"direct 535", "", "", "5.7.3 Authentication unsuccessful"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := &smtptest.Server{
				TLSConfig:     smtptest.ServerTLSConfig(),
				Authenticate:  acceptToken("the-right-one"),
				AuthChallenge: tt.challenge,
			}
			addr := srv.Start(t)

			s := newTestSession(t, addr)

			receipt, err := s.SendProbe(t.Context(), "expired-token", alice, bob)
			require.Error(t, err)
			assert.Nil(t, receipt)
			assert.ErrorIs(t, err, ErrAuthRejected)
			assert.ErrorIs(t, err, &Error{Kind: KindAuthRejected, Code: 535})

			var se *Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 535, se.Code)
			assert.Equal(t, tt.wantStatusMsg, se.Message)
			assert.Equal(t, tt.wantDetail, se.Detail)
			assert.Equal(t, StateTLSEstablished, se.State)
			assert.Equal(t, StateFailed, s.State())

			// never proceeds to the envelope or DATA
			verbs := srv.Verbs()
			assert.NotContains(t, verbs, "MAIL")
			assert.NotContains(t, verbs, "DATA")
			assert.Empty(t, srv.Messages())
		})
	}
}

func TestSendProbe_RepeatedChallenge(t *testing.T) {
	t.Parallel()

	srv := &smtptest.Server{
		TLSConfig:       smtptest.ServerTLSConfig(),
		Authenticate:    acceptToken("the-right-one"),
		AuthChallenge:   challenge,
		RepeatChallenge: true,
	}
	addr := srv.Start(t)

	s := newTestSession(t, addr)

	_, err := s.SendProbe(t.Context(), "expired-token", alice, bob)
	require.Error(t, err)

	// a broken SASL exchange is the server's doing, not the network's
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.NotErrorIs(t, err, ErrConnectionFailed)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateTLSEstablished, se.State)
	assert.Equal(t, challenge, se.Detail)
	assert.Contains(t, se.Error(), "unexpected second challenge")

	assert.NotContains(t, srv.Verbs(), "MAIL")
	assert.Empty(t, srv.Messages())
}

func TestSendProbe_NoSTARTTLS(t *testing.T) {
	t.Parallel()

	srv := &smtptest.Server{}
	addr := srv.Start(t)

	s := newTestSession(t, addr)

	_, err := s.SendProbe(t.Context(), "at-1", alice, bob)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTLSFailed)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateConnected, se.State)

	// the token is never sent in the clear
	assert.NotContains(t, srv.Verbs(), "AUTH")
}

func TestSendProbe_UntrustedCertificate(t *testing.T) {
	t.Parallel()

	srv := &smtptest.Server{TLSConfig: smtptest.ServerTLSConfig()}
	addr := srv.Start(t)

	s := newTestSession(t, addr, func(c *Config) { c.TLSConfig = nil })

	_, err := s.SendProbe(t.Context(), "at-1", alice, bob)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTLSFailed)
	assert.NotContains(t, srv.Verbs(), "AUTH")
}

func TestSendProbe_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		replies  map[string]*textproto.Error
		wantCode int
		wantSent bool
	}{
		{"sender rejected", map[string]*textproto.Error{"MAIL": smtptest.ErrSendAsDenied}, 554, false},
		{"recipient rejected", map[string]*textproto.Error{"RCPT": smtptest.ErrRecipientRejected}, 550, false},
		{"message rejected", map[string]*textproto.Error{"DATA": smtptest.ErrSendAsDenied}, 554, true},
		{"server going away", map[string]*textproto.Error{"EHLO": smtptest.ErrServiceUnavailable, "HELO": smtptest.ErrServiceUnavailable}, 421, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := &smtptest.Server{
				TLSConfig: smtptest.ServerTLSConfig(),
				Replies:   tt.replies,
			}
			addr := srv.Start(t)

			s := newTestSession(t, addr)

			_, err := s.SendProbe(t.Context(), "at-1", alice, bob)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocolError)

			var se *Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.wantCode, se.Code)
			assert.NotEmpty(t, se.Message)

			assert.Equal(t, tt.wantSent, containsVerb(srv.Verbs(), "DATA"))
			assert.Empty(t, srv.Messages())
		})
	}
}

func TestSendProbe_Timeout(t *testing.T) {
	t.Parallel()

	for _, verb := range []string{"CONNECT", "STARTTLS", "AUTH", "DATA"} {
		t.Run(verb, func(t *testing.T) {
			t.Parallel()

			srv := &smtptest.Server{
				TLSConfig: smtptest.ServerTLSConfig(),
				Stall:     verb,
			}
			addr := srv.Start(t)

			s := newTestSession(t, addr, func(c *Config) { c.Timeout = 100 * time.Millisecond })

			start := time.Now()
			_, err := s.SendProbe(t.Context(), "at-1", alice, bob)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTimeout)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestSendProbe_Cancel(t *testing.T) {
	t.Parallel()

	srv := &smtptest.Server{
		TLSConfig: smtptest.ServerTLSConfig(),
		Stall:     "MAIL",
	}
	addr := srv.Start(t)

	s := newTestSession(t, addr, func(c *Config) { c.Timeout = 10 * time.Second })

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := s.SendProbe(ctx, "at-1", alice, bob)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Less(t, time.Since(start), 2*time.Second)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateAuthenticated, se.State)
}

func TestSendProbe_ConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := newTestSession(t, addr)

	_, err = s.SendProbe(t.Context(), "at-1", alice, bob)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateIdle, se.State)
}

func TestSendProbe_SingleUse(t *testing.T) {
	t.Parallel()

	srv := &smtptest.Server{TLSConfig: smtptest.ServerTLSConfig()}
	addr := srv.Start(t)

	s := newTestSession(t, addr)

	_, err := s.SendProbe(t.Context(), "at-1", alice, bob)
	require.NoError(t, err)

	_, err = s.SendProbe(t.Context(), "at-1", alice, bob)
	require.Error(t, err)
	assert.Len(t, srv.Messages(), 1)
}

func TestSendProbe_InvalidRecipient(t *testing.T) {
	t.Parallel()

	srv := &smtptest.Server{TLSConfig: smtptest.ServerTLSConfig()}
	addr := srv.Start(t)

	s := newTestSession(t, addr)

	_, err := s.SendProbe(t.Context(), "at-1", alice, Participant{Address: "not an address"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid recipient")
	assert.ErrorIs(t, err, ErrProtocolError)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateIdle, se.State)
	assert.Equal(t, "compose probe message", se.Detail)
	assert.Equal(t, StateFailed, s.State())

	// nothing reached the server
	assert.Empty(t, srv.Commands())
}

func TestParseAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in           string
		wantHostport string
		wantTLS      bool
		wantErr      bool
	}{
		{"smtp.office365.com:587", "smtp.office365.com:587", false, false},
		{"smtp.office365.com", "smtp.office365.com:587", false, false},
		{"tls://smtp.example.com:465", "smtp.example.com:465", true, false},
		{"tls://smtp.example.com", "smtp.example.com:465", true, false},
		{"[::1]:2525", "[::1]:2525", false, false},
		{"", "", false, true},
		{":587", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			hostport, implicitTLS, err := parseAddr(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantHostport, hostport)
			assert.Equal(t, tt.wantTLS, implicitTLS)
		})
	}
}

func containsVerb(verbs []string, want string) bool {
	for _, v := range verbs {
		if v == want {
			return true
		}
	}
	return false
}
