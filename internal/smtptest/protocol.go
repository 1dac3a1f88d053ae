package smtptest

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
)

type command struct {
	line   string
	action string
	fields []string
	params []string
}

func parseLine(line string) command {
	cmd := command{
		line:   line,
		fields: strings.Fields(line),
	}

	if len(cmd.fields) > 0 {
		cmd.action = strings.ToUpper(cmd.fields[0])

		if len(cmd.fields) > 1 {
			// Tolerate "MAIL FROM: <addr>" with a space after the colon.
			if cmd.fields[1][len(cmd.fields[1])-1] == ':' && len(cmd.fields) > 2 {
				cmd.fields[1] += cmd.fields[2]
				cmd.fields = append(cmd.fields[0:2], cmd.fields[3:]...)
			}

			cmd.params = strings.SplitN(cmd.fields[1], ":", 2)
		}
	}

	return cmd
}

type envelope struct {
	sender     string
	recipients []string
}

type session struct {
	server *Server

	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	scanner *bufio.Scanner

	tls      bool
	heloName string
	user     string
	envelope *envelope
}

func (session *session) serve() {
	if session.server.Stall == "CONNECT" {
		session.stall()
		return
	}

	session.reply(220, session.server.Hostname+" Microsoft ESMTP MAIL Service ready")

	for {
		_ = session.conn.SetReadDeadline(time.Now().Add(session.server.ReadTimeout))

		if !session.scanner.Scan() {
			if errors.Is(session.scanner.Err(), bufio.ErrTooLong) {
				session.error(ErrLineTooLong)
			}
			return
		}

		line := session.scanner.Text()
		cmd := parseLine(line)

		session.server.record(redact(cmd))

		if cmd.action != "" && cmd.action == session.server.Stall {
			session.stall()
			return
		}

		if cmd.action != "DATA" {
			if override, ok := session.server.Replies[cmd.action]; ok {
				session.error(override)
				continue
			}
		}

		if done := session.handle(cmd); done {
			return
		}
	}
}

// redact drops the initial response from AUTH lines.
func redact(cmd command) string {
	if cmd.action == "AUTH" && len(cmd.fields) > 2 {
		return strings.Join(cmd.fields[:2], " ")
	}
	return cmd.line
}

// stall stops answering and waits for the peer or the server to hang up.
func (session *session) stall() {
	_ = session.conn.SetReadDeadline(time.Time{})
	_, _ = io.Copy(io.Discard, session.reader)
}

func (session *session) handle(cmd command) (done bool) {
	switch cmd.action {
	case "HELO":
		session.handleHELO(cmd)
	case "EHLO":
		session.handleEHLO(cmd)
	case "STARTTLS":
		session.handleSTARTTLS(cmd)
	case "AUTH":
		session.handleAUTH(cmd)
	case "MAIL":
		session.handleMAIL(cmd)
	case "RCPT":
		session.handleRCPT(cmd)
	case "DATA":
		session.handleDATA(cmd)
	case "RSET":
		session.envelope = nil
		session.reply(250, "2.0.0 Resetting")
	case "NOOP":
		session.reply(250, "2.0.0 OK")
	case "QUIT":
		session.reply(221, "2.0.0 Service closing transmission channel")
		return true
	default:
		session.error(ErrUnsupportedCommand)
	}

	return false
}

func (session *session) handleHELO(cmd command) {
	if len(cmd.fields) < 2 {
		session.error(ErrMissingParam)
		return
	}

	session.heloName = cmd.fields[1]
	session.envelope = nil
	session.reply(250, session.server.Hostname+" Hello ["+cmd.fields[1]+"]")
}

func (session *session) handleEHLO(cmd command) {
	if len(cmd.fields) < 2 {
		session.error(ErrMissingParam)
		return
	}

	session.heloName = cmd.fields[1]
	session.envelope = nil

	fmt.Fprintf(session.writer, "250-%s Hello [%s]\r\n", session.server.Hostname, cmd.fields[1])

	extensions := session.extensions()
	for _, ext := range extensions[:len(extensions)-1] {
		fmt.Fprintf(session.writer, "250-%s\r\n", ext)
	}

	session.reply(250, extensions[len(extensions)-1])
}

func (session *session) extensions() []string {
	extensions := []string{"SIZE 37748736", "PIPELINING", "8BITMIME", "ENHANCEDSTATUSCODES"}

	if session.server.TLSConfig != nil && !session.tls {
		extensions = append(extensions, "STARTTLS")
	}

	if session.tls || session.server.TLSConfig == nil {
		extensions = append(extensions, "AUTH "+strings.Join(session.server.AuthMechanisms, " "))
	}

	return append(extensions, "CHUNKING")
}

func (session *session) handleSTARTTLS(_ command) {
	if session.tls {
		session.error(ErrDuplicateSTARTTLS)
		return
	}

	if session.server.TLSConfig == nil {
		session.error(ErrTLSNotSupported)
		return
	}

	tlsConn := tls.Server(session.conn, session.server.TLSConfig)
	session.reply(220, "2.0.0 SMTP server ready")

	_ = session.conn.SetDeadline(time.Now().Add(session.server.ReadTimeout))

	if err := tlsConn.Handshake(); err != nil {
		session.error(ErrBadHandshake)
		return
	}

	// a new EHLO is required after STARTTLS
	session.heloName = ""
	session.envelope = nil

	_ = session.conn.SetDeadline(time.Time{})

	session.conn = tlsConn
	session.reader = bufio.NewReader(tlsConn)
	session.writer = bufio.NewWriter(tlsConn)
	session.scanner = bufio.NewScanner(session.reader)
	session.tls = true
}

func (session *session) handleAUTH(cmd command) {
	if len(cmd.fields) < 2 {
		session.error(ErrInvalidSyntax)
		return
	}

	if session.heloName == "" {
		session.error(ErrNoHELO)
		return
	}

	if !session.tls && session.server.TLSConfig != nil {
		session.error(ErrNoSTARTTLS)
		return
	}

	mechanism := strings.ToUpper(cmd.fields[1])
	if mechanism != "XOAUTH2" || !session.advertises(mechanism) {
		session.error(ErrUnknownAuth)
		return
	}

	var initial string
	if len(cmd.fields) > 2 {
		initial = cmd.fields[2]
	} else {
		session.reply(334, "")
		if !session.scanner.Scan() {
			return
		}
		initial = session.scanner.Text()
	}

	if initial == "*" {
		session.error(ErrAuthAborted)
		return
	}

	user, token, err := decodeXOAUTH2(initial)
	if err != nil {
		session.error(ErrMalformedAuth)
		return
	}

	if session.server.Authenticate != nil {
		if err := session.server.Authenticate(user, token); err != nil {
			session.rejectAuth(err)
			return
		}
	}

	session.user = user
	session.reply(235, "2.7.0 Authentication successful")
}

func (session *session) rejectAuth(err error) {
	var reply *textproto.Error
	if !errors.As(err, &reply) {
		reply = ErrAuthInvalid
	}

	if challenge := session.server.AuthChallenge; challenge != "" {
		for {
			session.reply(334, base64.StdEncoding.EncodeToString([]byte(challenge)))

			// the client answers the challenge with an empty line or aborts with "*"
			if !session.scanner.Scan() {
				return
			}
			if session.scanner.Text() == "*" {
				session.error(ErrAuthAborted)
				return
			}

			if !session.server.RepeatChallenge {
				break
			}
		}
	}

	session.error(reply)
}

func (session *session) advertises(mechanism string) bool {
	for _, m := range session.server.AuthMechanisms {
		if strings.EqualFold(m, mechanism) {
			return true
		}
	}
	return false
}

// decodeXOAUTH2 parses "user={user}\x01auth=Bearer {token}\x01\x01".
func decodeXOAUTH2(encoded string) (user, token string, err error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", err
	}

	for _, part := range strings.Split(string(data), "\x01") {
		switch {
		case strings.HasPrefix(part, "user="):
			user = strings.TrimPrefix(part, "user=")
		case strings.HasPrefix(part, "auth=Bearer "):
			token = strings.TrimPrefix(part, "auth=Bearer ")
		}
	}

	if user == "" || token == "" {
		return "", "", errors.New("incomplete XOAUTH2 response")
	}

	return user, token, nil
}

func (session *session) handleMAIL(cmd command) {
	if len(cmd.params) != 2 || strings.ToUpper(cmd.params[0]) != "FROM" {
		session.error(ErrInvalidSyntax)
		return
	}

	if session.heloName == "" {
		session.error(ErrNoHELO)
		return
	}

	if session.user == "" {
		session.error(ErrAuthRequired)
		return
	}

	if session.envelope != nil {
		session.error(ErrDuplicateMAIL)
		return
	}

	addr, err := parseAddress(cmd.params[1])
	if err != nil {
		session.error(ErrInvalidSyntax)
		return
	}

	session.envelope = &envelope{sender: addr}
	session.reply(250, "2.1.0 Sender OK")
}

func (session *session) handleRCPT(cmd command) {
	if len(cmd.params) != 2 || strings.ToUpper(cmd.params[0]) != "TO" {
		session.error(ErrInvalidSyntax)
		return
	}

	if session.envelope == nil {
		session.error(ErrNoMAIL)
		return
	}

	addr, err := parseAddress(cmd.params[1])
	if err != nil {
		session.error(ErrInvalidSyntax)
		return
	}

	session.envelope.recipients = append(session.envelope.recipients, addr)
	session.reply(250, "2.1.5 Recipient OK")
}

func (session *session) handleDATA(_ command) {
	if session.envelope == nil || len(session.envelope.recipients) == 0 {
		session.error(ErrNoRCPT)
		return
	}

	session.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	data, err := io.ReadAll(textproto.NewReader(session.reader).DotReader())
	if err != nil {
		return
	}

	env := session.envelope
	session.envelope = nil

	if override, ok := session.server.Replies["DATA"]; ok {
		session.error(override)
		return
	}

	header, _ := textproto.NewReader(bufio.NewReader(bytes.NewReader(data))).ReadMIMEHeader()

	session.server.deliver(Message{
		User:       session.user,
		Sender:     env.sender,
		Recipients: env.recipients,
		Header:     header,
		Data:       data,
	})

	session.reply(250, "2.6.0 Queued mail for delivery")
}

func parseAddress(src string) (string, error) {
	// strip ESMTP parameters such as BODY=8BITMIME
	src, _, _ = strings.Cut(src, " ")

	if src == "<>" {
		return "", nil
	}

	addr, err := mail.ParseAddress(src)
	if err != nil {
		return "", err
	}

	return addr.Address, nil
}

func (session *session) reply(code int, message string) {
	fmt.Fprintf(session.writer, "%d %s\r\n", code, message)
	_ = session.writer.Flush()
}

func (session *session) error(err *textproto.Error) {
	session.reply(err.Code, err.Msg)
}
