package smtpprobe

import (
	"errors"
	"net/smtp"
)

// xoauth2Auth implements smtp.Auth for the XOAUTH2 SASL mechanism.
type xoauth2Auth struct {
	user  string
	token string

	// challenge is the decoded 334 payload the server sent before rejecting
	// the token, if any.
	challenge []byte
}

func (a *xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	// XOAUTH2 expects: user={email}\001auth=Bearer {token}\001\001
	resp := []byte("user=" + a.user + "\x01auth=Bearer " + a.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}

	if a.challenge != nil {
		return nil, errors.New("unexpected second challenge from server")
	}

	// A 334 here carries a JSON error description. The client must answer
	// with an empty response to receive the final error reply.
	a.challenge = append([]byte{}, fromServer...)

	return []byte{}, nil
}
