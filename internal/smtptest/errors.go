package smtptest

import "net/textproto"

// Replies used by the server. Tests may also return them from Authenticate
// or use them in Server.Replies.
var (
	ErrServiceUnavailable = &textproto.Error{Code: 421, Msg: "4.3.2 Service not available, closing transmission channel"}
	ErrRecipientRejected  = &textproto.Error{Code: 550, Msg: "5.1.1 User unknown; rejecting"}
	ErrSendAsDenied       = &textproto.Error{Code: 554, Msg: "5.2.252 SendAsDenied; not allowed to send as this sender"}

	ErrLineTooLong        = &textproto.Error{Code: 500, Msg: "Line too long"}
	ErrAuthAborted        = &textproto.Error{Code: 501, Msg: "Authentication aborted"}
	ErrDuplicateMAIL      = &textproto.Error{Code: 502, Msg: "Duplicate MAIL"}
	ErrDuplicateSTARTTLS  = &textproto.Error{Code: 502, Msg: "Already running in TLS"}
	ErrInvalidSyntax      = &textproto.Error{Code: 502, Msg: "Invalid syntax."}
	ErrMalformedAuth      = &textproto.Error{Code: 502, Msg: "Couldn't decode your credentials"}
	ErrMissingParam       = &textproto.Error{Code: 502, Msg: "Missing parameter"}
	ErrNoHELO             = &textproto.Error{Code: 502, Msg: "Please introduce yourself first."}
	ErrNoMAIL             = &textproto.Error{Code: 502, Msg: "Missing MAIL FROM command."}
	ErrNoRCPT             = &textproto.Error{Code: 502, Msg: "Missing RCPT TO command."}
	ErrNoSTARTTLS         = &textproto.Error{Code: 502, Msg: "Please turn on TLS by issuing a STARTTLS command."}
	ErrTLSNotSupported    = &textproto.Error{Code: 502, Msg: "TLS not supported"}
	ErrUnknownAuth        = &textproto.Error{Code: 504, Msg: "5.7.4 Unrecognized authentication type"}
	ErrUnsupportedCommand = &textproto.Error{Code: 502, Msg: "Unsupported command"}
	ErrAuthRequired       = &textproto.Error{Code: 530, Msg: "5.7.57 Client not authenticated to send mail."}
	ErrAuthInvalid        = &textproto.Error{Code: 535, Msg: "5.7.3 Authentication unsuccessful"}
	ErrBadHandshake       = &textproto.Error{Code: 550, Msg: "Handshake error"}
)
