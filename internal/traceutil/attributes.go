package traceutil

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	grantTypeKey  = attribute.Key("oauth.grant_type")
	senderKey     = attribute.Key("smtp.sender")
	recipientKey  = attribute.Key("smtp.recipient")
	smtpStateKey  = attribute.Key("smtp.state")
	statusCodeKey = attribute.Key("smtp.response.status_code")
	probeIDKey    = attribute.Key("probe.id")
	errorKindKey  = attribute.Key("probe.error.kind")
)

// The OAuth2 grant used to obtain the access token.
//
// Type: string
// Required: Yes
// Examples: "AuthorizationCodeGrant", "DeviceCodeFlow"
func GrantType(name string) attribute.KeyValue {
	return grantTypeKey.String(name)
}

// The sender address (from the 'MAIL FROM' SMTP command).
//
// Type: string
// Required: Yes
// Examples: "bob@example.com"
func Sender(name string) attribute.KeyValue {
	return senderKey.String(name)
}

// The recipient address (from the 'RCPT TO' SMTP command).
//
// Type: string
// Required: Yes
// Examples: "alice@example.com"
func Recipient(name string) attribute.KeyValue {
	return recipientKey.String(name)
}

// The last SMTP session state reached.
//
// Type: string
// Required: No
// Examples: "connected", "tls_established", "authenticated"
func SMTPState(state string) attribute.KeyValue {
	return smtpStateKey.String(state)
}

// The SMTP response status code.
//
// Type: int
// Required: No
// Examples: 250, 535
func StatusCode(code int) attribute.KeyValue {
	return statusCodeKey.Int(code)
}

// The identifier stamped on the probe message.
//
// Type: string
// Required: Yes
// Examples: "3f0b4b3e-6a49-4d4e-b0a8-3c8b7c7e61f2"
func ProbeID(id string) attribute.KeyValue {
	return probeIDKey.String(id)
}

// The failure classification of a probe phase.
//
// Type: string
// Required: No
// Examples: "denied", "auth_rejected"
func ErrorKind(kind string) attribute.KeyValue {
	return errorKindKey.String(kind)
}
