package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/oauth2"
)

// ErrorKind classifies an AuthError.
type ErrorKind int

const (
	KindDenied ErrorKind = iota + 1
	KindExpired
	KindTimeout
	KindProviderError
	KindNetworkError
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindDenied:
		return "denied"
	case KindExpired:
		return "expired"
	case KindTimeout:
		return "timeout"
	case KindProviderError:
		return "provider error"
	case KindNetworkError:
		return "network error"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// AuthError is returned by every token acquisition failure. Code and
// Description hold the provider's error and error_description verbatim.
type AuthError struct {
	Kind        ErrorKind
	Code        string
	Description string
	StatusCode  int
	Err         error
}

// Sentinels for errors.Is.
var (
	ErrDenied        = &AuthError{Kind: KindDenied}
	ErrExpired       = &AuthError{Kind: KindExpired}
	ErrTimeout       = &AuthError{Kind: KindTimeout}
	ErrProviderError = &AuthError{Kind: KindProviderError}
	ErrNetworkError  = &AuthError{Kind: KindNetworkError}
	ErrCanceled      = &AuthError{Kind: KindCanceled}
)

func (e *AuthError) Error() string {
	var b strings.Builder

	b.WriteString("oauth: ")
	b.WriteString(e.Kind.String())

	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Code when the target sets one.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func contextError(err error) *AuthError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &AuthError{Kind: KindTimeout, Err: err}
	}
	return &AuthError{Kind: KindCanceled, Err: err}
}

// classify turns an error from a provider round trip into an AuthError.
func classify(ctx context.Context, err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctxErr)
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return retrieveError(re)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &AuthError{Kind: KindTimeout, Err: err}
	}

	return &AuthError{Kind: KindNetworkError, Err: err}
}

// providerErrorBody is the RFC 6749 section 5.2 error response.
type providerErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func retrieveError(re *oauth2.RetrieveError) *AuthError {
	ae := &AuthError{
		Kind:        KindProviderError,
		Code:        re.ErrorCode,
		Description: re.ErrorDescription,
	}
	if re.Response != nil {
		ae.StatusCode = re.Response.StatusCode
	}

	// older endpoints answer with a body x/oauth2 didn't parse
	if ae.Code == "" {
		var body providerErrorBody
		if json.Unmarshal(re.Body, &body) == nil {
			ae.Code = body.Error
			ae.Description = body.ErrorDescription
		}
	}

	return ae
}

// kindForCode maps a token endpoint error code seen while polling.
func kindForCode(code string) ErrorKind {
	switch code {
	case "access_denied", "authorization_declined":
		return KindDenied
	case "expired_token", "code_expired":
		return KindExpired
	default:
		return KindProviderError
	}
}
