package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// RFC 8628 section 3.2 and 3.5
	defaultPollInterval = 5
	slowDownIncrement   = 5
	minPollInterval     = 1

	defaultDeviceCodeLifetime = 900

	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	maxResponseSize = 1 << 20
)

// DeviceCodeResponse is the device authorization endpoint's answer.
type DeviceCodeResponse struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	// Interval is the minimum number of seconds between polls.
	Interval int
	// ExpiresIn is the device code lifetime in seconds.
	ExpiresIn int
}

// DeviceCodeFlow implements the device authorization grant (RFC 8628). The
// operator completes sign-in on another device while the flow polls the token
// endpoint.
type DeviceCodeFlow struct {
	opts options

	// unit is the length of one "second" of interval or expiry. Tests shrink it.
	unit time.Duration
}

func (f *DeviceCodeFlow) strategy() {}

// GrantType implements Strategy.
func (f *DeviceCodeFlow) GrantType() GrantType { return DeviceCodeGrant }

// AcquireToken requests a device code, prompts the operator and polls until
// the provider issues a token, rejects the request, or the code expires.
func (f *DeviceCodeFlow) AcquireToken(ctx context.Context, creds Credentials) (*AccessToken, error) {
	logger := f.opts.logger.With(slog.String("component", "device_code_flow"))

	dcr, err := f.requestDeviceCode(ctx, creds)
	if err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "device code issued",
		slog.Int("interval", dcr.Interval), slog.Int("expires_in", dcr.ExpiresIn))

	f.opts.prompter.PromptDeviceCode(ctx, dcr)

	tok, err := f.poll(ctx, creds, dcr)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "access token retrieved from the token endpoint", slog.Any("token", tok))

	return tok, nil
}

func (f *DeviceCodeFlow) requestDeviceCode(ctx context.Context, creds Credentials) (*DeviceCodeResponse, error) {
	cfg := creds.oauth2Config("")

	da, err := cfg.DeviceAuth(withHTTPClient(ctx, f.opts.httpClient))
	if err != nil {
		return nil, classify(ctx, err)
	}

	if da.DeviceCode == "" || da.UserCode == "" || da.VerificationURI == "" {
		return nil, &AuthError{Kind: KindProviderError, Code: "invalid_device_code_response",
			Description: "device authorization response is missing device_code, user_code or verification_uri"}
	}

	dcr := &DeviceCodeResponse{
		DeviceCode:              da.DeviceCode,
		UserCode:                da.UserCode,
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		Interval:                int(da.Interval),
		ExpiresIn:               defaultDeviceCodeLifetime,
	}
	if !da.Expiry.IsZero() {
		dcr.ExpiresIn = int(time.Until(da.Expiry).Round(time.Second) / time.Second)
	}

	return dcr, nil
}

// pollInterval clamps a provider supplied interval to a usable value.
func pollInterval(seconds int) int {
	if seconds <= 0 {
		return defaultPollInterval
	}
	return max(seconds, minPollInterval)
}

func (f *DeviceCodeFlow) poll(ctx context.Context, creds Credentials, dcr *DeviceCodeResponse) (*AccessToken, error) {
	logger := f.opts.logger.With(slog.String("component", "device_code_flow"))

	interval := pollInterval(dcr.Interval)
	deadline := time.Now().Add(time.Duration(dcr.ExpiresIn) * f.unit)

	limiter := rate.NewLimiter(rate.Every(time.Duration(interval)*f.unit), 1)
	// spend the initial burst so the first poll also waits a full interval
	limiter.Allow()

	for {
		if time.Now().Add(time.Duration(interval) * f.unit).After(deadline) {
			return nil, &AuthError{Kind: KindExpired, Code: "expired_token",
				Description: "device code expired before sign-in completed"}
		}

		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, contextError(ctx.Err())
			}
			// The next poll would land after the caller's deadline. Report
			// the timeout now instead of sleeping until the deadline, since
			// no poll can happen before it.
			return nil, &AuthError{Kind: KindTimeout, Err: err}
		}

		tok, err := f.pollOnce(ctx, creds, dcr.DeviceCode)
		if err == nil {
			f.opts.pollObserver("success")
			return tok, nil
		}

		ae := classify(ctx, err)
		outcome := ae.Code
		if outcome == "" {
			outcome = ae.Kind.String()
		}
		f.opts.pollObserver(outcome)

		switch ae.Code {
		case "authorization_pending":
			logger.DebugContext(ctx, "authorization pending")
		case "slow_down":
			interval = max(interval+slowDownIncrement, minPollInterval)
			limiter.SetLimit(rate.Every(time.Duration(interval) * f.unit))

			logger.DebugContext(ctx, "provider asked to slow down", slog.Int("interval", interval))
		default:
			return nil, ae
		}
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// pollOnce performs a single device_code token request.
func (f *DeviceCodeFlow) pollOnce(ctx context.Context, creds Credentials, deviceCode string) (*AccessToken, error) {
	form := url.Values{
		"grant_type":  {deviceCodeGrantType},
		"device_code": {deviceCode},
		"client_id":   {creds.ClientID},
	}
	if secret, ok := creds.ClientSecret.Value(); ok {
		form.Set("client_secret", secret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.Endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.opts.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{Kind: KindProviderError, Code: "invalid_token_response",
			Description: fmt.Sprintf("cannot decode token response: %v", err), StatusCode: resp.StatusCode}
	}

	if tr.Error != "" || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AuthError{
			Kind:        kindForCode(tr.Error),
			Code:        tr.Error,
			Description: tr.ErrorDescription,
			StatusCode:  resp.StatusCode,
		}
	}

	if tr.AccessToken == "" {
		return nil, &AuthError{Kind: KindProviderError, Code: "empty_access_token",
			Description: "token endpoint returned success without an access token", StatusCode: resp.StatusCode}
	}

	tok := &AccessToken{Value: tr.AccessToken, TokenType: tr.TokenType}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return tok, nil
}
