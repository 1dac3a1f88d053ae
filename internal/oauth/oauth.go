// Package oauth acquires an OAuth2 access token from the Microsoft identity
// platform using either the authorization-code grant or the device-code flow.
//
// Both flows are exposed through the closed Strategy interface; callers pick a
// GrantType from configuration and are otherwise unaware of which flow runs.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// GrantType selects the OAuth2 grant used to obtain the access token.
type GrantType int

const (
	AuthorizationCodeGrant GrantType = iota + 1
	DeviceCodeGrant
)

func (g GrantType) String() string {
	switch g {
	case AuthorizationCodeGrant:
		return "AuthorizationCodeGrant"
	case DeviceCodeGrant:
		return "DeviceCodeFlow"
	default:
		return fmt.Sprintf("GrantType(%d)", int(g))
	}
}

// ParseGrantType accepts the names used on the command line.
func ParseGrantType(s string) (GrantType, error) {
	switch s {
	case "AuthorizationCodeGrant":
		return AuthorizationCodeGrant, nil
	case "DeviceCodeFlow":
		return DeviceCodeGrant, nil
	default:
		return 0, fmt.Errorf("unknown grant type %q (want AuthorizationCodeGrant or DeviceCodeFlow)", s)
	}
}

// ClientSecret is an optional client secret. The zero value is the absent
// secret used by public clients.
type ClientSecret struct {
	value string
	set   bool
}

// NewClientSecret returns a present secret.
func NewClientSecret(value string) ClientSecret {
	return ClientSecret{value: value, set: true}
}

// Value returns the secret and whether one is present.
func (s ClientSecret) Value() (string, bool) {
	return s.value, s.set
}

// String never reveals the secret, so a ClientSecret is safe to log.
func (s ClientSecret) String() string {
	if !s.set {
		return "<none>"
	}
	return "<redacted>"
}

// Endpoints are the provider URLs used by the flows.
type Endpoints struct {
	AuthURL       string
	TokenURL      string
	DeviceAuthURL string
	ProfileURL    string
}

// Microsoft is the identity platform's multi-tenant endpoint set.
var Microsoft = Endpoints{
	AuthURL:       "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
	TokenURL:      "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	DeviceAuthURL: "https://login.microsoftonline.com/common/oauth2/v2.0/devicecode",
	ProfileURL:    "https://outlook.office.com/api/v2.0/me/",
}

// DefaultScopes request permission to send mail over SMTP.
var DefaultScopes = []string{"offline_access", "https://outlook.office.com/SMTP.Send"}

// Credentials identify the client to the provider.
type Credentials struct {
	ClientID     string
	ClientSecret ClientSecret
	Scopes       []string
	Endpoints    Endpoints
}

func (c Credentials) oauth2Config(redirectURL string) *oauth2.Config {
	secret, _ := c.ClientSecret.Value()

	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: secret,
		RedirectURL:  redirectURL,
		Scopes:       append([]string(nil), scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:       c.Endpoints.AuthURL,
			TokenURL:      c.Endpoints.TokenURL,
			DeviceAuthURL: c.Endpoints.DeviceAuthURL,
			// the client id and secret travel in the request body
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AccessToken is a bearer token owned by a single run. It is never persisted.
type AccessToken struct {
	Value     string
	TokenType string
	// Expiry is zero when the provider did not report a lifetime.
	Expiry time.Time
}

func (t *AccessToken) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s token (%d bytes)", strings.ToLower(t.TokenType), len(t.Value))
}

// LogValue keeps the bearer value out of logs.
func (t *AccessToken) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", t.TokenType), slog.Int("length", len(t.Value))}
	if !t.Expiry.IsZero() {
		attrs = append(attrs, slog.Time("expiry", t.Expiry))
	}
	return slog.GroupValue(attrs...)
}

func accessTokenFrom(tok *oauth2.Token) (*AccessToken, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, &AuthError{Kind: KindProviderError, Code: "empty_access_token",
			Description: "token endpoint returned success without an access token"}
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &AccessToken{Value: tok.AccessToken, TokenType: tokenType, Expiry: tok.Expiry}, nil
}

// Strategy produces an access token for the given credentials. The set of
// implementations is closed: AuthorizationCodeFlow and DeviceCodeFlow.
type Strategy interface {
	AcquireToken(ctx context.Context, creds Credentials) (*AccessToken, error)
	GrantType() GrantType

	strategy()
}

// Prompter presents operator instructions for the interactive part of a flow.
type Prompter interface {
	PromptLogin(ctx context.Context, authURL string)
	PromptDeviceCode(ctx context.Context, dcr *DeviceCodeResponse)
}

type logPrompter struct {
	logger *slog.Logger
}

func (p logPrompter) PromptLogin(ctx context.Context, authURL string) {
	p.logger.InfoContext(ctx, "open this URL in a browser to sign in", slog.String("url", authURL))
}

func (p logPrompter) PromptDeviceCode(ctx context.Context, dcr *DeviceCodeResponse) {
	p.logger.InfoContext(ctx, "open the verification URI on any device and enter the user code",
		slog.String("verification_uri", dcr.VerificationURI),
		slog.String("user_code", dcr.UserCode),
		slog.Int("expires_in", dcr.ExpiresIn),
	)
}

type options struct {
	httpClient      *http.Client
	logger          *slog.Logger
	prompter        Prompter
	redirectAddr    string
	redirectTimeout time.Duration
	pollObserver    func(outcome string)
}

// Option configures a Strategy.
type Option func(*options)

// WithHTTPClient sets the client used for every provider request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the logger. Prompts go to this logger unless WithPrompter is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPrompter replaces the default log-based prompter.
func WithPrompter(p Prompter) Option {
	return func(o *options) { o.prompter = p }
}

// WithRedirectAddr sets the host:port the authorization-code flow listens on.
// Port 0 picks an ephemeral port.
func WithRedirectAddr(addr string) Option {
	return func(o *options) { o.redirectAddr = addr }
}

// WithRedirectTimeout bounds the wait for the browser redirect.
func WithRedirectTimeout(d time.Duration) Option {
	return func(o *options) { o.redirectTimeout = d }
}

// WithPollObserver is called after every device-code token poll with the
// outcome ("authorization_pending", "slow_down", "success" or an error code).
func WithPollObserver(fn func(outcome string)) Option {
	return func(o *options) { o.pollObserver = fn }
}

func newOptions(opts []Option) options {
	o := options{
		redirectAddr:    "localhost:8080",
		redirectTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.prompter == nil {
		o.prompter = logPrompter{logger: o.logger}
	}
	if o.pollObserver == nil {
		o.pollObserver = func(string) {}
	}

	return o
}

// NewStrategy returns the flow implementing the grant type.
func NewStrategy(g GrantType, opts ...Option) (Strategy, error) {
	o := newOptions(opts)

	switch g {
	case AuthorizationCodeGrant:
		return &AuthorizationCodeFlow{opts: o}, nil
	case DeviceCodeGrant:
		return &DeviceCodeFlow{opts: o, unit: time.Second}, nil
	default:
		return nil, fmt.Errorf("unsupported grant type %v", g)
	}
}

// withHTTPClient makes x/oauth2 use the configured client.
func withHTTPClient(ctx context.Context, c *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c)
}
