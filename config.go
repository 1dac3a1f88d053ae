package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/grafana/xoauth2-probe/internal/oauth"
	"github.com/vharitonsky/iniflags"
)

// noClientSecret is the command-line spelling of a public client.
const noClientSecret = "None"

// positional arguments, in the order they are accepted after the flags
var positionalArgs = []string{
	"grant_type",
	"client_secret",
	"client_id",
	"sender_email",
	"sender_name",
	"recipient_email",
	"recipient_name",
	"log_level",
}

//nolint:govet
type config struct {
	logFormat       string
	logLevel        string
	grantTypeStr    string
	clientSecretStr string
	clientID        string
	senderEmail     string
	senderName      string
	recipientEmail  string
	recipientName   string
	smtpHost        string
	heloName        string
	subject         string
	redirectAddr    string
	scopesStr       string
	pushgatewayURL  string
	redirectTimeout time.Duration
	httpTimeout     time.Duration
	smtpTimeout     time.Duration
	smtpDataTimeout time.Duration
	runTimeout      time.Duration
	versionInfo     bool

	grantType    oauth.GrantType
	clientSecret oauth.ClientSecret
	scopes       []string

	// overridable for tests
	endpoints oauth.Endpoints
	prompter  oauth.Prompter
	tlsConfig *tls.Config
}

// configError marks errors caused by the command line or config file.
type configError struct {
	err error
}

func (e *configError) Error() string {
	return "invalid configuration: " + e.err.Error()
}

func (e *configError) Unwrap() error {
	return e.err
}

func loadConfig() (*config, error) {
	cfg := config{}
	registerFlags(flag.CommandLine, &cfg)

	iniflags.Parse()

	if err := cfg.applyArgs(flag.Args()); err != nil {
		return nil, &configError{err}
	}

	setupLogger(cfg.logFormat, cfg.logLevel)

	if cfg.versionInfo {
		return &cfg, nil
	}

	logger := slog.With(slog.String("component", "config"))

	// if client_secret is not set, try reading it from env var
	if cfg.clientSecretStr == "" {
		logger.Debug("client_secret not set, trying CLIENT_SECRET env var")
		cfg.clientSecretStr = os.Getenv("CLIENT_SECRET")
	}

	if err := cfg.complete(); err != nil {
		return nil, &configError{err}
	}

	logger.Debug("config loaded",
		slog.String("grant_type", cfg.grantType.String()),
		slog.String("client_id", cfg.clientID),
		slog.Any("client_secret", cfg.clientSecret),
		slog.String("smtp_host", cfg.smtpHost))

	return &cfg, nil
}

func registerFlags(f *flag.FlagSet, cfg *config) {
	f.StringVar(&cfg.logFormat, "log_format", "json", "Log format - json or logfmt")
	f.StringVar(&cfg.logLevel, "log_level", "info", "Minimum log level to output (error, warn, info, debug, trace)")
	f.StringVar(&cfg.grantTypeStr, "grant_type", "", "OAuth2 grant used to obtain the token (AuthorizationCodeGrant or DeviceCodeFlow)")
	f.StringVar(&cfg.clientSecretStr, "client_secret", "", "Client secret, or None for a public client (set $CLIENT_SECRET to use env var instead)")
	f.StringVar(&cfg.clientID, "client_id", "", "Application (client) ID registered with the identity platform")
	f.StringVar(&cfg.senderEmail, "sender_email", "", "Sender email address (looked up from the signed-in mailbox when empty)")
	f.StringVar(&cfg.senderName, "sender_name", "", "Sender display name")
	f.StringVar(&cfg.recipientEmail, "recipient_email", "", "Recipient email address")
	f.StringVar(&cfg.recipientName, "recipient_name", "", "Recipient display name")
	f.StringVar(&cfg.smtpHost, "smtp_host", "smtp.office365.com:587", "SMTP submission server (use tls://host:port for implicit TLS)")
	f.StringVar(&cfg.heloName, "helo_name", "localhost", "Name sent with EHLO")
	f.StringVar(&cfg.subject, "subject", "XOAUTH2 probe", "Subject of the probe message")
	f.StringVar(&cfg.redirectAddr, "redirect_addr", "localhost:8080", "Address to listen on for the authorization-code redirect")
	f.StringVar(&cfg.scopesStr, "scopes", strings.Join(oauth.DefaultScopes, " "), "Space separated OAuth2 scopes to request")
	f.StringVar(&cfg.pushgatewayURL, "pushgateway_url", "", "Push probe metrics to this Prometheus Pushgateway when set")
	f.DurationVar(&cfg.redirectTimeout, "redirect_timeout", 5*time.Minute, "How long to wait for the browser redirect")
	f.DurationVar(&cfg.httpTimeout, "http_timeout", 30*time.Second, "Timeout for each identity provider request")
	f.DurationVar(&cfg.smtpTimeout, "smtp_timeout", 30*time.Second, "Timeout for connecting and for each SMTP command")
	f.DurationVar(&cfg.smtpDataTimeout, "smtp_data_timeout", 2*time.Minute, "Timeout for sending the message body")
	f.DurationVar(&cfg.runTimeout, "run_timeout", 20*time.Minute, "Upper bound for the whole run, including waiting for sign-in")
	f.BoolVar(&cfg.versionInfo, "version", false, "Show version information")
}

// applyArgs copies positional arguments over the equivalent flags. The last
// one, the log level, is optional.
func (cfg *config) applyArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}

	if len(args) < len(positionalArgs)-1 || len(args) > len(positionalArgs) {
		return fmt.Errorf("expected %d or %d positional arguments (%s), got %d",
			len(positionalArgs)-1, len(positionalArgs), strings.Join(positionalArgs, " "), len(args))
	}

	fields := []*string{
		&cfg.grantTypeStr,
		&cfg.clientSecretStr,
		&cfg.clientID,
		&cfg.senderEmail,
		&cfg.senderName,
		&cfg.recipientEmail,
		&cfg.recipientName,
		&cfg.logLevel,
	}

	for i, arg := range args {
		*fields[i] = arg
	}

	return nil
}

// complete derives the typed fields and validates the record.
func (cfg *config) complete() error {
	grantType, err := oauth.ParseGrantType(cfg.grantTypeStr)
	if err != nil {
		return err
	}
	cfg.grantType = grantType

	cfg.clientSecret = parseClientSecret(cfg.clientSecretStr)
	cfg.scopes = strings.Fields(cfg.scopesStr)

	if cfg.endpoints == (oauth.Endpoints{}) {
		cfg.endpoints = oauth.Microsoft
	}

	return cfg.validate()
}

// parseClientSecret turns the literal None, or nothing at all, into the
// absent secret.
func parseClientSecret(s string) oauth.ClientSecret {
	if s == "" || s == noClientSecret {
		return oauth.ClientSecret{}
	}
	return oauth.NewClientSecret(s)
}

func (cfg *config) validate() error {
	if cfg.clientID == "" {
		return errors.New("client_id is required")
	}
	if cfg.recipientEmail == "" {
		return errors.New("recipient_email is required")
	}
	if !strings.Contains(cfg.recipientEmail, "@") {
		return fmt.Errorf("recipient_email %q is not an email address", cfg.recipientEmail)
	}
	if cfg.senderEmail != "" && !strings.Contains(cfg.senderEmail, "@") {
		return fmt.Errorf("sender_email %q is not an email address", cfg.senderEmail)
	}
	if _, ok := parseLevel(cfg.logLevel); !ok {
		return fmt.Errorf("unknown log_level %q (want error, warn, info, debug or trace)", cfg.logLevel)
	}
	if cfg.logFormat != "json" && cfg.logFormat != "logfmt" {
		return fmt.Errorf("unknown log_format %q (want json or logfmt)", cfg.logFormat)
	}
	if cfg.smtpHost == "" {
		return errors.New("smtp_host is required")
	}
	if len(cfg.scopes) == 0 {
		return errors.New("at least one scope is required")
	}

	for name, d := range map[string]time.Duration{
		"redirect_timeout":  cfg.redirectTimeout,
		"http_timeout":      cfg.httpTimeout,
		"smtp_timeout":      cfg.smtpTimeout,
		"smtp_data_timeout": cfg.smtpDataTimeout,
		"run_timeout":       cfg.runTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return nil
}

func (cfg *config) credentials() oauth.Credentials {
	return oauth.Credentials{
		ClientID:     cfg.clientID,
		ClientSecret: cfg.clientSecret,
		Scopes:       cfg.scopes,
		Endpoints:    cfg.endpoints,
	}
}
