package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// AuthorizationCodeFlow implements the interactive authorization-code grant
// with PKCE. A local listener receives the browser redirect carrying the code.
type AuthorizationCodeFlow struct {
	opts options
}

func (f *AuthorizationCodeFlow) strategy() {}

// GrantType implements Strategy.
func (f *AuthorizationCodeFlow) GrantType() GrantType { return AuthorizationCodeGrant }

type redirectResult struct {
	code        string
	err         string
	description string
}

// AcquireToken starts the redirect listener, prompts the operator with the
// login URL, waits for the redirect and exchanges the code. The listener is
// closed before AcquireToken returns.
func (f *AuthorizationCodeFlow) AcquireToken(ctx context.Context, creds Credentials) (*AccessToken, error) {
	logger := f.opts.logger.With(slog.String("component", "authorization_code_flow"))

	ln, err := net.Listen("tcp", f.opts.redirectAddr)
	if err != nil {
		return nil, &AuthError{Kind: KindNetworkError, Description: "cannot start redirect listener", Err: err}
	}

	redirectURL := redirectURLFor(f.opts.redirectAddr, ln.Addr())
	cfg := creds.oauth2Config(redirectURL)

	state, err := randomState()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	results := make(chan redirectResult, 1)
	stop := serveRedirect(ctx, logger, ln, redirectHandler(state, results))
	defer stop()

	logger.DebugContext(ctx, "redirect listener started", slog.String("redirect_uri", redirectURL))

	f.opts.prompter.PromptLogin(ctx, cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)))

	res, err := f.waitForRedirect(ctx, results)
	stop()
	if err != nil {
		return nil, err
	}

	if res.err != "" {
		return nil, &AuthError{Kind: KindDenied, Code: res.err, Description: res.description}
	}

	logger.DebugContext(ctx, "authorization code received, exchanging for a token")

	tok, err := cfg.Exchange(withHTTPClient(ctx, f.opts.httpClient), res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classify(ctx, err)
	}

	at, err := accessTokenFrom(tok)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "access token retrieved from the token endpoint", slog.Any("token", at))

	return at, nil
}

func (f *AuthorizationCodeFlow) waitForRedirect(ctx context.Context, results <-chan redirectResult) (redirectResult, error) {
	timer := time.NewTimer(f.opts.redirectTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return redirectResult{}, contextError(ctx.Err())
	case <-timer.C:
		return redirectResult{}, &AuthError{Kind: KindTimeout,
			Description: fmt.Sprintf("no redirect received within %s", f.opts.redirectTimeout)}
	case res := <-results:
		return res, nil
	}
}

// redirectURLFor keeps the configured host name (the provider matches the
// registered redirect URI literally) and takes the port from the listener.
func redirectURLFor(configured string, addr net.Addr) string {
	host, _, err := net.SplitHostPort(configured)
	if err != nil || host == "" {
		host = "localhost"
	}

	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}

	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

var redirectPage = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html><head><title>xoauth2-probe</title></head>
<body>
{{if .Error}}<h1>Sign-in failed</h1><p>{{.Error}}{{if .Description}}: {{.Description}}{{end}}</p>
{{else}}<h1>Sign-in complete</h1><p>You can close this window and return to the terminal.</p>{{end}}
</body></html>
`))

func redirectHandler(state string, results chan<- redirectResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		res := redirectResult{
			code:        q.Get("code"),
			err:         q.Get("error"),
			description: q.Get("error_description"),
		}

		switch {
		case res.err == "" && res.code == "":
			// browsers also ask for /favicon.ico and the like
			http.Error(w, "missing code or error parameter", http.StatusBadRequest)
			return
		case res.err == "" && q.Get("state") != state:
			res = redirectResult{err: "invalid_state", description: "state parameter does not match the authorization request"}
		}

		status := http.StatusOK
		if res.err != "" {
			status = http.StatusBadRequest
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_ = redirectPage.Execute(w, struct{ Error, Description string }{res.err, res.description})

		select {
		case results <- res:
		default:
			// only the first redirect counts
		}
	})
}

// serveRedirect serves h on ln until the returned stop function is called.
// stop is idempotent and returns once the listener is closed.
func serveRedirect(ctx context.Context, logger *slog.Logger, ln net.Listener, h http.Handler) (stop func()) {
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           h,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WarnContext(ctx, "redirect listener terminated with error", slog.Any("error", err))
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			// let the browser receive its page, but don't hang on it
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}
}
