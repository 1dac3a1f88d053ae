package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

type fakeReply struct {
	status int
	body   any
}

func pending() fakeReply {
	return fakeReply{http.StatusBadRequest, map[string]string{"error": "authorization_pending"}}
}

func slowDown() fakeReply {
	return fakeReply{http.StatusBadRequest, map[string]string{"error": "slow_down"}}
}

func tokenReply(token string) fakeReply {
	return fakeReply{http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}}
}

func errorReply(status int, code, description string) fakeReply {
	return fakeReply{status, map[string]string{"error": code, "error_description": description}}
}

// fakeProvider is a scripted identity provider.
type fakeProvider struct {
	srv *httptest.Server

	mu          sync.Mutex
	deviceReply fakeReply
	// tokenReplies are served in order, the last one repeats
	tokenReplies []fakeReply
	deviceForms  []url.Values
	tokenForms   []url.Values
	tokenTimes   []time.Time
	profileAuth  []string
	profileReply fakeReply
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	p := &fakeProvider{
		deviceReply: fakeReply{http.StatusOK, map[string]any{
			"device_code":      "device-code-1",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://microsoft.com/devicelogin",
			"interval":         1,
			"expires_in":       100,
		}},
		tokenReplies: []fakeReply{tokenReply("access-token-1")},
		profileReply: fakeReply{http.StatusOK, map[string]string{
			"Id":           "id-1",
			"EmailAddress": "alice@example.com",
			"DisplayName":  "Alice",
			"Alias":        "alice",
		}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /devicecode", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()

		p.mu.Lock()
		p.deviceForms = append(p.deviceForms, r.PostForm)
		reply := p.deviceReply
		p.mu.Unlock()

		writeReply(w, reply)
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()

		p.mu.Lock()
		p.tokenForms = append(p.tokenForms, r.PostForm)
		p.tokenTimes = append(p.tokenTimes, time.Now())
		reply := p.tokenReplies[0]
		if len(p.tokenReplies) > 1 {
			p.tokenReplies = p.tokenReplies[1:]
		}
		p.mu.Unlock()

		writeReply(w, reply)
	})
	mux.HandleFunc("GET /me/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.profileAuth = append(p.profileAuth, r.Header.Get("Authorization"))
		reply := p.profileReply
		p.mu.Unlock()

		writeReply(w, reply)
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	return p
}

func writeReply(w http.ResponseWriter, reply fakeReply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.status)
	_ = json.NewEncoder(w).Encode(reply.body)
}

func (p *fakeProvider) setTokenReplies(replies ...fakeReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenReplies = replies
}

func (p *fakeProvider) setDeviceReply(reply fakeReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deviceReply = reply
}

func (p *fakeProvider) polls() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.tokenTimes...)
}

func (p *fakeProvider) tokenRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.tokenForms...)
}

func (p *fakeProvider) endpoints() Endpoints {
	return Endpoints{
		AuthURL:       p.srv.URL + "/authorize",
		TokenURL:      p.srv.URL + "/token",
		DeviceAuthURL: p.srv.URL + "/devicecode",
		ProfileURL:    p.srv.URL + "/me/",
	}
}

func (p *fakeProvider) credentials(secret ClientSecret) Credentials {
	return Credentials{
		ClientID:     "client-id-1",
		ClientSecret: secret,
		Scopes:       DefaultScopes,
		Endpoints:    p.endpoints(),
	}
}

// recordingPrompter captures prompts and optionally reacts to them.
type recordingPrompter struct {
	mu          sync.Mutex
	loginURLs   []string
	deviceCodes []*DeviceCodeResponse

	onLogin  func(authURL string)
	onDevice func(dcr *DeviceCodeResponse)
}

func (p *recordingPrompter) PromptLogin(_ context.Context, authURL string) {
	p.mu.Lock()
	p.loginURLs = append(p.loginURLs, authURL)
	p.mu.Unlock()

	if p.onLogin != nil {
		p.onLogin(authURL)
	}
}

func (p *recordingPrompter) PromptDeviceCode(_ context.Context, dcr *DeviceCodeResponse) {
	p.mu.Lock()
	p.deviceCodes = append(p.deviceCodes, dcr)
	p.mu.Unlock()

	if p.onDevice != nil {
		p.onDevice(dcr)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
