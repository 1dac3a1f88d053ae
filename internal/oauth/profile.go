package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Profile is the signed-in mailbox as reported by the Outlook REST API.
type Profile struct {
	ID           string `json:"Id"`
	EmailAddress string `json:"EmailAddress"`
	DisplayName  string `json:"DisplayName"`
	Alias        string `json:"Alias"`
}

// FetchProfile looks up the mailbox that owns the token, so the probe can be
// sent from the account that signed in.
func FetchProfile(ctx context.Context, client *http.Client, profileURL string, tok *AccessToken) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classify(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		ae := &AuthError{Kind: KindProviderError, StatusCode: resp.StatusCode, Description: "profile lookup failed"}

		// {"error": {"code": "...", "message": "..."}}
		var odata struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &odata) == nil && odata.Error.Code != "" {
			ae.Code = odata.Error.Code
			ae.Description = odata.Error.Message
		}

		return nil, ae
	}

	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &AuthError{Kind: KindProviderError, Code: "invalid_profile_response",
			Description: fmt.Sprintf("cannot decode profile: %v", err), StatusCode: resp.StatusCode}
	}

	if p.EmailAddress == "" {
		return nil, &AuthError{Kind: KindProviderError, Code: "invalid_profile_response",
			Description: "profile has no EmailAddress", StatusCode: resp.StatusCode}
	}

	return &p, nil
}
