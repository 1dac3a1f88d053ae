package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestAuthError_Error(t *testing.T) {
	t.Parallel()

	err := &AuthError{
		Kind:        KindProviderError,
		Code:        "invalid_client",
		Description: "AADSTS7000218",
		StatusCode:  http.StatusUnauthorized,
	}
	assert.Equal(t, "oauth: provider error: invalid_client: AADSTS7000218 (HTTP 401)", err.Error())

	err = &AuthError{Kind: KindCanceled, Err: context.Canceled}
	assert.Equal(t, "oauth: canceled: context canceled", err.Error())
}

func TestAuthError_Is(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("acquire: %w", &AuthError{Kind: KindDenied, Code: "access_denied"})

	assert.ErrorIs(t, err, ErrDenied)
	assert.ErrorIs(t, err, &AuthError{Kind: KindDenied, Code: "access_denied"})
	assert.NotErrorIs(t, err, &AuthError{Kind: KindDenied, Code: "authorization_declined"})
	assert.NotErrorIs(t, err, ErrExpired)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	t.Run("retrieve error", func(t *testing.T) {
		t.Parallel()

		re := &oauth2.RetrieveError{
			Response:         &http.Response{StatusCode: http.StatusBadRequest},
			ErrorCode:        "invalid_grant",
			ErrorDescription: "code expired",
		}

		ae := classify(t.Context(), fmt.Errorf("exchange: %w", re))
		assert.Equal(t, KindProviderError, ae.Kind)
		assert.Equal(t, "invalid_grant", ae.Code)
		assert.Equal(t, "code expired", ae.Description)
		assert.Equal(t, http.StatusBadRequest, ae.StatusCode)
	})

	t.Run("unparsed body", func(t *testing.T) {
		t.Parallel()

		re := &oauth2.RetrieveError{
			Response: &http.Response{StatusCode: http.StatusBadRequest},
			Body:     []byte(`{"error":"invalid_scope","error_description":"bad scope"}`),
		}

		ae := classify(t.Context(), re)
		assert.Equal(t, "invalid_scope", ae.Code)
		assert.Equal(t, "bad scope", ae.Description)
	})

	t.Run("context wins", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		ae := classify(ctx, errors.New("read: connection reset"))
		assert.Equal(t, KindCanceled, ae.Kind)
		assert.ErrorIs(t, ae, context.Canceled)
	})

	t.Run("already classified", func(t *testing.T) {
		t.Parallel()

		in := &AuthError{Kind: KindExpired}
		require.Same(t, in, classify(t.Context(), fmt.Errorf("wrapped: %w", in)))
	})

	t.Run("network", func(t *testing.T) {
		t.Parallel()

		ae := classify(t.Context(), errors.New("dial tcp: connection refused"))
		assert.Equal(t, KindNetworkError, ae.Kind)
	})
}

func TestContextError(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, contextError(context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, contextError(context.Canceled), ErrCanceled)
}

func TestKindForCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindDenied, kindForCode("access_denied"))
	assert.Equal(t, KindDenied, kindForCode("authorization_declined"))
	assert.Equal(t, KindExpired, kindForCode("expired_token"))
	assert.Equal(t, KindExpired, kindForCode("code_expired"))
	assert.Equal(t, KindProviderError, kindForCode("invalid_grant"))
	assert.Equal(t, KindProviderError, kindForCode(""))
}
