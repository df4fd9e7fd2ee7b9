package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	verifier := StaticToken{Token: "token", Operator: "field-tech"}

	handler := AuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, ok := OperatorFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, "field-tech", operator)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Invalid(t *testing.T) {
	handler := AuthMiddleware(StaticToken{Token: "token"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, header := range []string{"", "Bearer ", "Bearer other"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestStaticToken_EmptyTokenRejectsEverything(t *testing.T) {
	_, err := StaticToken{}.VerifyToken(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthorized)

	operator, err := StaticToken{Token: "t"}.VerifyToken(context.Background(), "t")
	require.NoError(t, err)
	require.Equal(t, "operator", operator)
}
