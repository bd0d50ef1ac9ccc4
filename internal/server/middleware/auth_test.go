package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTokenValidator is a test implementation of TokenValidator for unit tests.
type testTokenValidator struct {
	validTokens map[string]string
}

func (v *testTokenValidator) ValidateToken(tokenString string) (CallerGetter, error) {
	subject, ok := v.validTokens[tokenString]
	if !ok {
		return nil, fmt.Errorf("invalid token")
	}
	return testClaims(subject), nil
}

type testClaims string

func (c testClaims) Caller() string { return string(c) }

func protected(t *testing.T) http.Handler {
	validator := &testTokenValidator{validTokens: map[string]string{"good-token": "ci-runner"}}
	return AuthMiddleware(validator, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := GetSubject(r)
		if err != nil {
			subject = "anonymous"
		}
		_, _ = w.Write([]byte(subject))
	}))
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "valid token", path: "/jobs", header: "Bearer good-token", wantStatus: http.StatusOK, wantBody: "ci-runner"},
		{name: "lowercase scheme", path: "/jobs", header: "bearer good-token", wantStatus: http.StatusOK, wantBody: "ci-runner"},
		{name: "missing header", path: "/jobs", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/jobs", header: "Basic good-token", wantStatus: http.StatusUnauthorized},
		{name: "extra parts", path: "/jobs", header: "Bearer good-token extra", wantStatus: http.StatusUnauthorized},
		{name: "unknown token", path: "/jobs", header: "Bearer forged", wantStatus: http.StatusUnauthorized},
		{name: "public path", path: "/health", wantStatus: http.StatusOK, wantBody: "anonymous"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			protected(t).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestAuthMiddleware_PreflightPasses(t *testing.T) {
	rec := httptest.NewRecorder()
	protected(t).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/analyze", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSubject_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := GetSubject(req)
	require.Error(t, err)

	req = req.WithContext(context.WithValue(req.Context(), subjectKey, 42))
	_, err = GetSubject(req)
	assert.Error(t, err)
}
