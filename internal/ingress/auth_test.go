package ingress

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
)

func TestPathAllowed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{pattern: "*", path: "/anything/at/all", want: true},
		{pattern: "/webhooks/*", path: "/webhooks/invoices", want: true},
		{pattern: "/webhooks/*", path: "/webhooks/invoices/eu", want: true},
		{pattern: "/webhooks/*", path: "/api/dlq/messages", want: false},
		{pattern: "webhooks/inv*", path: "/webhooks/invoices", want: true},
		{pattern: "/webhooks/invoices", path: "/webhooks/invoices/", want: true},
		{pattern: "/webhooks/invoices/", path: "/webhooks/invoices", want: true},
		{pattern: "/webhooks/invoices", path: "/webhooks/invoices-eu", want: false},
		{pattern: "", path: "/webhooks/invoices", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+" "+tc.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, PathAllowed(tc.pattern, tc.path))
		})
	}
}

func TestAPIKeyAuthAuthorize(t *testing.T) {
	t.Parallel()

	auth := NewAPIKeyAuth(map[string]configpkg.APIKey{
		"ops-key":  {Description: "operations", AllowedPaths: []string{"/api/dlq/*", "/api/correlations/*"}},
		"hook-key": {Description: "billing", AllowedPaths: []string{"/webhooks/invoices"}},
		"":         {Description: "ignored", AllowedPaths: []string{"*"}},
	}, nil)

	description, err := auth.Authorize("ops-key", "/api/dlq/messages")
	require.NoError(t, err)
	assert.Equal(t, "operations", description)

	_, err = auth.Authorize("hook-key", "/api/dlq/messages")
	require.ErrorIs(t, err, errspkg.ErrForbiddenPath)

	_, err = auth.Authorize("", "/webhooks/invoices")
	require.ErrorIs(t, err, errspkg.ErrUnauthorized)

	_, err = auth.Authorize("guess", "/webhooks/invoices")
	require.ErrorIs(t, err, errspkg.ErrUnauthorized)
}

func TestAPIKeyAuthWithoutKeysRejectsEverything(t *testing.T) {
	t.Parallel()
	auth := NewAPIKeyAuth(nil, nil)
	_, err := auth.Authorize("anything", "/webhooks/invoices")
	require.ErrorIs(t, err, errspkg.ErrUnauthorized)
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	t.Parallel()

	auth := NewAPIKeyAuth(map[string]configpkg.APIKey{
		"ops-key": {Description: "operations", AllowedPaths: []string{"/api/dlq/*"}},
	}, nil)
	var seen string
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = KeyDescription(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/dlq/messages", nil)
		req.Header.Set(HeaderAPIKey, "ops-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "operations", seen)
	})

	t.Run("rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/correlations/abc", nil)
		req.Header.Set(HeaderAPIKey, "ops-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), `"message"`)
	})
}
