// Package ingress accepts webhook requests, authenticates them by API key and
// hands them to the dispatcher.
package ingress

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/drblury/hookflow/internal/httpapi"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/logging"
)

// HeaderAPIKey carries the caller's API key.
const HeaderAPIKey = "X-API-Key"

type apiKey struct {
	secret       []byte
	description  string
	allowedPaths []string
}

// APIKeyAuth checks API keys against the paths they may call. With no keys
// configured every request is rejected.
type APIKeyAuth struct {
	keys []apiKey
	log  logging.ServiceLogger
}

type descriptionKey struct{}

func NewAPIKeyAuth(keys map[string]configpkg.APIKey, log logging.ServiceLogger) *APIKeyAuth {
	secrets := make([]string, 0, len(keys))
	for secret := range keys {
		secrets = append(secrets, secret)
	}
	sort.Strings(secrets)

	auth := &APIKeyAuth{log: logging.OrNop(log).With(logging.LogFields{"component": "api-key-auth"})}
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		conf := keys[secret]
		auth.keys = append(auth.keys, apiKey{
			secret:       []byte(secret),
			description:  conf.Description,
			allowedPaths: conf.AllowedPaths,
		})
	}
	return auth
}

// Authorize returns the description of key when it may call path.
func (a *APIKeyAuth) Authorize(key, path string) (string, error) {
	if key == "" {
		return "", errspkg.ErrUnauthorized
	}
	match, ok := a.lookup(key)
	if !ok {
		return "", errspkg.ErrUnauthorized
	}
	for _, pattern := range match.allowedPaths {
		if PathAllowed(pattern, path) {
			return match.description, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errspkg.ErrForbiddenPath, path)
}

// lookup compares key against every configured key so the time taken does
// not depend on which key matched.
func (a *APIKeyAuth) lookup(key string) (apiKey, bool) {
	candidate := []byte(key)
	var found apiKey
	ok := false
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(candidate, k.secret) == 1 {
			found, ok = k, true
		}
	}
	return found, ok
}

// PathAllowed matches path against an allowed-path pattern: "*" matches
// everything, a trailing "*" matches a prefix, anything else must match
// exactly. Trailing slashes are ignored.
func PathAllowed(pattern, path string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "*" {
		return true
	}
	path = "/" + strings.Trim(path, "/")
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, "/"+strings.TrimLeft(prefix, "/"))
	}
	return path == "/"+strings.Trim(pattern, "/")
}

// Middleware rejects requests without a key allowed for the request path.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		description, err := a.Authorize(r.Header.Get(HeaderAPIKey), r.URL.Path)
		if err != nil {
			a.log.Debug("Request rejected", logging.LogFields{
				"path":   r.URL.Path,
				"method": r.Method,
				"reason": err.Error(),
			})
			httpapi.WriteMessage(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), descriptionKey{}, description)))
	})
}

// KeyDescription returns the description of the API key that authorised the
// request, if any.
func KeyDescription(ctx context.Context) string {
	description, _ := ctx.Value(descriptionKey{}).(string)
	return description
}
