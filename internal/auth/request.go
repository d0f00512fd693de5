package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	bearerPrefix = "Bearer "
	// AccessTokenQueryParameter carries the token for clients that cannot set headers, such as EventSource.
	AccessTokenQueryParameter = "access_token"
)

// ErrMissingToken indicates the request carried no bearer token.
var ErrMissingToken = errors.New("auth: token required")

// TokenFromRequest returns the bearer token from the Authorization header, falling back to the
// access_token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", ErrMissingToken
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	}
	token := strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParameter))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
