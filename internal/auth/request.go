package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	// QueryTokenParam carries the token for EventSource and WebSocket clients
	// that cannot set headers.
	QueryTokenParam = "access_token"
	bearerPrefix    = "bearer "
)

// ErrMissingToken indicates the request carried no token.
var ErrMissingToken = errors.New("auth: token required")

// TokenFromRequest reads the token from the Authorization bearer header, the
// access_token query parameter or the named cookie, in that order.
func TokenFromRequest(r *http.Request, cookieName string) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
				return token, nil
			}
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(QueryTokenParam)); token != "" {
		return token, nil
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
			return strings.TrimSpace(cookie.Value), nil
		}
	}
	return "", ErrMissingToken
}
