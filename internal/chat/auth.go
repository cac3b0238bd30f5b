package chat

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// extractToken pulls the chat access token from an upgrade request. Transports
// are tried in priority order:
//
//  1. Authorization: Bearer <token> header
//  2. Sec-WebSocket-Protocol: <proto>, token:<token> (or a bare token as the
//     second entry); the first entry is echoed back as the negotiated
//     subprotocol
//  3. ?token=<token> query parameter
//  4. token cookie
//
// The returned subprotocol is non-empty only for the subprotocol transport.
func extractToken(r *http.Request) (token, subprotocol string) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.Fields(auth)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1], ""
		}
	}

	if proto := r.Header.Get("Sec-Websocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		if len(parts) == 2 {
			raw := strings.TrimSpace(parts[1])
			// Accept both "token:<value>" and a bare token.
			if idx := strings.LastIndex(raw, ":"); idx >= 0 {
				raw = raw[idx+1:]
			}
			if raw != "" {
				return raw, strings.TrimSpace(parts[0])
			}
		}
	}

	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, ""
	}

	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value, ""
	}

	return "", ""
}

// validToken compares a presented token against the configured API key in
// constant time.
func validToken(token, apiKey string) bool {
	if token == "" || apiKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1
}
