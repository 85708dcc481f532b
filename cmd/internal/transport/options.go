package transport

import (
	"net/url"
	"strings"
)

// CredentialMode selects how the session credential travels. A deployment
// uses exactly one mode; there is no fallback between them.
type CredentialMode string

const (
	CredentialCookie CredentialMode = "cookie"
	CredentialBearer CredentialMode = "bearer"
)

// ParseCredentialMode validates a configured mode string.
func ParseCredentialMode(s string) (CredentialMode, bool) {
	switch CredentialMode(strings.ToLower(strings.TrimSpace(s))) {
	case CredentialCookie:
		return CredentialCookie, true
	case CredentialBearer:
		return CredentialBearer, true
	default:
		return "", false
	}
}

// Backend paths used across the engine.
const (
	PathAuthCheck     = "/auth/check"
	PathAuthSignup    = "/auth/signup"
	PathAuthLogin     = "/auth/login"
	PathAuthLogout    = "/auth/logout"
	PathUpdateProfile = "/auth/update-profile"
	PathUsers         = "/messages/users"
)

// PathHistory is the history endpoint for one peer.
func PathHistory(peerID string) string { return "/messages/" + url.PathEscape(peerID) }

// PathSend is the send endpoint for one peer.
func PathSend(peerID string) string { return "/messages/send/" + url.PathEscape(peerID) }

// exemptPaths never trigger the unauthorized handler: a 401 there is an
// expected, locally handled outcome.
var exemptPaths = map[string]struct{}{
	PathAuthCheck:  {},
	PathAuthLogin:  {},
	PathAuthSignup: {},
}

// IsExempt reports whether path is auth-exempt by default.
func IsExempt(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	_, ok := exemptPaths[path]
	return ok
}

type callOptions struct {
	exempt bool
}

// Option adjusts one Send call.
type Option func(*callOptions)

// AuthExempt marks a call whose 401 must not fire the unauthorized handler.
func AuthExempt() Option {
	return func(o *callOptions) { o.exempt = true }
}

// routeLabel collapses peer ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/messages/send/"):
		return "/messages/send/:peer"
	case path == PathUsers:
		return path
	case strings.HasPrefix(path, "/messages/"):
		return "/messages/:peer"
	default:
		return path
	}
}
