// Package transport is the engine's only path to the backend's HTTP surface.
//
// Client attaches exactly one kind of credential per deployment (cookie jar or
// bearer token), stamps every request with an X-Request-ID, and intercepts 401
// responses: calls to auth-exempt endpoints get the error back untouched, any
// other 401 additionally fires the unauthorized handler once before the typed
// error is returned to the caller.
package transport
