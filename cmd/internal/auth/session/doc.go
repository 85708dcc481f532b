// Package session owns the client's authenticated session.
//
// Controller is the only writer of session state. It authenticates through
// the transport client, opens the realtime link on success and tears both the
// link and the conversation store down when the session ends, whether the
// user logged out or the backend rejected the credential.
//
// States: Unknown -> Checking -> {Authenticated, Anonymous};
// Authenticated -> Anonymous on logout or unauthorized.
package session
