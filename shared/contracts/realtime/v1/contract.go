// Package v1 defines the Nex Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the client engine and test backends to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "nex.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a link handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello.ack"

	// TypePresenceUpdate carries the full set of online user ids (server -> client).
	TypePresenceUpdate = "presence.update"

	// TypeMessageNew pushes a newly stored message (server -> client).
	TypeMessageNew = "message.new"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes with client-side meaning.
const (
	// CodeUnauthorized means the link credential was rejected.
	CodeUnauthorized = "unauthorized"
)

// CloseUnauthorized is the application close status a server uses to reject a link credential.
const CloseUnauthorized = 4401

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a versioned envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypePresenceUpdate,
		TypeMessageNew,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload is sent by the client right after the websocket opens.
// UserID is the correlation key; authorization comes from the handshake credential.
type HelloPayload struct {
	UserID string `json:"user_id"`
}

// HelloAckPayload confirms the link and carries the server-side link id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// PresenceUpdatePayload is a full snapshot of online users, never a diff.
type PresenceUpdatePayload struct {
	UserIDs []string `json:"user_ids"`
}

// MessageNewPayload is the pushed message.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
