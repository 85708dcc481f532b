package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// CredentialSource yields the headers that authorize the dial.
type CredentialSource func(ctx context.Context) http.Header

// WSDialer dials the backend over websocket with the v1 subprotocol.
type WSDialer struct {
	URL          string
	Credentials  CredentialSource
	HTTPClient   *http.Client
	WriteTimeout time.Duration
}

// Dial connects with ?userId=<identity> and the session credential.
func (d *WSDialer) Dial(ctx context.Context, identity string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("userId", identity)
	u.RawQuery = q.Encode()

	var h http.Header
	if d.Credentials != nil {
		h = d.Credentials(ctx)
	}

	c, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: dial status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, err
	}

	if sp := c.Subprotocol(); sp != v1.Subprotocol {
		_ = c.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("server selected subprotocol %q, want %q", sp, v1.Subprotocol)
	}
	c.SetReadLimit(maxFrameBytes)

	wt := d.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	return &wsConn{c: c, writeTimeout: wt}, nil
}

type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) Read(ctx context.Context) (v1.Envelope, error) {
	mt, data, err := w.c.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusCode(v1.CloseUnauthorized) {
			return v1.Envelope{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: message type %v", ErrMalformed, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

func (w *wsConn) Write(parent context.Context, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, w.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, w.c, env)
}

func (w *wsConn) Ping(ctx context.Context) error { return w.c.Ping(ctx) }

func (w *wsConn) Close(reason string) error {
	err := w.c.Close(websocket.StatusNormalClosure, reason)
	if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}
