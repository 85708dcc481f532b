// Package main is a CI-friendly smoke test for a running Nex backend's
// realtime endpoint.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack link establishment for two users
//   - presence snapshot lists both users
//   - a message sent over REST by A arrives at B as message.new
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxReadBytes = 1 << 20 // 1MiB

type account struct {
	name  string
	id    string
	token string
}

type smokeClient struct {
	account
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:5001/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:5001/api", "REST base URL")
		userA   = flag.String("a", "", "user id of A")
		tokenA  = flag.String("a-token", os.Getenv("NEX_SMOKE_TOKEN_A"), "bearer token of A")
		userB   = flag.String("b", "", "user id of B")
		tokenB  = flag.String("b-token", os.Getenv("NEX_SMOKE_TOKEN_B"), "bearer token of B")
		text    = flag.String("text", "hello nex", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateURL(*wsURL, "ws", "wss"); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateURL(*apiURL, "http", "https"); err != nil {
		fatalf("invalid -api: %v", err)
	}
	if *userA == "" || *userB == "" || *tokenA == "" || *tokenB == "" {
		fatalf("-a, -a-token, -b and -b-token are required")
	}

	root := context.Background()

	a := mustConnect(root, account{"A", *userA, *tokenA}, *wsURL, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, account{"B", *userB, *tokenB}, *wsURL, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s\n", a.id, b.id)
	}

	b.mustSeePresence(root, []string{a.id, b.id}, *timeout)

	sent := mustSend(root, *apiURL, a.account, b.id, *text, *timeout)
	got := b.mustReadMessage(root, sent.ID, *timeout)
	if got.SenderID != a.id || got.ReceiverID != b.id || got.Text != *text {
		fatalf("message.new mismatch: %+v", got)
	}

	fmt.Printf("OK: A=%s B=%s message_id=%s\n", a.id, b.id, sent.ID)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, acct account, wsURL string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, _ := url.Parse(wsURL)
	q := u.Query()
	q.Set("userId", acct.id)
	u.RawQuery = q.Encode()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+acct.token)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", acct.name, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		fatalf("connect %s: subprotocol %q, want %q", acct.name, sp, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		account: acct,
		conn:    conn,
		inbox:   make(chan v1.Envelope, 512),
		errCh:   make(chan error, 1),
	}
	c.startReadLoop()

	hello, err := v1.NewEnvelope(v1.TypeHello, acct.name+"-hello", time.Now().UTC(), v1.HelloPayload{UserID: acct.id})
	if err != nil {
		fatalf("build hello: %v", err)
	}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		fatalf("write hello (%s): %v", acct.name, err)
	}

	ack := c.mustReadUntil(parent, v1.TypeHelloAck, stepTimeout, nil)
	var p v1.HelloAckPayload
	if err := ack.Decode(&p); err != nil {
		fatalf("decode hello.ack (%s): %v", acct.name, err)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		for {
			var env v1.Envelope
			if err := wsjson.Read(context.Background(), c.conn, &env); err != nil {
				c.errCh <- err
				return
			}
			c.inbox <- env
		}
	}()
}

func (c *smokeClient) mustReadUntil(parent context.Context, typ string, stepTimeout time.Duration, match func(v1.Envelope) bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case env := <-c.inbox:
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = env.Decode(&p)
				fatalf("%s: server error %s: %s", c.name, p.Code, p.Message)
			}
			if env.Type == typ && (match == nil || match(env)) {
				return env
			}
		case err := <-c.errCh:
			fatalf("%s: read: %v", c.name, err)
		case <-ctx.Done():
			fatalf("%s: timed out waiting for %s", c.name, typ)
		}
	}
}

func (c *smokeClient) mustSeePresence(parent context.Context, want []string, stepTimeout time.Duration) {
	c.mustReadUntil(parent, v1.TypePresenceUpdate, stepTimeout, func(env v1.Envelope) bool {
		var p v1.PresenceUpdatePayload
		if err := env.Decode(&p); err != nil {
			return false
		}
		for _, id := range want {
			if !slices.Contains(p.UserIDs, id) {
				return false
			}
		}
		return true
	})
}

func (c *smokeClient) mustReadMessage(parent context.Context, id string, stepTimeout time.Duration) v1.Message {
	var msg v1.Message
	c.mustReadUntil(parent, v1.TypeMessageNew, stepTimeout, func(env v1.Envelope) bool {
		var p v1.MessageNewPayload
		if err := env.Decode(&p); err != nil {
			return false
		}
		msg = p.Message
		return msg.ID == id
	})
	return msg
}

func mustSend(parent context.Context, apiURL string, from account, to, text string, stepTimeout time.Duration) v1.Message {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(apiURL, "/")+"/messages/send/"+url.PathEscape(to), bytes.NewReader(body))
	if err != nil {
		fatalf("build send: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+from.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("send: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		fatalf("send: status %d", resp.StatusCode)
	}

	var msg v1.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		fatalf("decode sent message: %v", err)
	}
	if msg.ID == "" {
		fatalf("sent message has no _id")
	}
	return msg
}

func closeWS(c *websocket.Conn) {
	if c == nil {
		return
	}
	_ = c.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
