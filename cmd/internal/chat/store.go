// Package chat is the conversation store: fetched history per peer merged
// with live-pushed and sent messages into one ordered view.
//
// For the selected peer the sequence is non-decreasing in CreatedAt and
// holds each message id at most once. History results are applied only if
// they belong to the latest load for the still-selected peer.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/esmukingi/NexChat/cmd/internal/apperr"
	"github.com/esmukingi/NexChat/cmd/internal/metrics"
	"github.com/esmukingi/NexChat/cmd/internal/notify"
	"github.com/esmukingi/NexChat/cmd/internal/transport"
	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"
)

// ErrStale is returned when a completed load was superseded and discarded.
var ErrStale = errors.New("chat: result superseded")

// User-facing fallbacks when the backend sends no message.
const (
	MsgPeersFailed   = "Failed to fetch users"
	MsgHistoryFailed = "Failed to load messages"
	MsgSendFailed    = "Failed to send message"
)

// Payload is the body of POST /messages/send/{peerId}.
type Payload struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// Loading are the in-flight flags a UI shows as spinners.
type Loading struct {
	Peers    bool
	Messages bool
}

// Backend is the slice of the transport client the store needs.
type Backend interface {
	SendJSON(ctx context.Context, method, path string, in, out any, opts ...transport.Option) error
}

// Config wires a Store.
type Config struct {
	Backend  Backend
	Notifier notify.Notifier
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

type conversation struct {
	msgs []v1.Message
	ids  map[string]struct{}
}

// Store is safe for concurrent use. No lock is held across network calls.
type Store struct {
	backend  Backend
	notifier notify.Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	selected *v1.User
	convs    map[string]*conversation
	peers    []v1.User
	loading  Loading

	// selGen advances on every selection change and on Reset.
	selGen uint64
	// histSeq identifies the latest history load.
	histSeq uint64
	// peersSeq identifies the latest peers load.
	peersSeq uint64
}

// New constructs an empty Store.
func New(cfg Config) *Store {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.LogNotifier{Log: log}
	}
	return &Store{
		backend:  cfg.Backend,
		notifier: n,
		log:      log,
		metrics:  cfg.Metrics,
		convs:    make(map[string]*conversation),
	}
}

// SelectPeer changes the selected peer. nil clears the selection. A peer
// without an id is rejected and nothing changes.
func (s *Store) SelectPeer(peer *v1.User) error {
	if peer != nil && !peer.Valid() {
		return apperr.Validation("chat.SelectPeer", "peer id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case peer == nil && s.selected == nil:
		return nil
	case peer != nil && s.selected != nil && s.selected.ID == peer.ID:
		cp := *peer
		s.selected = &cp
		return nil
	}

	if peer == nil {
		s.selected = nil
	} else {
		cp := *peer
		s.selected = &cp
	}
	s.selGen++
	s.log.Debug("chat.select", "peer_id", selectedID(s.selected))
	return nil
}

// Selected returns the selected peer, or nil.
func (s *Store) Selected() *v1.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return nil
	}
	cp := *s.selected
	return &cp
}

// Messages returns the selected peer's conversation.
func (s *Store) Messages() []v1.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return nil
	}
	return s.snapshotLocked(s.selected.ID)
}

// MessagesFor returns the last known conversation with peerID.
func (s *Store) MessagesFor(peerID string) []v1.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(peerID)
}

// Peers returns the last fetched peer list.
func (s *Store) Peers() []v1.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.peers)
}

// Loading returns the in-flight flags.
func (s *Store) Loading() Loading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// LoadPeers fetches the peer list.
func (s *Store) LoadPeers(ctx context.Context) ([]v1.User, error) {
	s.mu.Lock()
	s.peersSeq++
	seq := s.peersSeq
	s.loading.Peers = true
	s.mu.Unlock()

	var peers []v1.User
	err := s.backend.SendJSON(ctx, http.MethodGet, transport.PathUsers, nil, &peers)
	peers = slices.DeleteFunc(peers, func(u v1.User) bool { return !u.Valid() })

	s.mu.Lock()
	current := seq == s.peersSeq
	if current {
		s.loading.Peers = false
	}
	if err == nil && current {
		s.peers = slices.Clone(peers)
	}
	s.mu.Unlock()

	if !current {
		return nil, ErrStale
	}
	if err != nil {
		s.report(ctx, notify.KindPeers, MsgPeersFailed, false, err)
		return nil, err
	}
	return slices.Clone(peers), nil
}

// LoadHistory fetches the full history with peerID. The result is applied
// only if peerID is still selected and no newer load was started; otherwise
// it is discarded and ErrStale is returned. Applied history is merged with
// messages already received live, so nothing pushed meanwhile is lost.
func (s *Store) LoadHistory(ctx context.Context, peerID string) ([]v1.Message, error) {
	const op = "chat.LoadHistory"

	s.mu.Lock()
	if peerID == "" {
		s.mu.Unlock()
		return nil, apperr.Validation(op, "peer id is required")
	}
	if s.selected == nil || s.selected.ID != peerID {
		s.mu.Unlock()
		return nil, apperr.Validation(op, "peer is not selected")
	}
	s.histSeq++
	seq, gen := s.histSeq, s.selGen
	s.loading.Messages = true
	s.mu.Unlock()

	var history []v1.Message
	err := s.backend.SendJSON(ctx, http.MethodGet, transport.PathHistory(peerID), nil, &history)

	s.mu.Lock()
	latest := seq == s.histSeq
	if latest {
		s.loading.Messages = false
	}
	if !latest || gen != s.selGen {
		s.mu.Unlock()
		s.metrics.IncHistoryStale()
		s.log.Debug("chat.history.stale", "peer_id", peerID)
		return nil, ErrStale
	}
	if err != nil {
		s.mu.Unlock()
		s.report(ctx, notify.KindHistory, MsgHistoryFailed, true, err)
		return nil, err
	}

	s.convs[peerID] = reconcile(history, s.convs[peerID])
	out := s.snapshotLocked(peerID)
	s.mu.Unlock()

	s.log.Debug("chat.history.applied", "peer_id", peerID, "count", len(out))
	return out, nil
}

// Send posts a message to peerID. The server-confirmed message is appended
// only after success and only if peerID is still selected.
func (s *Store) Send(ctx context.Context, peerID string, p Payload) (*v1.Message, error) {
	const op = "chat.Send"

	if strings.TrimSpace(peerID) == "" {
		return nil, apperr.Validation(op, "peer id is required")
	}
	if strings.TrimSpace(p.Text) == "" && p.Image == "" {
		return nil, apperr.Validation(op, "message needs text or an image")
	}

	var msg v1.Message
	if err := s.backend.SendJSON(ctx, http.MethodPost, transport.PathSend(peerID), p, &msg); err != nil {
		s.report(ctx, notify.KindSend, MsgSendFailed, true, err)
		return nil, err
	}
	if msg.ID == "" {
		err := apperr.New(op, apperr.ErrRemote, "response carried no message id")
		s.report(ctx, notify.KindSend, MsgSendFailed, true, err)
		return nil, err
	}

	s.mu.Lock()
	if s.selected != nil && s.selected.ID == peerID {
		s.appendLocked(peerID, msg)
	}
	s.mu.Unlock()
	return &msg, nil
}

// MergeIncoming adds a pushed message to the selected conversation if it
// involves the selected peer and its id is new. It reports whether it was added.
func (s *Store) MergeIncoming(msg v1.Message) bool {
	if msg.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil || !msg.Involves(s.selected.ID) {
		return false
	}
	return s.appendLocked(s.selected.ID, msg)
}

// Reset drops all state. In-flight loads are discarded when they complete.
func (s *Store) Reset() {
	s.mu.Lock()
	s.selected = nil
	s.convs = make(map[string]*conversation)
	s.peers = nil
	s.loading = Loading{}
	s.selGen++
	s.histSeq++
	s.peersSeq++
	s.mu.Unlock()
}

func (s *Store) appendLocked(peerID string, msg v1.Message) bool {
	c := s.convs[peerID]
	if c == nil {
		c = &conversation{ids: make(map[string]struct{})}
		s.convs[peerID] = c
	}
	if _, dup := c.ids[msg.ID]; dup {
		s.metrics.IncDuplicate()
		return false
	}
	c.ids[msg.ID] = struct{}{}

	// Appends in the common case; a late arrival goes after every message
	// that is not newer than it, leaving existing messages in order.
	n := len(c.msgs)
	if n == 0 || !c.msgs[n-1].CreatedAt.After(msg.CreatedAt) {
		c.msgs = append(c.msgs, msg)
	} else {
		i, _ := slices.BinarySearchFunc(c.msgs, msg, func(a, b v1.Message) int {
			if a.CreatedAt.After(b.CreatedAt) {
				return 1
			}
			return -1
		})
		c.msgs = slices.Insert(c.msgs, i, msg)
	}
	s.metrics.IncMerged()
	return true
}

func (s *Store) snapshotLocked(peerID string) []v1.Message {
	c := s.convs[peerID]
	if c == nil {
		return []v1.Message{}
	}
	return slices.Clone(c.msgs)
}

// report notifies a failure unless a session expiry already did.
func (s *Store) report(ctx context.Context, kind notify.Kind, fallback string, useBackendMsg bool, err error) {
	s.log.Info("chat.request.fail", "kind", string(kind), "err", err)
	if apperr.IsSessionExpired(err) {
		return
	}
	msg := fallback
	if useBackendMsg {
		msg = apperr.Message(err, fallback)
	}
	s.notifier.Notify(ctx, notify.Error(kind, msg))
}

// reconcile unions history with what is already held, dropping duplicate
// ids (first occurrence wins, history first) and ordering by CreatedAt.
func reconcile(history []v1.Message, held *conversation) *conversation {
	out := &conversation{ids: make(map[string]struct{}, len(history))}
	add := func(m v1.Message) {
		if m.ID == "" {
			return
		}
		if _, dup := out.ids[m.ID]; dup {
			return
		}
		out.ids[m.ID] = struct{}{}
		out.msgs = append(out.msgs, m)
	}
	for _, m := range history {
		add(m)
	}
	if held != nil {
		for _, m := range held.msgs {
			add(m)
		}
	}
	slices.SortStableFunc(out.msgs, func(a, b v1.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func selectedID(u *v1.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
