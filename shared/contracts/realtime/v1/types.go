package v1

import (
	"strings"
	"time"
)

// User is the backend's public user document (REST and realtime share it).
type User struct {
	ID         string    `json:"_id"`
	FullName   string    `json:"fullName,omitempty"`
	Email      string    `json:"email,omitempty"`
	ProfilePic string    `json:"profilePic,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// Valid reports whether the user carries an identifier that is usable as
// one URL path segment. Dot segments would be cleaned out of request paths.
func (u User) Valid() bool {
	id := strings.TrimSpace(u.ID)
	return id != "" && id != "." && id != ".."
}

// Message is one direct message between two users.
type Message struct {
	ID         string    `json:"_id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Involves reports whether peerID is the sender or the receiver.
func (m Message) Involves(peerID string) bool {
	return peerID != "" && (m.SenderID == peerID || m.ReceiverID == peerID)
}
