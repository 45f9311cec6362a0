package chat

import (
	"fmt"
	"strconv"
	"time"
)

// CaseID identifies the conversation attached to one marketplace case.
// The backend is inconsistent about numeric vs string ids, so both are
// treated as opaque strings on this side.
type CaseID string

// UserID identifies a participant.
type UserID string

// ConnState describes the push channel connection.
type ConnState string

const (
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
	Disconnected ConnState = "disconnected"
)

// Message is a server-confirmed message. Immutable once confirmed except
// for ReadAt, which only ever moves from nil to a timestamp.
type Message struct {
	ID          string     `json:"id"`
	CaseID      CaseID     `json:"case_id"`
	SenderID    UserID     `json:"sender_id"`
	ReceiverID  UserID     `json:"receiver_id"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ClientToken string     `json:"client_token,omitempty"`
}

// Read reports whether the message has been read by its receiver.
func (m Message) Read() bool {
	return m.ReadAt != nil
}

// Before orders confirmed messages by created_at ascending, ties broken
// by id ascending.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// PendingMessage is a locally originated message that has not been
// confirmed by the server. It is keyed by a client-generated correlation
// token instead of a server id.
type PendingMessage struct {
	Token       string
	CaseID      CaseID
	SenderID    UserID
	ReceiverID  UserID
	Content     string
	SubmittedAt time.Time
	Failed      bool
	FailReason  string
}

// TypingSignal is the ephemeral "user is typing" presence for one
// (case, user) pair. Never persisted.
type TypingSignal struct {
	CaseID    CaseID
	UserID    UserID
	IsTyping  bool
	ExpiresAt time.Time
}

// Expired reports whether the signal should be cleared absent a refresh.
func (s TypingSignal) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// UnmarshalJSON accepts both quoted and bare-number forms of a case id.
func (id *CaseID) UnmarshalJSON(b []byte) error {
	s, err := flexibleID(b)
	if err != nil {
		return fmt.Errorf("case id: %w", err)
	}
	*id = CaseID(s)
	return nil
}

// UnmarshalJSON accepts both quoted and bare-number forms of a user id.
func (id *UserID) UnmarshalJSON(b []byte) error {
	s, err := flexibleID(b)
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = UserID(s)
	return nil
}

func flexibleID(b []byte) (string, error) {
	if len(b) == 0 {
		return "", fmt.Errorf("empty id")
	}
	if b[0] == '"' {
		return strconv.Unquote(string(b))
	}
	if string(b) == "null" {
		return "", nil
	}
	// Bare JSON number.
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return "", fmt.Errorf("invalid id %q", b)
	}
	return string(b), nil
}
