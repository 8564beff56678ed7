// Package message owns chat message persistence and routing: accepting
// inbound payloads on authenticated connections, fanning them out to
// target connections, and tracking delivery state.
package message

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Type enumerates message origins. The canonical set is user/bot/system/admin.
type Type string

const (
	TypeUser   Type = "user"
	TypeBot    Type = "bot"
	TypeSystem Type = "system"
	TypeAdmin  Type = "admin"
)

// Status enumerates delivery states. Transitions only move forward:
// Pending → Sent → Delivered → Read, with Failed reachable from any
// non-terminal state. Read and Failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// MaxContentLength is the upper bound on message content, in characters.
const MaxContentLength = 10_000

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Message is one unit of chat content. Values are immutable snapshots.
type Message struct {
	ID               string            `json:"id"`
	Content          string            `json:"content"`
	Type             Type              `json:"type"`
	Status           Status            `json:"status"`
	UserID           string            `json:"user_id"`
	SessionID        string            `json:"session_id"`
	CreatedAt        time.Time         `json:"created_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ReplyToMessageID string            `json:"reply_to_message_id,omitempty"`
}

// New constructs a pending message, enforcing content bounds at construction.
func New(id, content string, typ Type, userID, sessionID string, now time.Time) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("%w: content is empty", ErrInvalidContent)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return Message{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidContent, MaxContentLength)
	}
	switch typ {
	case TypeUser, TypeBot, TypeSystem, TypeAdmin:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidContent, typ)
	}
	return Message{
		ID:        id,
		Content:   content,
		Type:      typ,
		Status:    StatusPending,
		UserID:    userID,
		SessionID: sessionID,
		CreatedAt: now.UTC(),
	}, nil
}

// CanTransition reports whether the status machine allows from→to.
func CanTransition(from, to Status) bool {
	if from == StatusRead || from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// WithStatus returns a snapshot in the target status, validating the move.
func (m Message) WithStatus(to Status) (Message, error) {
	if !CanTransition(m.Status, to) {
		return Message{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	m.Metadata = cloneMeta(m.Metadata)
	return m, nil
}

func cloneMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	// ErrNotFound indicates the message is absent.
	ErrNotFound = errors.New("message: not found")
	// ErrUnauthenticated indicates the sending connection holds no bound session.
	ErrUnauthenticated = errors.New("message: connection is not authenticated")
	// ErrInvalidContent indicates content validation failed; the rejection
	// is echoed back to the sender, never silently dropped.
	ErrInvalidContent = errors.New("message: invalid content")
	// ErrInvalidTransition indicates a status move that would reverse
	// delivery progress.
	ErrInvalidTransition = errors.New("message: invalid transition")
)
