package chatloop

import (
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx response from the backend. Code carries the HTTP
// status; Message carries the backend's error text when one was decodable,
// or the raw body otherwise.
type APIError struct {
	Code    int    `json:"-"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// ============================================================================
// Identity
// ============================================================================

// Session is the resolved identity of the local user. It is created once per
// authenticated session and never mutated afterwards.
type Session struct {
	UserID    int    `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarRef string `json:"profilePicture"`
	About     string `json:"about"`
}

// Contact is one entry of the contact roster. IsOnline is derived from
// presence events, never from the roster payload itself.
type Contact struct {
	UserID    int    `json:"id"`
	Name      string `json:"name"`
	AvatarRef string `json:"profilePicture"`
	About     string `json:"about"`
	IsOnline  bool   `json:"-"`
}

// ============================================================================
// Messages
// ============================================================================

// Message kinds.
const (
	MessageText  = "text"
	MessageImage = "image"
)

// Message is a single conversation message. Once the backend has assigned an
// id the message is immutable except for Read, which only moves false→true.
// For image messages Body holds the image ref returned by the backend.
type Message struct {
	ID         int       `json:"id"`
	SenderID   int       `json:"senderId"`
	ReceiverID int       `json:"receiverId"`
	Body       string    `json:"message"`
	Kind       string    `json:"type"`
	Timestamp  time.Time `json:"createdAt"`
	Read       bool      `json:"read"`
}

// Before reports whether m orders before other inside a conversation:
// by timestamp, ties broken by id.
func (m Message) Before(other Message) bool {
	if m.Timestamp.Equal(other.Timestamp) {
		return m.ID < other.ID
	}
	return m.Timestamp.Before(other.Timestamp)
}

// ============================================================================
// Calls
// ============================================================================

// CallKind selects the media of a call.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// CallDirection tells which side initiated the call.
type CallDirection string

const (
	CallIncoming CallDirection = "incoming"
	CallOutgoing CallDirection = "outgoing"
)

// CallPhase is the lifecycle phase of a call session. There is no terminal
// phase; a finished call is simply cleared.
type CallPhase string

const (
	CallRinging CallPhase = "ringing"
	CallActive  CallPhase = "active"
)

// CallSession describes the single voice/video call a session may have in
// flight. At most one CallSession is ringing or active at any time.
type CallSession struct {
	Peer      int           `json:"peer"`
	RoomID    string        `json:"roomId"`
	Kind      CallKind      `json:"callType"`
	Direction CallDirection `json:"direction"`
	Phase     CallPhase     `json:"phase"`
}

// ============================================================================
// REST payloads
// ============================================================================

// CheckUserResult is the response of the check-user endpoint. Status is false
// for unknown accounts, in which case User is nil.
type CheckUserResult struct {
	Status bool     `json:"status"`
	User   *Session `json:"data,omitempty"`
}

// ContactsResult is the response of the get-initial-contacts endpoint.
type ContactsResult struct {
	Users       []Contact `json:"users"`
	OnlineUsers []int     `json:"onlineUsers"`
}

// MessagesResult is the response of the get-messages endpoint.
type MessagesResult struct {
	Messages []Message `json:"messages"`
}

// MessageResult wraps a single stored message, as returned by add-message and
// add-image-message.
type MessageResult struct {
	Message Message `json:"message"`
}

// OnboardOptions describes a new account for the onboarding endpoint.
type OnboardOptions struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	About     string `json:"about,omitempty"`
	AvatarRef string `json:"profilePicture,omitempty"`
}
