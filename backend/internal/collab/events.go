package collab

import (
	"time"

	"livecollab/backend/internal/ot"
)

type EventKind string

// 出站事件类型
const (
	EventConnected         EventKind = "connected"
	EventSessionState      EventKind = "session-state"
	EventClientJoined      EventKind = "client-joined"
	EventClientLeft        EventKind = "client-left"
	EventOperation         EventKind = "operation"
	EventOperationRejected EventKind = "operation-rejected"
	EventOperationError    EventKind = "operation-error"
	EventCursorUpdate      EventKind = "cursor-update"
	EventSelectionUpdate   EventKind = "selection-update"
	EventCommentAdded      EventKind = "comment-added"
	EventCommentResolved   EventKind = "comment-resolved"
	EventChatMessage       EventKind = "chat-message"
	EventSessionLocked     EventKind = "session-locked"
	EventTransformResult   EventKind = "transform-result"
	EventTransformError    EventKind = "transform-error"
	EventSessionClosed     EventKind = "session-closed"
	EventError             EventKind = "error"
)

// Event 是 {type, data} 信封
type Event struct {
	Type EventKind `json:"type"`
	Data any       `json:"data"`
}

type SessionStatePayload struct {
	SessionID    string               `json:"sessionId"`
	ClientID     string               `json:"clientId"`
	Document     Document             `json:"document"`
	Revision     uint64               `json:"revision"`
	Clients      []Client             `json:"clients"`
	Cursors      map[string]Cursor    `json:"cursors"`
	Selections   map[string]Selection `json:"selections"`
	Comments     []Comment            `json:"comments"`
	ChatMessages []ChatMessage        `json:"chatMessages"`
	IsHost       bool                 `json:"isHost"`
	HostClientID string               `json:"hostClientId"`
	IsLocked     bool                 `json:"isLocked"`
}

type ClientJoinedPayload struct {
	Client Client `json:"client"`
}

type ClientLeftPayload struct {
	ClientID     string `json:"clientId"`
	HostClientID string `json:"hostClientId,omitempty"`
}

type OperationPayload struct {
	Operation ot.Operation `json:"operation"`
	Revision  uint64       `json:"revision"`
	ClientID  string       `json:"clientId"`
	Timestamp time.Time    `json:"timestamp"`
}

type ReasonPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

type CursorPayload struct {
	ClientID string `json:"clientId"`
	Cursor   Cursor `json:"cursor"`
}

type SelectionPayload struct {
	ClientID  string     `json:"clientId"`
	Selection *Selection `json:"selection"`
}

type CommentResolvedPayload struct {
	CommentID string `json:"commentId"`
	ClientID  string `json:"clientId"`
}

type LockPayload struct {
	IsLocked     bool   `json:"isLocked"`
	HostClientID string `json:"hostClientId"`
}

type ConnectedPayload struct {
	ClientID string `json:"clientId"`
}

// NewError 生成发给单个客户端的 error 事件
func NewError(msg string) Event {
	return Event{Type: EventError, Data: MessagePayload{Message: msg}}
}
