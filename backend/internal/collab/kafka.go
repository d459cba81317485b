package collab

import (
	"time"

	"livecollab/backend/internal/ot"
	"livecollab/backend/internal/ot/delta"
)

const (
	EventTypeOpApplied     = "OP_APPLIED"
	EventTypeSessionClosed = "SESSION_CLOSED"
)

// DocOpEvent 发往 Kafka 的会话事件，key 为 sessionId
type DocOpEvent struct {
	EventType    string        `json:"eventType"`
	SessionID    string        `json:"sessionId"`
	OperationID  string        `json:"operationId,omitempty"`
	Revision     uint64        `json:"revision"`
	ClientID     string        `json:"clientId,omitempty"`
	BaseRevision uint64        `json:"baseRevision,omitempty"`
	Operation    *ot.Operation `json:"operation,omitempty"`
	Ops          delta.Delta   `json:"ops,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	AppliedAt    time.Time     `json:"appliedAt"`
}

// EventSink 接收会话产生的事件，实现必须不阻塞
type EventSink interface {
	TryEnqueue(evt DocOpEvent) bool
}
