package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"livecollab/backend/internal/collab"
	"livecollab/backend/internal/ot"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
)

type Kind string

// 入站消息类型（封闭集合）
const (
	KindCreateSession   Kind = "create-session"
	KindJoinSession     Kind = "join-session"
	KindLeaveSession    Kind = "leave-session"
	KindOperation       Kind = "operation"
	KindCursorUpdate    Kind = "cursor-update"
	KindSelectionUpdate Kind = "selection-update"
	KindAddComment      Kind = "add-comment"
	KindResolveComment  Kind = "resolve-comment"
	KindChatMessage     Kind = "chat-message"
	KindRunTransform    Kind = "run-transform"
	KindLockSession     Kind = "lock-session"
	KindUnlockSession   Kind = "unlock-session"
)

// ClientMessage 线上的 {type, data} 信封
type ClientMessage struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound 是解码后的入站消息，只有本包定义的类型能实现它
type Inbound interface {
	Kind() Kind
	inbound()
}

type CreateSession struct {
	SessionID string           `json:"sessionId"`
	UserData  collab.UserData  `json:"userData"`
	Document  *collab.Document `json:"document"`
	Password  string           `json:"password"`
}

type JoinSession struct {
	SessionID string          `json:"sessionId"`
	UserData  collab.UserData `json:"userData"`
	Password  string          `json:"password"`
}

type LeaveSession struct{}

type SubmitOperation struct {
	Op ot.Operation
}

type CursorUpdate struct {
	Cursor collab.Cursor `json:"cursor"`
}

type SelectionUpdate struct {
	Selection *collab.Selection `json:"selection"`
}

type AddComment struct {
	Content string `json:"content"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
}

type ResolveComment struct {
	CommentID string `json:"commentId"`
}

type ChatMessage struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

type TransformMode string

const (
	ModePreview TransformMode = "preview"
	ModeApply   TransformMode = "apply"
)

type RunTransform struct {
	Mode   TransformMode `json:"mode"`
	Layers []int         `json:"layers"`
}

type LockSession struct{}

type UnlockSession struct{}

func (CreateSession) Kind() Kind   { return KindCreateSession }
func (JoinSession) Kind() Kind     { return KindJoinSession }
func (LeaveSession) Kind() Kind    { return KindLeaveSession }
func (SubmitOperation) Kind() Kind { return KindOperation }
func (CursorUpdate) Kind() Kind    { return KindCursorUpdate }
func (SelectionUpdate) Kind() Kind { return KindSelectionUpdate }
func (AddComment) Kind() Kind      { return KindAddComment }
func (ResolveComment) Kind() Kind  { return KindResolveComment }
func (ChatMessage) Kind() Kind     { return KindChatMessage }
func (RunTransform) Kind() Kind    { return KindRunTransform }
func (LockSession) Kind() Kind     { return KindLockSession }
func (UnlockSession) Kind() Kind   { return KindUnlockSession }

func (CreateSession) inbound()   {}
func (JoinSession) inbound()     {}
func (LeaveSession) inbound()    {}
func (SubmitOperation) inbound() {}
func (CursorUpdate) inbound()    {}
func (SelectionUpdate) inbound() {}
func (AddComment) inbound()      {}
func (ResolveComment) inbound()  {}
func (ChatMessage) inbound()     {}
func (RunTransform) inbound()    {}
func (LockSession) inbound()     {}
func (UnlockSession) inbound()   {}

// DecodeClientMessage 把一帧 JSON 解成具体的入站消息
func DecodeClientMessage(raw []byte) (Inbound, error) {
	var env ClientMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg Inbound
	var err error
	switch env.Type {
	case KindCreateSession:
		msg, err = decodeData[CreateSession](env.Data)
	case KindJoinSession:
		var m JoinSession
		if m, err = decodeData[JoinSession](env.Data); err == nil && m.SessionID == "" {
			err = fmt.Errorf("%w: sessionId required", ErrMalformedMessage)
		}
		msg = m
	case KindLeaveSession:
		msg = LeaveSession{}
	case KindOperation:
		var op ot.Operation
		if op, err = decodeData[ot.Operation](env.Data); err == nil {
			err = op.Validate()
		}
		msg = SubmitOperation{Op: op}
	case KindCursorUpdate:
		msg, err = decodeData[CursorUpdate](env.Data)
	case KindSelectionUpdate:
		msg, err = decodeData[SelectionUpdate](env.Data)
	case KindAddComment:
		msg, err = decodeData[AddComment](env.Data)
	case KindResolveComment:
		msg, err = decodeData[ResolveComment](env.Data)
	case KindChatMessage:
		msg, err = decodeData[ChatMessage](env.Data)
	case KindRunTransform:
		var m RunTransform
		if m, err = decodeData[RunTransform](env.Data); err == nil {
			switch m.Mode {
			case "":
				m.Mode = ModePreview
			case ModePreview, ModeApply:
			default:
				err = fmt.Errorf("%w: mode %q", ErrMalformedMessage, m.Mode)
			}
		}
		msg = m
	case KindLockSession:
		msg = LockSession{}
	case KindUnlockSession:
		msg = UnlockSession{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeData[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return v, nil
}
