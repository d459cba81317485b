package ws

import (
	"errors"
	"testing"

	"livecollab/backend/internal/ot"
)

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"create", `{"type":"create-session","data":{"userData":{"name":"ann"},"document":{"content":"x","filename":"a.js"}}}`, KindCreateSession},
		{"join", `{"type":"join-session","data":{"sessionId":"s1","userData":{"name":"bob"}}}`, KindJoinSession},
		{"operation", `{"type":"operation","data":{"type":"insert","position":3,"content":"hi","baseRevision":2}}`, KindOperation},
		{"cursor", `{"type":"cursor-update","data":{"cursor":{"line":1,"column":4}}}`, KindCursorUpdate},
		{"selection clear", `{"type":"selection-update","data":{"selection":null}}`, KindSelectionUpdate},
		{"comment", `{"type":"add-comment","data":{"content":"hm","line":2,"column":1}}`, KindAddComment},
		{"chat", `{"type":"chat-message","data":{"content":"hello"}}`, KindChatMessage},
		{"transform", `{"type":"run-transform","data":{"mode":"apply","layers":[1,2]}}`, KindRunTransform},
		{"lock without data", `{"type":"lock-session"}`, KindLockSession},
		{"leave", `{"type":"leave-session","data":{}}`, KindLeaveSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeClientMessage error = %v", err)
			}
			if msg.Kind() != tt.want {
				t.Fatalf("Kind() = %s, want %s", msg.Kind(), tt.want)
			}
		})
	}
}

func TestDecodeClientMessage_Payloads(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"operation","data":{"type":"replace","position":0,"oldLength":4,"content":"new","baseRevision":9}}`))
	if err != nil {
		t.Fatal(err)
	}
	op := msg.(SubmitOperation).Op
	if op.Type != ot.KindReplace || op.OldLength != 4 || op.Content != "new" || op.BaseRevision != 9 {
		t.Fatalf("op = %+v", op)
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"run-transform","data":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.(RunTransform).Mode != ModePreview {
		t.Fatalf("default mode = %q, want preview", msg.(RunTransform).Mode)
	}
}

func TestDecodeClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{type`, ErrMalformedMessage},
		{"unknown type", `{"type":"explode","data":{}}`, ErrUnknownMessageType},
		{"bad payload", `{"type":"cursor-update","data":{"cursor":"top"}}`, ErrMalformedMessage},
		{"join without id", `{"type":"join-session","data":{"userData":{}}}`, ErrMalformedMessage},
		{"bad mode", `{"type":"run-transform","data":{"mode":"yolo"}}`, ErrMalformedMessage},
		{"bad op type", `{"type":"operation","data":{"type":"move","position":1}}`, ot.ErrUnknownKind},
		{"negative position", `{"type":"operation","data":{"type":"insert","position":-2}}`, ot.ErrInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}
