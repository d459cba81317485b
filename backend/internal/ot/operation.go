package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"livecollab/backend/internal/ot/delta"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrUnknownKind      = errors.New("unknown operation type")
)

// Operation 是一次编辑。位置和长度都按 rune 计。
//   - insert:  在 Position 插入 Content
//   - delete:  从 Position 起删除 Length 个字符
//   - replace: 从 Position 起删除 OldLength 个字符，再插入 Content
type Operation struct {
	Type         Kind           `json:"type"`
	Position     int            `json:"position"`
	Content      string         `json:"content,omitempty"`
	Length       int            `json:"length,omitempty"`
	OldLength    int            `json:"oldLength,omitempty"`
	BaseRevision uint64         `json:"baseRevision"`
	ClientID     string         `json:"clientId"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindDelete, KindReplace:
		return true
	}
	return false
}

// Validate 只做结构校验；越界问题交给 Clamp 处理，不在这里拒绝
func (op Operation) Validate() error {
	if !op.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Type)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	if op.Length < 0 || op.OldLength < 0 {
		return fmt.Errorf("%w: negative length", ErrInvalidOperation)
	}
	return nil
}

// removed 返回该操作删除的字符数
func (op Operation) removed() int {
	switch op.Type {
	case KindDelete:
		return op.Length
	case KindReplace:
		return op.OldLength
	}
	return 0
}

// inserted 返回该操作插入的字符数
func (op Operation) inserted() int {
	switch op.Type {
	case KindInsert, KindReplace:
		return utf8.RuneCountInString(op.Content)
	}
	return 0
}

// Clamp 把位置和长度收进 [0, docLen]。越界的操作不拒绝，而是被收缩到文档范围内。
func (op Operation) Clamp(docLen int) Operation {
	if docLen < 0 {
		docLen = 0
	}
	op.Position = clampInt(op.Position, 0, docLen)
	room := docLen - op.Position
	switch op.Type {
	case KindDelete:
		op.Length = clampInt(op.Length, 0, room)
		op.OldLength = 0
		op.Content = ""
	case KindReplace:
		op.OldLength = clampInt(op.OldLength, 0, room)
		op.Length = 0
	case KindInsert:
		op.Length = 0
		op.OldLength = 0
	}
	return op
}

// Delta 把操作转成 piece table 能直接应用的 retain/delete/insert 序列
func (op Operation) Delta() delta.Delta {
	switch op.Type {
	case KindInsert:
		return delta.Splice(op.Position, 0, op.Content)
	case KindDelete:
		return delta.Splice(op.Position, op.Length, "")
	case KindReplace:
		return delta.Splice(op.Position, op.OldLength, op.Content)
	}
	return nil
}

// ApplyToString 直接在字符串上应用操作（rune 语义），主要给客户端副本和测试使用
func ApplyToString(s string, op Operation) string {
	r := []rune(s)
	op = op.Clamp(len(r))
	end := op.Position + op.removed()
	out := make([]rune, 0, len(r)-op.removed()+op.inserted())
	out = append(out, r[:op.Position]...)
	if op.Type != KindDelete {
		out = append(out, []rune(op.Content)...)
	}
	out = append(out, r[end:]...)
	return string(out)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
