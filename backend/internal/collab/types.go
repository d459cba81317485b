package collab

import "time"

type UserData struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color,omitempty"`
}

// Cursor 以 1 开始的行列号，和编辑器前端保持一致
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Start Cursor `json:"start"`
	End   Cursor `json:"end"`
}

type Client struct {
	ID        string     `json:"id"`
	UserData  UserData   `json:"userData"`
	Cursor    Cursor     `json:"cursor"`
	Selection *Selection `json:"selection"`
	JoinedAt  time.Time  `json:"joinedAt"`
	IsActive  bool       `json:"isActive"`

	transport Transport
}

type Document struct {
	Content        string `json:"content"`
	Filename       string `json:"filename"`
	Language       string `json:"language"`
	RevisionNumber uint64 `json:"revisionNumber"`
}

type Comment struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Line      int       `json:"line"`
	Column    int       `json:"column"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
}

type State int

const (
	StateActive State = iota
	StateLocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateLocked:
		return "locked"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}
