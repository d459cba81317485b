package collab

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"livecollab/backend/internal/ot"
)

var ErrOperationFailed = errors.New("operation failed")

const (
	defaultChatHistory  = 100
	defaultSnapshotChat = 50
)

type Options struct {
	// 聊天记录上限，超出丢弃最旧的
	ChatHistory int
	// session-state 里带多少条最近聊天
	SnapshotChat int
	// OT 历史保留条数，<=0 不裁剪
	HistoryLimit int
	Sink         EventSink
	Now          func() time.Time
	NewID        func() string
}

// Session 持有一个文档以及它的全部协作状态。
// 不加锁：所有方法只允许在 Gateway 的事件循环里调用。
type Session struct {
	id       string
	filename string
	language string

	buf    Buffer
	engine *ot.Engine

	clients map[string]*Client
	// 加入顺序，host 转移时取最早加入的
	order      []string
	cursors    map[string]Cursor
	selections map[string]Selection
	comments   []Comment
	chat       []ChatMessage

	createdAt    time.Time
	lastActivity time.Time
	state        State
	hostClientID string
	passwordHash []byte

	opts Options
}

func NewSession(id string, doc Document, opts Options) *Session {
	if opts.ChatHistory <= 0 {
		opts.ChatHistory = defaultChatHistory
	}
	if opts.SnapshotChat <= 0 {
		opts.SnapshotChat = defaultSnapshotChat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	now := opts.Now()
	return &Session{
		id:           id,
		filename:     doc.Filename,
		language:     doc.Language,
		buf:          NewPieceTable(doc.Content),
		engine:       ot.NewEngine(doc.Content, opts.HistoryLimit),
		clients:      make(map[string]*Client),
		cursors:      make(map[string]Cursor),
		selections:   make(map[string]Selection),
		createdAt:    now,
		lastActivity: now,
		state:        StateActive,
		opts:         opts,
	}
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Content() string         { return s.buf.String() }
func (s *Session) Filename() string        { return s.filename }
func (s *Session) Revision() uint64        { return s.engine.Revision() }
func (s *Session) ClientCount() int        { return len(s.clients) }
func (s *Session) HostClientID() string    { return s.hostClientID }
func (s *Session) State() State            { return s.state }
func (s *Session) IsLocked() bool          { return s.state == StateLocked }
func (s *Session) CreatedAt() time.Time    { return s.createdAt }
func (s *Session) LastActivity() time.Time { return s.lastActivity }

func (s *Session) HasClient(id string) bool {
	_, ok := s.clients[id]
	return ok
}

// ClientIDs 按加入顺序返回
func (s *Session) ClientIDs() []string {
	return append([]string(nil), s.order...)
}

func (s *Session) Document() Document {
	return Document{
		Content:        s.buf.String(),
		Filename:       s.filename,
		Language:       s.language,
		RevisionNumber: s.engine.Revision(),
	}
}

func (s *Session) touch() { s.lastActivity = s.opts.Now() }

// SetPassword 设置加入口令，存 bcrypt 哈希；空口令表示不设防
func (s *Session) SetPassword(plain string) error {
	if plain == "" {
		s.passwordHash = nil
		return nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash session password: %w", err)
	}
	s.passwordHash = h
	return nil
}

func (s *Session) CheckPassword(plain string) error {
	if len(s.passwordHash) == 0 {
		return nil
	}
	if bcrypt.CompareHashAndPassword(s.passwordHash, []byte(plain)) != nil {
		return ErrInvalidPassword
	}
	return nil
}

// AddClient 注册客户端；第一个加入的成为 host。
// 新客户端收到完整快照，其他成员收到 client-joined。
// 已存在的 id 视为重连：替换 transport 并重新下发快照。
func (s *Session) AddClient(id string, user UserData, tr Transport) (*Client, error) {
	if s.state == StateTerminated {
		return nil, ErrSessionClosed
	}
	if c, ok := s.clients[id]; ok {
		c.transport = tr
		c.IsActive = true
		s.touch()
		s.send(c, Event{Type: EventSessionState, Data: s.Snapshot(id)})
		return c, nil
	}

	c := &Client{
		ID:        id,
		UserData:  user,
		Cursor:    Cursor{Line: 1, Column: 1},
		JoinedAt:  s.opts.Now(),
		IsActive:  true,
		transport: tr,
	}
	s.clients[id] = c
	s.order = append(s.order, id)
	s.cursors[id] = c.Cursor
	if s.hostClientID == "" {
		s.hostClientID = id
	}
	s.touch()

	s.send(c, Event{Type: EventSessionState, Data: s.Snapshot(id)})
	s.Broadcast(Event{Type: EventClientJoined, Data: ClientJoinedPayload{Client: *c}}, id)
	return c, nil
}

// RemoveClient 注销客户端并清理它的光标和选区。
// host 离开且还有人时，host 转给最早加入的剩余客户端。
// 最后一个人离开后会话进入 terminated。
func (s *Session) RemoveClient(id string) bool {
	if _, ok := s.clients[id]; !ok {
		return false
	}
	delete(s.clients, id)
	delete(s.cursors, id)
	delete(s.selections, id)
	for i, cid := range s.order {
		if cid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	if len(s.order) == 0 {
		s.hostClientID = ""
		s.state = StateTerminated
		return true
	}
	if s.hostClientID == id {
		s.hostClientID = s.order[0]
		log.Printf("host failover session=%s from=%s to=%s", s.id, id, s.hostClientID)
	}
	s.touch()
	s.Broadcast(Event{Type: EventClientLeft, Data: ClientLeftPayload{ClientID: id, HostClientID: s.hostClientID}}, "")
	return true
}

// HandleOperation 是唯一修改文档内容的路径：OT 变换 -> 应用到 buffer -> 提交历史 -> 广播给全部成员（含发送者）。
// 任何失败都只回给发送者，文档保持不变。
func (s *Session) HandleOperation(clientID string, op ot.Operation) (applied ot.Applied, err error) {
	c, ok := s.clients[clientID]
	if !ok {
		return ot.Applied{}, ErrClientNotFound
	}
	if s.state == StateTerminated {
		return ot.Applied{}, ErrSessionClosed
	}
	if s.state == StateLocked && clientID != s.hostClientID {
		s.send(c, Event{Type: EventOperationRejected, Data: ReasonPayload{Reason: "Session is locked"}})
		return ot.Applied{}, ErrSessionLocked
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOperationFailed, r)
			log.Printf("operation panic session=%s client=%s: %v", s.id, clientID, r)
			s.send(c, Event{Type: EventOperationError, Data: ErrorPayload{Error: err.Error()}})
			applied = ot.Applied{}
		}
	}()

	op.ClientID = clientID
	p, err := s.engine.Transform(op)
	if err != nil {
		s.send(c, Event{Type: EventOperationError, Data: ErrorPayload{Error: err.Error()}})
		return ot.Applied{}, err
	}
	if err := s.buf.Apply(p.Operation.Delta()); err != nil {
		err = fmt.Errorf("%w: %v", ErrOperationFailed, err)
		s.send(c, Event{Type: EventOperationError, Data: ErrorPayload{Error: err.Error()}})
		return ot.Applied{}, err
	}
	applied = s.engine.Commit(p)
	t, rev := applied.Operation, applied.Revision
	now := s.opts.Now()
	s.lastActivity = now

	s.Broadcast(Event{Type: EventOperation, Data: OperationPayload{
		Operation: t,
		Revision:  rev,
		ClientID:  clientID,
		Timestamp: now,
	}}, "")

	if s.opts.Sink != nil {
		s.opts.Sink.TryEnqueue(DocOpEvent{
			EventType:    EventTypeOpApplied,
			SessionID:    s.id,
			OperationID:  s.opts.NewID(),
			Revision:     rev,
			ClientID:     clientID,
			BaseRevision: op.BaseRevision,
			Operation:    &t,
			Ops:          t.Delta(),
			AppliedAt:    now,
		})
	}
	return applied, nil
}

// UpdateCursor 每个客户端后写覆盖，只广播给其他成员
func (s *Session) UpdateCursor(clientID string, cur Cursor) error {
	c, ok := s.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.Cursor = cur
	s.cursors[clientID] = cur
	s.touch()
	s.Broadcast(Event{Type: EventCursorUpdate, Data: CursorPayload{ClientID: clientID, Cursor: cur}}, clientID)
	return nil
}

// UpdateSelection sel 为 nil 表示清除选区
func (s *Session) UpdateSelection(clientID string, sel *Selection) error {
	c, ok := s.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	if sel == nil {
		c.Selection = nil
		delete(s.selections, clientID)
	} else {
		cp := *sel
		c.Selection = &cp
		s.selections[clientID] = cp
	}
	s.touch()
	s.Broadcast(Event{Type: EventSelectionUpdate, Data: SelectionPayload{ClientID: clientID, Selection: c.Selection}}, clientID)
	return nil
}

func (s *Session) AddComment(clientID, content string, line, column int) (Comment, error) {
	c, ok := s.clients[clientID]
	if !ok {
		return Comment{}, ErrClientNotFound
	}
	cm := Comment{
		ID:        s.opts.NewID(),
		ClientID:  clientID,
		Author:    c.UserData.Name,
		Content:   content,
		Line:      line,
		Column:    column,
		Timestamp: s.opts.Now(),
	}
	s.comments = append(s.comments, cm)
	s.touch()
	s.Broadcast(Event{Type: EventCommentAdded, Data: cm}, "")
	return cm, nil
}

func (s *Session) ResolveComment(clientID, commentID string) error {
	if _, ok := s.clients[clientID]; !ok {
		return ErrClientNotFound
	}
	for i := range s.comments {
		if s.comments[i].ID == commentID {
			s.comments[i].Resolved = true
			s.touch()
			s.Broadcast(Event{Type: EventCommentResolved, Data: CommentResolvedPayload{CommentID: commentID, ClientID: clientID}}, "")
			return nil
		}
	}
	return ErrCommentNotFound
}

func (s *Session) AddChatMessage(clientID, content, typ string) (ChatMessage, error) {
	c, ok := s.clients[clientID]
	if !ok {
		return ChatMessage{}, ErrClientNotFound
	}
	if typ == "" {
		typ = "message"
	}
	msg := ChatMessage{
		ID:        s.opts.NewID(),
		ClientID:  clientID,
		Author:    c.UserData.Name,
		Content:   content,
		Timestamp: s.opts.Now(),
		Type:      typ,
	}
	s.chat = append(s.chat, msg)
	if over := len(s.chat) - s.opts.ChatHistory; over > 0 {
		s.chat = append(s.chat[:0:0], s.chat[over:]...)
	}
	s.touch()
	s.Broadcast(Event{Type: EventChatMessage, Data: msg}, "")
	return msg, nil
}

// SetLocked 只有 host 可以加锁/解锁
func (s *Session) SetLocked(clientID string, locked bool) error {
	if _, ok := s.clients[clientID]; !ok {
		return ErrClientNotFound
	}
	if clientID != s.hostClientID {
		return ErrNotHost
	}
	if s.state == StateTerminated {
		return ErrSessionClosed
	}
	if locked {
		s.state = StateLocked
	} else {
		s.state = StateActive
	}
	s.touch()
	s.Broadcast(Event{Type: EventSessionLocked, Data: LockPayload{IsLocked: locked, HostClientID: s.hostClientID}}, "")
	return nil
}

// Close 先给所有成员发 session-closed，再清空成员，返回被移除的客户端 id
func (s *Session) Close(reason string) []string {
	ids := s.ClientIDs()
	s.Broadcast(Event{Type: EventSessionClosed, Data: ReasonPayload{Reason: reason}}, "")
	s.clients = make(map[string]*Client)
	s.cursors = make(map[string]Cursor)
	s.selections = make(map[string]Selection)
	s.order = nil
	s.hostClientID = ""
	s.state = StateTerminated

	if s.opts.Sink != nil {
		s.opts.Sink.TryEnqueue(DocOpEvent{
			EventType: EventTypeSessionClosed,
			SessionID: s.id,
			Revision:  s.engine.Revision(),
			Reason:    reason,
			AppliedAt: s.opts.Now(),
		})
	}
	return ids
}

// Snapshot 给 clientID 的完整状态
func (s *Session) Snapshot(clientID string) SessionStatePayload {
	clients := make([]Client, 0, len(s.order))
	for _, id := range s.order {
		clients = append(clients, *s.clients[id])
	}
	cursors := make(map[string]Cursor, len(s.cursors))
	for k, v := range s.cursors {
		cursors[k] = v
	}
	selections := make(map[string]Selection, len(s.selections))
	for k, v := range s.selections {
		selections[k] = v
	}
	chat := s.chat
	if len(chat) > s.opts.SnapshotChat {
		chat = chat[len(chat)-s.opts.SnapshotChat:]
	}
	return SessionStatePayload{
		SessionID:    s.id,
		ClientID:     clientID,
		Document:     s.Document(),
		Revision:     s.engine.Revision(),
		Clients:      clients,
		Cursors:      cursors,
		Selections:   selections,
		Comments:     append([]Comment{}, s.comments...),
		ChatMessages: append([]ChatMessage{}, chat...),
		IsHost:       clientID == s.hostClientID,
		HostClientID: s.hostClientID,
		IsLocked:     s.state == StateLocked,
	}
}

// Send 把事件投递给单个成员
func (s *Session) Send(clientID string, evt Event) bool {
	c, ok := s.clients[clientID]
	if !ok {
		return false
	}
	s.send(c, evt)
	return true
}

// Broadcast 发给全部成员，except 非空时跳过该客户端
func (s *Session) Broadcast(evt Event, except string) {
	for _, id := range s.order {
		if id == except {
			continue
		}
		s.send(s.clients[id], evt)
	}
}

func (s *Session) send(c *Client, evt Event) {
	if c == nil || c.transport == nil {
		return
	}
	if err := c.transport.Send(evt); err != nil {
		log.Printf("send failed session=%s client=%s type=%s: %v", s.id, c.ID, evt.Type, err)
		if cl, ok := c.transport.(Closer); ok && mustDeliver(evt.Type) {
			log.Printf("closing client session=%s client=%s: lost %s", s.id, c.ID, evt.Type)
			cl.Close()
		}
	}
}
