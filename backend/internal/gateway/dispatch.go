package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"livecollab/backend/internal/collab"
	"livecollab/backend/internal/ws"
)

// 发给客户端的错误文案
const (
	msgSessionNotFound  = "Session not found"
	msgSessionExists    = "Session already exists"
	msgNotInSession     = "Not in a session"
	msgInvalidPassword  = "Invalid session password"
	msgOnlyHostLock     = "Only the host can lock the session"
	msgOnlyHostUnlock   = "Only the host can unlock the session"
	msgCommentNotFound  = "Comment not found"
	msgInternal         = "Internal server error"
	msgUnsupportedInput = "Unsupported message"
)

// dispatch 按消息类型路由。任何 panic 都转成发给该客户端的 error 事件。
func (g *Gateway) dispatch(clientID string, msg ws.Inbound) {
	ep, ok := g.clients[clientID]
	if !ok {
		log.Printf("dispatch from unknown client=%s type=%s", clientID, msg.Kind())
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("handler panic client=%s type=%s: %v", clientID, msg.Kind(), r)
			ep.send(collab.NewError(msgInternal))
		}
	}()

	switch m := msg.(type) {
	case ws.CreateSession:
		g.handleCreate(ep, m)
	case ws.JoinSession:
		g.handleJoin(ep, m)
	case ws.LeaveSession:
		if ep.sessionID != "" {
			g.leave(ep)
		}
	case ws.SubmitOperation:
		if s := g.sessionOf(ep); s != nil {
			// 拒绝和失败已经由 Session 回给发送者
			if _, err := s.HandleOperation(ep.id, m.Op); err == nil {
				g.refreshPresence(ep)
			}
		}
	case ws.CursorUpdate:
		if s := g.sessionOf(ep); s != nil {
			if err := s.UpdateCursor(ep.id, m.Cursor); err == nil {
				g.mirrorCursor(ep, m.Cursor)
			}
		}
	case ws.SelectionUpdate:
		if s := g.sessionOf(ep); s != nil {
			_ = s.UpdateSelection(ep.id, m.Selection)
		}
	case ws.AddComment:
		if s := g.sessionOf(ep); s != nil {
			_, _ = s.AddComment(ep.id, m.Content, m.Line, m.Column)
		}
	case ws.ResolveComment:
		if s := g.sessionOf(ep); s != nil {
			if err := s.ResolveComment(ep.id, m.CommentID); errors.Is(err, collab.ErrCommentNotFound) {
				ep.send(collab.NewError(msgCommentNotFound))
			}
		}
	case ws.ChatMessage:
		if s := g.sessionOf(ep); s != nil {
			_, _ = s.AddChatMessage(ep.id, m.Content, m.Type)
		}
	case ws.RunTransform:
		if s := g.sessionOf(ep); s != nil {
			g.runTransform(ep, s, m)
		}
	case ws.LockSession:
		g.handleLock(ep, true)
	case ws.UnlockSession:
		g.handleLock(ep, false)
	default:
		ep.send(collab.NewError(msgUnsupportedInput))
	}
}

// sessionOf 返回客户端所在会话；不在会话里时回 error 并返回 nil
func (g *Gateway) sessionOf(ep *endpoint) *collab.Session {
	if ep.sessionID != "" {
		if s, ok := g.sessions[ep.sessionID]; ok {
			return s
		}
		ep.sessionID = ""
	}
	ep.send(collab.NewError(msgNotInSession))
	return nil
}

func (g *Gateway) sessionOptions() collab.Options {
	opts := g.cfg.Session
	opts.Now = g.now
	opts.NewID = g.newID
	return opts
}

func (g *Gateway) handleCreate(ep *endpoint, m ws.CreateSession) {
	id := m.SessionID
	if id == "" {
		id = g.newID()
	}
	if _, exists := g.sessions[id]; exists {
		ep.send(collab.NewError(msgSessionExists))
		return
	}
	var doc collab.Document
	if m.Document != nil {
		doc = *m.Document
	}
	s := collab.NewSession(id, doc, g.sessionOptions())
	if err := s.SetPassword(m.Password); err != nil {
		log.Printf("create session=%s: %v", id, err)
		ep.send(collab.NewError(msgInternal))
		return
	}
	if ep.sessionID != "" {
		g.leave(ep)
	}
	g.sessions[id] = s
	log.Printf("session created session=%s client=%s filename=%q", id, ep.id, doc.Filename)
	g.attach(ep, s, m.UserData)
}

func (g *Gateway) handleJoin(ep *endpoint, m ws.JoinSession) {
	s, ok := g.sessions[m.SessionID]
	if !ok {
		ep.send(collab.NewError(msgSessionNotFound))
		return
	}
	if err := s.CheckPassword(m.Password); err != nil {
		ep.send(collab.NewError(msgInvalidPassword))
		return
	}
	if ep.sessionID != "" && ep.sessionID != s.ID() {
		g.leave(ep)
	}
	g.attach(ep, s, m.UserData)
}

func (g *Gateway) attach(ep *endpoint, s *collab.Session, user collab.UserData) {
	if _, err := s.AddClient(ep.id, user, ep.tr); err != nil {
		ep.send(collab.NewError(err.Error()))
		return
	}
	ep.sessionID = s.ID()
	ep.name = user.Name
	ep.lastPresent = g.now()
	if g.presence != nil {
		sid, cid, name := s.ID(), ep.id, user.Name
		g.background("presence join", func(ctx context.Context) error {
			return g.presence.Join(ctx, sid, cid, name)
		})
	}
}

// leave 客户端离开当前会话；会话空了就销毁
func (g *Gateway) leave(ep *endpoint) {
	sid := ep.sessionID
	ep.sessionID = ""
	s, ok := g.sessions[sid]
	if !ok {
		return
	}
	s.RemoveClient(ep.id)
	if g.presence != nil {
		cid := ep.id
		g.background("presence leave", func(ctx context.Context) error {
			return g.presence.Leave(ctx, sid, cid)
		})
	}
	if s.ClientCount() == 0 {
		g.destroy(s, reasonEmpty)
	}
}

func (g *Gateway) handleLock(ep *endpoint, locked bool) {
	s := g.sessionOf(ep)
	if s == nil {
		return
	}
	err := s.SetLocked(ep.id, locked)
	switch {
	case err == nil:
	case errors.Is(err, collab.ErrNotHost) && locked:
		ep.send(collab.NewError(msgOnlyHostLock))
	case errors.Is(err, collab.ErrNotHost):
		ep.send(collab.NewError(msgOnlyHostUnlock))
	default:
		ep.send(collab.NewError(err.Error()))
	}
}

// refreshPresence 活跃的客户端定期刷新 Redis 里的 TTL
func (g *Gateway) refreshPresence(ep *endpoint) {
	if g.presence == nil {
		return
	}
	now := g.now()
	if now.Sub(ep.lastPresent) < g.cfg.PresenceRefresh {
		return
	}
	ep.lastPresent = now
	sid, cid, name := ep.sessionID, ep.id, ep.name
	g.background("presence refresh", func(ctx context.Context) error {
		return g.presence.Join(ctx, sid, cid, name)
	})
}

func (g *Gateway) mirrorCursor(ep *endpoint, cur collab.Cursor) {
	if g.presence == nil {
		return
	}
	g.refreshPresence(ep)
	b, err := json.Marshal(cur)
	if err != nil {
		return
	}
	sid, cid := ep.sessionID, ep.id
	g.background("presence cursor", func(ctx context.Context) error {
		if err := g.presence.SetCursor(ctx, sid, cid, b); err != nil {
			return fmt.Errorf("session=%s client=%s: %w", sid, cid, err)
		}
		return nil
	})
}
