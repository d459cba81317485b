package gateway

import (
	"context"
	"log"
	"sort"

	"livecollab/backend/internal/collab"
	"livecollab/backend/internal/store"
)

const (
	reasonEmpty    = "empty"
	reasonInactive = "inactive"
	reasonExpired  = "expired"
	reasonCapacity = "capacity"
)

// evict 周期清理：空会话、长时间不活跃、超过绝对寿命的会话直接移除；
// 之后如果仍超过容量，按 lastActivity 从旧到新继续移除，直到不超过上限。
func (g *Gateway) evict() {
	now := g.now()
	for _, s := range g.sessions {
		var reason string
		switch {
		case s.ClientCount() == 0:
			reason = reasonEmpty
		case now.Sub(s.LastActivity()) > g.cfg.InactivityTimeout:
			reason = reasonInactive
		case now.Sub(s.CreatedAt()) > g.cfg.MaxAge:
			reason = reasonExpired
		default:
			continue
		}
		g.destroy(s, reason)
	}

	over := len(g.sessions) - g.cfg.MaxSessions
	if over <= 0 {
		return
	}
	byActivity := make([]*collab.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		byActivity = append(byActivity, s)
	}
	sort.Slice(byActivity, func(i, j int) bool {
		a, b := byActivity[i], byActivity[j]
		if !a.LastActivity().Equal(b.LastActivity()) {
			return a.LastActivity().Before(b.LastActivity())
		}
		if !a.CreatedAt().Equal(b.CreatedAt()) {
			return a.CreatedAt().Before(b.CreatedAt())
		}
		return a.ID() < b.ID()
	})
	for _, s := range byActivity[:over] {
		g.destroy(s, reasonCapacity)
	}
}

// destroy 通知成员 session-closed，移出注册表，后台清理 Redis 并归档到 MySQL
func (g *Gateway) destroy(s *collab.Session, reason string) {
	doc := s.Document()
	createdAt := s.CreatedAt()
	for _, cid := range s.Close(reason) {
		if ep, ok := g.clients[cid]; ok && ep.sessionID == s.ID() {
			ep.sessionID = ""
		}
	}
	delete(g.sessions, s.ID())
	log.Printf("session closed session=%s reason=%s revision=%d", s.ID(), reason, doc.RevisionNumber)

	sid := s.ID()
	if g.presence != nil {
		g.background("presence drop", func(ctx context.Context) error {
			return g.presence.Drop(ctx, sid)
		})
	}
	if g.archiver != nil {
		rec := store.SessionArchive{
			SessionID: sid,
			Revision:  doc.RevisionNumber,
			Filename:  doc.Filename,
			Language:  doc.Language,
			Content:   doc.Content,
			Reason:    reason,
			CreatedAt: createdAt,
			ClosedAt:  g.now(),
		}
		g.background("archive", func(ctx context.Context) error {
			return g.archiver.Archive(ctx, rec)
		})
	}
}
