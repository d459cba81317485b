package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"livecollab/backend/internal/cache"
	"livecollab/backend/internal/gateway"
	"livecollab/backend/internal/store"
)

type SessionDirectory interface {
	Sessions(ctx context.Context) ([]gateway.SessionInfo, error)
	Session(ctx context.Context, id string) (gateway.SessionInfo, error)
}

type PresenceReader interface {
	AliveMembers(ctx context.Context, sessionID string) ([]cache.PresenceMember, error)
}

type ArchiveReader interface {
	Latest(ctx context.Context, sessionID string) (*store.SessionArchive, error)
}

// SessionHandler 只读的会话查询接口。presence 和 archives 可以为 nil。
type SessionHandler struct {
	dir      SessionDirectory
	presence PresenceReader
	archives ArchiveReader
}

func NewSessionHandler(dir SessionDirectory, presence PresenceReader, archives ArchiveReader) *SessionHandler {
	return &SessionHandler{dir: dir, presence: presence, archives: archives}
}

func (h *SessionHandler) Register(r gin.IRouter) {
	r.GET("/sessions", h.List)
	r.GET("/sessions/:id", h.Get)
	r.GET("/sessions/:id/presence", h.Presence)
	r.GET("/sessions/:id/archive", h.Archive)
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *SessionHandler) List(c *gin.Context) {
	infos, err := h.dir.Sessions(c.Request.Context())
	if err != nil {
		writeGatewayError(c, err)
		return
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	c.JSON(http.StatusOK, gin.H{"sessions": infos, "count": len(infos)})
}

func (h *SessionHandler) Get(c *gin.Context) {
	info, err := h.dir.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeGatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *SessionHandler) Presence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence not configured"})
		return
	}
	id := c.Param("id")
	members, err := h.presence.AliveMembers(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "members": members})
}

func (h *SessionHandler) Archive(c *gin.Context) {
	if h.archives == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive not configured"})
		return
	}
	rec, err := h.archives.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func writeGatewayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrGatewayStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
