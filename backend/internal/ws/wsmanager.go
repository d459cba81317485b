package ws

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 允许本地开发环境和配置里的来源
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
}

// originAllowed 本地来源只看 host；配置里的来源按 scheme://host[:port] 完整比较，"*" 放行全部
func originAllowed(origin string, allowed []string) bool {
	// 一些环境不发送 Origin，或者为 "null"
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		switch strings.ToLower(u.Hostname()) {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		au, err := url.Parse(strings.TrimSuffix(a, "/"))
		if err != nil {
			continue
		}
		if strings.EqualFold(au.Scheme, u.Scheme) && strings.EqualFold(au.Host, u.Host) {
			return true
		}
	}
	return false
}

type Manager struct {
	upgrader   websocket.Upgrader
	dispatcher Dispatcher
}

func NewManager(d Dispatcher, allowedOrigins []string) *Manager {
	return &Manager{upgrader: newUpgrader(allowedOrigins), dispatcher: d}
}

// WebSocketConnect 升级连接并阻塞到连接结束。userId/username 由鉴权中间件放进 gin.Context。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	clientID := uuid.NewString()
	log.Printf("websocket connected client=%s user=%d(%s)", clientID, userID, username)
	NewConn(conn, clientID, userID, username, m.dispatcher).Serve()
}
