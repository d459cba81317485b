package ws

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livecollab/backend/internal/collab"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

var ErrConnClosed = errors.New("connection closed")

// Dispatcher 接收连接上的入站消息。Gateway 实现它，ws 包不依赖 gateway。
type Dispatcher interface {
	Connect(clientID string, tr collab.Transport) error
	Dispatch(clientID string, msg Inbound)
	Disconnect(clientID string)
}

// Conn 一个客户端连接：读循环解码后交给 Dispatcher，写循环消费 send 队列
type Conn struct {
	ws       *websocket.Conn
	clientID string
	userID   uint64
	username string

	send chan collab.Event
	done chan struct{}
	once sync.Once

	dispatcher Dispatcher
}

var _ collab.Transport = (*Conn)(nil)

func NewConn(ws *websocket.Conn, clientID string, userID uint64, username string, d Dispatcher) *Conn {
	return &Conn{
		ws:         ws,
		clientID:   clientID,
		userID:     userID,
		username:   username,
		send:       make(chan collab.Event, sendQueueSize),
		done:       make(chan struct{}),
		dispatcher: d,
	}
}

func (c *Conn) ClientID() string { return c.clientID }

// Send 非阻塞入队：事件循环不能被慢连接卡住，队列满就丢弃
func (c *Conn) Send(evt collab.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- evt:
		return nil
	default:
		return collab.ErrSendQueueFull
	}
}

// Close 主动断开：写循环发 close 帧，读循环随之退出并触发 Disconnect。可重复调用。
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

var _ collab.Closer = (*Conn)(nil)

// Serve 注册到 Dispatcher，启动写循环，然后阻塞在读循环直到连接断开
func (c *Conn) Serve() {
	if err := c.dispatcher.Connect(c.clientID, c); err != nil {
		log.Printf("connect rejected client=%s: %v", c.clientID, err)
		_ = c.ws.Close()
		return
	}
	go c.writeLoop()
	_ = c.Send(collab.Event{Type: collab.EventConnected, Data: collab.ConnectedPayload{ClientID: c.clientID}})
	c.readLoop()
}

func (c *Conn) readLoop() {
	defer func() {
		c.Close()
		c.dispatcher.Disconnect(c.clientID)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("read error client=%s user=%d: %v", c.clientID, c.userID, err)
			}
			return
		}
		msg, err := DecodeClientMessage(raw)
		if err != nil {
			// 格式错误只回 error，连接保持
			_ = c.Send(collab.NewError(err.Error()))
			continue
		}
		c.dispatcher.Dispatch(c.clientID, msg)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case evt := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(evt); err != nil {
				log.Printf("write error client=%s: %v", c.clientID, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
