package collab

import "errors"

var ErrSendQueueFull = errors.New("send queue full")

// Transport 是会话向单个客户端投递事件的出口。
// 实现必须是非阻塞的：会话在事件循环里调用它，不能等待网络 I/O。
type Transport interface {
	Send(evt Event) error
}

// TransportFunc 让普通函数满足 Transport，测试和内部适配用
type TransportFunc func(evt Event) error

func (f TransportFunc) Send(evt Event) error { return f(evt) }

// Closer 由能主动断开的 Transport 实现。
// operation 和 session-state 丢了客户端就没法和服务端对齐，投递失败时直接断开，让它重连后拿新快照。
type Closer interface {
	Close()
}

// mustDeliver 投递失败需要断开客户端的事件；光标、选区、聊天丢了无所谓
func mustDeliver(k EventKind) bool {
	return k == EventOperation || k == EventSessionState
}
