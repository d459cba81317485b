package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):   会话在线成员（ZSet<clientId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID):  会话内 clientId -> 显示名（Hash）
// - cursorKey(...):       单个客户端最近一次光标（String，带 TTL）
// - sessionsKey():        活跃会话索引（Set<sessionId>）
const (
	keyRoomFmt   = "presence:room:{session:%s}"
	keyNamesFmt  = "presence:room:names:{session:%s}"
	keyCursorFmt = "presence:cursor:{session:%s}:%s"
	keySessions  = "presence:sessions"
)

func roomKey(sessionID string) string            { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string           { return fmt.Sprintf(keyNamesFmt, sessionID) }
func cursorKey(sessionID, clientID string) string { return fmt.Sprintf(keyCursorFmt, sessionID, clientID) }
func sessionsKey() string                         { return keySessions }
