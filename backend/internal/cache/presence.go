package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceMember struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name"`
}

// PresenceCache 把会话成员镜像到 Redis，供 REST 查询和其他进程观察
type PresenceCache interface {
	Join(ctx context.Context, sessionID, clientID, name string) error
	Leave(ctx context.Context, sessionID, clientID string) error
	Drop(ctx context.Context, sessionID string) error
	SetCursor(ctx context.Context, sessionID, clientID string, jsonData []byte) error
	GetCursor(ctx context.Context, sessionID, clientID string) ([]byte, error)
	AliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error)
	Sessions(ctx context.Context) ([]string, error)
}

type redisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) PresenceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisPresence{rdb: rdb, ttl: ttl}
}

// Join 加入或刷新 TTL 都走这里
func (p *redisPresence) Join(ctx context.Context, sessionID, clientID, name string) error {
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达逻辑 TTL
	expireAt := time.Now().Add(p.ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: clientID})
	tx.HSet(ctx, namesKey(sessionID), clientID, name)
	tx.SAdd(ctx, sessionsKey(), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Leave(ctx context.Context, sessionID, clientID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), clientID)
	tx.HDel(ctx, namesKey(sessionID), clientID)
	tx.Del(ctx, cursorKey(sessionID, clientID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Drop(ctx context.Context, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.Del(ctx, roomKey(sessionID), namesKey(sessionID))
	tx.SRem(ctx, sessionsKey(), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, clientID string, jsonData []byte) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, clientID), jsonData, p.ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, sessionID, clientID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(sessionID, clientID)).Bytes()
}

func (p *redisPresence) Sessions(ctx context.Context) ([]string, error) {
	ids, err := p.rdb.SMembers(ctx, sessionsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return ids, nil
}

// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix 秒)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员（expireAt <= now）
	now := time.Now().Unix()
	if _, err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	// step3: 批量取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), alive...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(alive))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{ClientID: alive[i], Name: name})
	}
	return members, nil
}
