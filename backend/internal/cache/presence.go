package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

// PresenceCache 落地跨实例共享的房间在线状态。没有哪台实例持有全局
// 成员表——权威列表是所有实例成员的并集，都在这里。
type PresenceCache interface {
	AddMember(ctx context.Context, roomID string, connID string, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID string, connID string) error
	GetRooms(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, roomID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	ConnID   string
	Username string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, roomID string, connID string, username string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可（心跳路径）
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: connID})
	// 名字表（Hash）
	tx.HSet(ctx, namesKey(roomID), connID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, roomID string, connID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), connID)
	tx.HDel(ctx, namesKey(roomID), connID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	iter := p.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// 注意：namesKey 也是以 presence:room: 开头（presence:room:names:{roomID}），需要过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		// 键形如 presence:room:{roomID:r1}，取出花括号里的 roomID
		rest := strings.TrimPrefix(k, "presence:room:{roomID:")
		roomID := strings.TrimSuffix(rest, "}")
		if roomID != "" && roomID != k {
			rooms = append(rooms, roomID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, roomID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(roomID)   e.g. presence:room:{roomID}
	-- KEYS[2] = namesKey(roomID)  e.g. presence:room:names:{roomID}
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(roomID), namesKey(roomID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + formatInt(now), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(roomID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{ConnID: aliveIDs[i], Username: name})
	}
	return members, nil
}
