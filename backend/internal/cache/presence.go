package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 房间在线成员的外部镜像。纯粹是给外围服务看的可见性，
// 不参与同步正确性：掉了 redis 引擎照常工作。所有条目都带 TTL，不落盘。
type PresenceCache interface {
	AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	AliveMembers(ctx context.Context, docID string) ([]Member, error)
}

type Member struct {
	UserID   uint64
	Username string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember 加入或刷新 TTL 都走这里。
func (p *redisPresence) AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	member := strconv.FormatUint(userID, 10)
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), member)
	tx.HDel(ctx, namesKey(docID), member)
	_, err := tx.Exec(ctx)
	return err
}

// 把 score（过期时刻）不晚于 now 的成员整体摘掉，名字映射一并删。
var sweepExpired = redis.NewScript(`
local gone = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #gone > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(gone))
end
return #gone
`)

// AliveMembers 返回仍在逻辑 TTL 内的成员。读之前先原子地扫掉过期条目，
// 掉线但没走 RemoveMember 的成员靠这里兜底消失。
func (p *redisPresence) AliveMembers(ctx context.Context, docID string) ([]Member, error) {
	now := time.Now().Unix()
	keys := []string{roomKey(docID), namesKey(docID)}
	if _, err := sweepExpired.Run(ctx, p.rdb, keys, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	rawIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(rawIDs) == 0 {
		return nil, nil
	}
	ids := make([]uint64, 0, len(rawIDs))
	for _, raw := range rawIDs {
		uid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uid)
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), rawIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(ids))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, Member{UserID: ids[i], Username: name})
	}
	return members, nil
}
