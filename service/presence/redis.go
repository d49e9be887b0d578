package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/taskhive/chatcore/tools/errs"
)

// presence key: chat:presence:<user>
// value: last-transition unix ms; key existence is the online flag
func presenceKey(user string) string { return "chat:presence:" + user }

// Redis is the shared Tracker for multi-node deployments.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) SetOnline(ctx context.Context, userID string) error {
	ms := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := r.rdb.Set(ctx, presenceKey(userID), ms, 0).Err(); err != nil {
		return errs.WrapMsg(err, "presence set online", "user_id", userID)
	}
	return nil
}

func (r *Redis) SetOffline(ctx context.Context, userID string) error {
	if err := r.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return errs.WrapMsg(err, "presence set offline", "user_id", userID)
	}
	return nil
}

func (r *Redis) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, err := r.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errs.WrapMsg(err, "presence lookup", "user_id", userID)
	}
	return true, nil
}

func (r *Redis) BulkIsOnline(ctx context.Context, userIDs []string) (map[string]bool, error) {
	if len(userIDs) == 0 {
		return map[string]bool{}, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "presence bulk lookup")
	}
	out := make(map[string]bool, len(userIDs))
	for i, id := range userIDs {
		out[id] = vals[i] != nil
	}
	return out, nil
}
