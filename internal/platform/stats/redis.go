// Package stats keeps per-subscription daily delivery counters in Redis.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	fieldSuccess = "success"
	fieldFailure = "failure"
	dayLayout    = "20060102"
	maxDays      = 90
)

type DayStats struct {
	Date    string `json:"date"`
	Success int64  `json:"success"`
	Failure int64  `json:"failure"`
}

type RedisRecorder struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRecorder(client *redis.Client, prefix string, ttl time.Duration) *RedisRecorder {
	if prefix == "" {
		prefix = "casehooks"
	}
	return &RedisRecorder{client: client, prefix: prefix, ttl: ttl}
}

// Record increments the day's success or failure counter. Redis errors are
// logged and otherwise ignored.
func (r *RedisRecorder) Record(ctx context.Context, webhookID string, success bool, at time.Time) {
	field := fieldFailure
	if success {
		field = fieldSuccess
	}
	key := r.key(webhookID, at)

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("webhook_id", webhookID).Msg("stats: record delivery")
	}
}

// Daily returns counters for the last days days ending at now, oldest first.
func (r *RedisRecorder) Daily(ctx context.Context, webhookID string, days int, now time.Time) ([]DayStats, error) {
	if days < 1 {
		days = 1
	}
	if days > maxDays {
		days = maxDays
	}

	start := now.UTC().AddDate(0, 0, -(days - 1))
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, days)
	for i := 0; i < days; i++ {
		cmds[i] = pipe.HGetAll(ctx, r.key(webhookID, start.AddDate(0, 0, i)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}

	out := make([]DayStats, days)
	for i, cmd := range cmds {
		out[i].Date = start.AddDate(0, 0, i).Format(time.DateOnly)
		vals := cmd.Val()
		out[i].Success, _ = strconv.ParseInt(vals[fieldSuccess], 10, 64)
		out[i].Failure, _ = strconv.ParseInt(vals[fieldFailure], 10, 64)
	}
	return out, nil
}

func (r *RedisRecorder) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRecorder) key(webhookID string, t time.Time) string {
	return buildKey(r.prefix, webhookID, t)
}

func buildKey(prefix, webhookID string, t time.Time) string {
	return fmt.Sprintf("%s:wh:%s:%s", prefix, webhookID, t.UTC().Format(dayLayout))
}
