package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/circuitbreaker"
)

const (
	streamKeyPrefix  = "prosearch:session:"
	defaultStreamTTL = 24 * time.Hour
	defaultMaxLen    = 1000
)

// RedisStore keeps one Redis stream per session so events survive process
// restarts and ring eviction.
type RedisStore struct {
	client redis.UniversalClient
	guard  *circuitbreaker.Guard
	ttl    time.Duration
	maxLen int64
	logger *zap.Logger
}

// NewRedisStore wraps client. ttl <= 0 uses a 24h expiry.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = defaultStreamTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		guard:  circuitbreaker.NewGuard(circuitbreaker.DependencyRedis, "event-store", logger),
		ttl:    ttl,
		maxLen: defaultMaxLen,
		logger: logger.With(zap.String("component", "redis_event_store")),
	}
}

func streamKey(sessionID string) string {
	return streamKeyPrefix + sessionID + ":events"
}

// Append adds evt to the session stream and refreshes its expiry.
func (s *RedisStore) Append(ctx context.Context, evt Event) error {
	body, err := evt.MarshalJSON()
	if err != nil {
		return err
	}
	key := streamKey(evt.SessionID)
	return s.guard.Run(ctx, func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: key,
				MaxLen: s.maxLen,
				Values: map[string]interface{}{
					"seq":   evt.Seq,
					"type":  evt.Type(),
					"event": string(body),
				},
			})
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err != nil {
			return fmt.Errorf("append event %d for %s: %w", evt.Seq, evt.SessionID, err)
		}
		return nil
	})
}

// Range returns stored events with Seq > since in stream order.
func (s *RedisStore) Range(ctx context.Context, sessionID string, since uint64) ([]Event, error) {
	var msgs []redis.XMessage
	err := s.guard.Run(ctx, func(ctx context.Context) error {
		var err error
		msgs, err = s.client.XRange(ctx, streamKey(sessionID), "-", "+").Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("range events for %s: %w", sessionID, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		evt, err := DecodeEvent([]byte(raw))
		if err != nil {
			s.logger.Warn("Skipping undecodable stream entry",
				zap.String("session_id", sessionID),
				zap.String("entry_id", msg.ID),
				zap.Error(err))
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Ping checks connectivity for health reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Breaker exposes the store's circuit breaker.
func (s *RedisStore) Breaker() *circuitbreaker.CircuitBreaker { return s.guard.Breaker() }
