package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/logging"
)

// Publisher appends turn summaries to a capped Redis stream.
type Publisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	log    zerolog.Logger
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(cfg config.RedisConfig) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newPublisher(rdb, cfg), nil
}

func newPublisher(rdb *redis.Client, cfg config.RedisConfig) *Publisher {
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{
		rdb:    rdb,
		stream: stream,
		maxLen: cfg.MaxLen,
		log:    logging.Component("messaging"),
	}
}

// Stream returns the stream name.
func (p *Publisher) Stream() string { return p.stream }

// PublishTurn appends s to the stream and returns the entry ID.
func (p *Publisher) PublishTurn(ctx context.Context, s TurnSummary) (string, error) {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: s.ToRedisValues(),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}
	p.log.Debug().Str("turn_id", s.TurnID).Str("entry_id", id).Msg("turn summary published")
	return id, nil
}

// Recent returns up to n of the newest summaries, newest first.
func (p *Publisher) Recent(ctx context.Context, n int64) ([]TurnSummary, error) {
	entries, err := p.rdb.XRevRangeN(ctx, p.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange failed: %w", err)
	}

	out := make([]TurnSummary, 0, len(entries))
	for _, e := range entries {
		s, err := TurnSummaryFromValues(e.Values)
		if err != nil {
			p.log.Warn().Err(err).Str("entry_id", e.ID).Msg("skipping malformed stream entry")
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Ping checks if Redis is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
