package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes announcements to a Redis Stream read through a
// consumer group, so every dispatcher process shares the stream and pending
// entries of a dead consumer are reclaimed.
type RedisNotifier struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	maxLen        int64
	block         time.Duration
	claimInterval time.Duration
	claimTimeout  time.Duration
	maxRetries    int64
}

// RedisConfig holds configuration for RedisNotifier
type RedisConfig struct {
	Stream        string
	Group         string
	Consumer      string
	MaxLen        int64
	Block         time.Duration
	ClaimInterval time.Duration
	ClaimTimeout  time.Duration
	MaxRetries    int64
}

// DefaultRedisConfig returns default notifier configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Stream:        "fluxqc:jobs",
		Group:         "dispatchers",
		Consumer:      "dispatcher-1",
		MaxLen:        10000,
		Block:         5 * time.Second,
		ClaimInterval: 10 * time.Second,
		ClaimTimeout:  60 * time.Second,
		MaxRetries:    3,
	}
}

// NewRedisNotifier creates the consumer group if it doesn't exist yet.
func NewRedisNotifier(ctx context.Context, client *redis.Client, cfg RedisConfig) (*RedisNotifier, error) {
	n := &RedisNotifier{
		client:        client,
		stream:        cfg.Stream,
		group:         cfg.Group,
		consumer:      cfg.Consumer,
		maxLen:        cfg.MaxLen,
		block:         cfg.Block,
		claimInterval: cfg.ClaimInterval,
		claimTimeout:  cfg.ClaimTimeout,
		maxRetries:    cfg.MaxRetries,
	}

	err := client.XGroupCreateMkStream(ctx, n.stream, n.group, "$").Err()
	if err != nil && !isGroupExistsError(err) {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	slog.Info("redis notifier initialized",
		"stream", n.stream,
		"group", n.group,
		"consumer", n.consumer,
		"claim_timeout", n.claimTimeout)
	return n, nil
}

func (n *RedisNotifier) Publish(ctx context.Context, jobID uuid.UUID) error {
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": jobID.String()},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	slog.Debug("job announced", "job_id", jobID, "stream", n.stream)
	return nil
}

// Subscribe reads new entries and periodically reclaims stale pending ones.
func (n *RedisNotifier) Subscribe(ctx context.Context, fn func(uuid.UUID)) error {
	ticker := time.NewTicker(n.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.claimStale(ctx, fn)
		default:
		}

		streams, err := n.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    n.group,
			Consumer: n.consumer,
			Streams:  []string{n.stream, ">"},
			Count:    32,
			Block:    n.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to read from stream", "error", err, "stream", n.stream)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				n.deliver(ctx, msg, fn)
			}
		}
	}
}

func (n *RedisNotifier) deliver(ctx context.Context, msg redis.XMessage, fn func(uuid.UUID)) {
	raw, _ := msg.Values["job_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		n.moveToDeadLetter(ctx, msg, "invalid job_id")
		return
	}
	fn(id)
	n.ack(ctx, msg.ID)
}

// claimStale takes over entries another consumer read but never acked.
func (n *RedisNotifier) claimStale(ctx context.Context, fn func(uuid.UUID)) {
	pending, err := n.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: n.stream,
		Group:  n.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Error("failed to get pending entries", "error", err)
		}
		return
	}

	for _, p := range pending {
		if p.Idle < n.claimTimeout {
			continue
		}
		msgs, err := n.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   n.stream,
			Group:    n.group,
			Consumer: n.consumer,
			MinIdle:  n.claimTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			slog.Error("failed to claim stale entry", "message_id", p.ID, "error", err)
			continue
		}
		for _, msg := range msgs {
			if p.RetryCount > n.maxRetries {
				n.moveToDeadLetter(ctx, msg, fmt.Sprintf("exceeded max retries: %d", p.RetryCount))
				continue
			}
			slog.Warn("reclaimed stale announcement", "message_id", msg.ID, "idle_time", p.Idle, "retry_count", p.RetryCount)
			n.deliver(ctx, msg, fn)
		}
	}
}

func (n *RedisNotifier) moveToDeadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.deadLetterStream(),
		Values: map[string]any{
			"original_id": msg.ID,
			"job_id":      msg.Values["job_id"],
			"reason":      reason,
			"moved_at":    time.Now().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		slog.Error("failed to move to dead letter", "message_id", msg.ID, "error", err)
	} else {
		slog.Warn("moved announcement to dead letter", "message_id", msg.ID, "reason", reason)
	}
	n.ack(ctx, msg.ID)
}

func (n *RedisNotifier) ack(ctx context.Context, messageID string) {
	if err := n.client.XAck(ctx, n.stream, n.group, messageID).Err(); err != nil {
		slog.Error("failed to ack message", "message_id", messageID, "error", err)
	}
}

func (n *RedisNotifier) deadLetterStream() string {
	return n.stream + ":deadletter"
}

// DeadLetterCount returns the number of undeliverable announcements.
func (n *RedisNotifier) DeadLetterCount(ctx context.Context) (int64, error) {
	return n.client.XLen(ctx, n.deadLetterStream()).Result()
}

// Close leaves the client open; its owner closes it.
func (n *RedisNotifier) Close() error {
	return nil
}

// isGroupExistsError checks if error is "BUSYGROUP Consumer Group name already exists"
func isGroupExistsError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
