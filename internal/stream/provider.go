// Package stream is the broker-backed ingest path: a Redis Streams consumer
// group with pending-first reads and batch acknowledgment after archival.
package stream

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stream protocol constants shared with the capture agent.
const (
	StreamKey = "mnemosyne:events"
	GroupName = "mnemosyne_brain_group"

	// NewMessageBlock is the blocking wait when no pending messages exist.
	NewMessageBlock = 2 * time.Second
)

// Provider wraps the consumer-group operations on the event stream.
type Provider struct {
	client   *redis.Client
	consumer string
	logger   *zap.Logger
}

// NewProvider connects to the broker at host ("host:port"). The consumer
// name is stable per machine so crash-restart replays this consumer's
// pending messages.
func NewProvider(host string, logger *zap.Logger) *Provider {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "local"
	}
	return &Provider{
		client:   redis.NewClient(&redis.Options{Addr: host}),
		consumer: "mnemosyne-brain-" + hostname,
		logger:   logger.Named("stream"),
	}
}

// Ping verifies broker reachability.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group (and the stream if absent). An
// already-existing group is not an error.
func (p *Provider) EnsureGroup(ctx context.Context) error {
	err := p.client.XGroupCreateMkStream(ctx, StreamKey, GroupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// ReadBatch reads up to count messages: previously-delivered pending
// messages first, then new messages with a short blocking wait.
func (p *Provider) ReadBatch(ctx context.Context, count int64) ([]redis.XMessage, error) {
	pending, err := p.read(ctx, "0", count, 0)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		p.logger.Debug("replaying pending messages", zap.Int("count", len(pending)))
		return pending, nil
	}
	return p.read(ctx, ">", count, NewMessageBlock)
}

func (p *Provider) read(ctx context.Context, id string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: p.consumer,
		Streams:  []string{StreamKey, id},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	var messages []redis.XMessage
	for _, s := range res {
		messages = append(messages, s.Messages...)
	}
	return messages, nil
}

// Ack acknowledges the given message ids. Called only after the carrying
// group has been archived.
func (p *Provider) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.client.XAck(ctx, StreamKey, GroupName, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d messages: %w", len(ids), err)
	}
	return nil
}

// Close releases the broker connection.
func (p *Provider) Close() error {
	return p.client.Close()
}
