package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/common/redis"
)

const payloadField = "payload"

// reclaimIdle is how long a delivery may sit unacked in any consumer's
// pending list before another consumer may claim and retry it. Covers
// both handler failures and crashed workers.
const reclaimIdle = 30 * time.Second

// reclaimEvery paces pending-entry scans in the consume loop
const reclaimEvery = 15 * time.Second

// streamAPI is the slice of the redis client the bus uses
type streamAPI interface {
	AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	CreateStreamGroup(ctx context.Context, stream, group string) error
	ReadFromStreamGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]goredis.XStream, error)
	AckStreamMessage(ctx context.Context, stream, group, messageID string) error
	AutoClaimStream(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]goredis.XMessage, string, error)
}

// RedisBus implements Bus on Redis streams with consumer groups
type RedisBus struct {
	client streamAPI
	log    *logger.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBus creates a stream-backed bus
func NewRedisBus(client *redis.Client, log *logger.Logger) *RedisBus {
	return &RedisBus{client: client, log: log}
}

var _ Bus = (*RedisBus)(nil)

// Publish appends the payload to the topic's stream
func (b *RedisBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	id, err := b.client.AddToStream(ctx, topic, map[string]interface{}{payloadField: string(blob)})
	if err != nil {
		return err
	}
	b.log.Debug("event published", "topic", topic, "stream_id", id)
	return nil
}

// Subscribe joins the consumer group and pumps deliveries to handler in
// a background goroutine until ctx ends or Close is called.
func (b *RedisBus) Subscribe(ctx context.Context, topic, queue string, handler Handler) error {
	if err := b.client.CreateStreamGroup(ctx, topic, queue); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	consumer := fmt.Sprintf("%s-%s", queue, uuid.New().String()[:8])
	b.wg.Add(1)
	go b.consume(runCtx, topic, queue, consumer, handler)

	b.log.Info("subscribed", "topic", topic, "queue", queue, "consumer", consumer)
	return nil
}

func (b *RedisBus) consume(ctx context.Context, topic, queue, consumer string, handler Handler) {
	defer b.wg.Done()

	var lastReclaim time.Time
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Periodically take over deliveries stuck in pending lists:
		// crashed consumers and earlier handler failures.
		if time.Since(lastReclaim) >= reclaimEvery {
			b.reclaim(ctx, topic, queue, consumer, handler)
			lastReclaim = time.Now()
		}

		streams, err := b.client.ReadFromStreamGroup(ctx, queue, consumer, topic, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Error("stream read failed", "topic", topic, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.deliver(ctx, topic, queue, msg, handler)
			}
		}
	}
}

// reclaim claims pending messages idle past reclaimIdle and retries
// them here, so an unacked delivery is eventually redelivered.
func (b *RedisBus) reclaim(ctx context.Context, topic, queue, consumer string, handler Handler) {
	cursor := "0-0"
	for {
		msgs, next, err := b.client.AutoClaimStream(ctx, topic, queue, consumer, reclaimIdle, cursor, 10)
		if err != nil {
			if ctx.Err() == nil {
				b.log.Error("pending reclaim failed", "topic", topic, "error", err)
			}
			return
		}
		for _, msg := range msgs {
			b.log.Info("redelivering pending message", "topic", topic, "message_id", msg.ID)
			b.deliver(ctx, topic, queue, msg, handler)
		}
		if next == "0-0" || next == "" || next == cursor {
			return
		}
		cursor = next
	}
}

// deliver runs the handler and acks on success. A failed handler leaves
// the message pending for a later reclaim pass.
func (b *RedisBus) deliver(ctx context.Context, topic, queue string, msg goredis.XMessage, handler Handler) {
	raw, _ := msg.Values[payloadField].(string)
	if err := handler(ctx, []byte(raw)); err != nil {
		b.log.Error("handler failed, leaving message for redelivery",
			"topic", topic, "message_id", msg.ID, "error", err)
		return
	}
	if err := b.client.AckStreamMessage(ctx, topic, queue, msg.ID); err != nil {
		b.log.Error("ack failed", "topic", topic, "message_id", msg.ID, "error", err)
	}
}

// Close stops all consumers and waits for them to drain
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancel {
		cancel()
	}
	b.cancel = nil
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
