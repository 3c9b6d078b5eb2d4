package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmata/flowmata/common/logger"
)

// fakeStreams scripts AutoClaimStream responses and records acks
type fakeStreams struct {
	mu     sync.Mutex
	claims []claimPage
	acked  []string
	starts []string
}

type claimPage struct {
	msgs []goredis.XMessage
	next string
}

func (f *fakeStreams) AddToStream(_ context.Context, _ string, _ map[string]interface{}) (string, error) {
	return "1-0", nil
}

func (f *fakeStreams) CreateStreamGroup(_ context.Context, _, _ string) error { return nil }

func (f *fakeStreams) ReadFromStreamGroup(_ context.Context, _, _, _ string, _ int64, _ time.Duration) ([]goredis.XStream, error) {
	return nil, nil
}

func (f *fakeStreams) AckStreamMessage(_ context.Context, _, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, messageID)
	return nil
}

func (f *fakeStreams) AutoClaimStream(_ context.Context, _, _, _ string, _ time.Duration, start string, _ int64) ([]goredis.XMessage, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, start)
	if len(f.claims) == 0 {
		return nil, "0-0", nil
	}
	page := f.claims[0]
	f.claims = f.claims[1:]
	return page.msgs, page.next, nil
}

func pendingMessage(id, payload string) goredis.XMessage {
	return goredis.XMessage{ID: id, Values: map[string]interface{}{payloadField: payload}}
}

func TestReclaimRetriesPendingAndAcksOnlySuccesses(t *testing.T) {
	fake := &fakeStreams{claims: []claimPage{
		{msgs: []goredis.XMessage{pendingMessage("1-0", "bad"), pendingMessage("2-0", "good")}, next: "3-0"},
		{msgs: []goredis.XMessage{pendingMessage("3-0", "good")}, next: "0-0"},
	}}
	b := &RedisBus{client: fake, log: logger.New("error", "json")}

	var handled []string
	b.reclaim(context.Background(), TopicProcessStarted, QueueProcessExecution, "worker-1",
		func(_ context.Context, payload []byte) error {
			handled = append(handled, string(payload))
			if string(payload) == "bad" {
				return fmt.Errorf("still failing")
			}
			return nil
		})

	// Every pending message was retried, across cursor pages.
	assert.Equal(t, []string{"bad", "good", "good"}, handled)
	assert.Equal(t, []string{"0-0", "3-0"}, fake.starts)

	// The failed delivery stays pending for the next pass.
	assert.Equal(t, []string{"2-0", "3-0"}, fake.acked)
}

func TestConsumeReclaimsBeforeReading(t *testing.T) {
	fake := &fakeStreams{claims: []claimPage{
		{msgs: []goredis.XMessage{pendingMessage("9-0", "orphaned")}, next: "0-0"},
	}}
	b := &RedisBus{client: fake, log: logger.New("error", "json")}

	got := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	b.wg.Add(1)
	go b.consume(ctx, TopicProcessStarted, QueueProcessExecution, "worker-1",
		func(_ context.Context, payload []byte) error {
			select {
			case got <- string(payload):
			default:
			}
			return nil
		})

	select {
	case payload := <-got:
		assert.Equal(t, "orphaned", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("pending message was never redelivered")
	}
	cancel()
	b.wg.Wait()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Contains(t, fake.acked, "9-0")
}
