package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/telemetry-hub/internal/broker"
	"github.com/t77yq/telemetry-hub/internal/storage"
	"github.com/t77yq/telemetry-hub/internal/testutil"
)

type orderingProcessor struct {
	mu       sync.Mutex
	bySubj   map[string][]int
	arrivals map[string]time.Time
	total    int
}

func (p *orderingProcessor) Process(ctx context.Context, subject string, raw []byte, arrivedAt time.Time) Result {
	var body struct {
		Seq int `json:"seq"`
	}
	_ = json.Unmarshal(raw, &body)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.bySubj[subject] = append(p.bySubj[subject], body.Seq)
	p.arrivals[fmt.Sprintf("%s/%d", subject, body.Seq)] = arrivedAt
	p.total++
	return ResultStored
}

func (p *orderingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func setupStreams(t *testing.T) (*nats.Conn, nats.JetStreamContext) {
	t.Helper()

	_, nc, js, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)

	require.NoError(t, broker.EnsureStreams(js, broker.StreamConfig{Memory: true}, zaptest.NewLogger(t)))
	return nc, js
}

func TestConsumer_PerDeviceOrdering(t *testing.T) {
	_, js := setupStreams(t)

	processor := &orderingProcessor{bySubj: make(map[string][]int), arrivals: make(map[string]time.Time)}
	consumer := NewConsumer(js, processor, ConsumerConfig{Workers: 4, ShardQueue: 2}, zaptest.NewLogger(t))
	require.NoError(t, consumer.Start(context.Background()))

	devices := []string{"acme.devices.d1.telemetry", "acme.devices.d2.telemetry", "globex.devices.d1.telemetry"}
	const perDevice = 50
	for seq := 0; seq < perDevice; seq++ {
		for _, subject := range devices {
			_, err := js.Publish(subject, []byte(fmt.Sprintf(`{"seq": %d}`, seq)))
			require.NoError(t, err)
		}
	}

	require.Eventually(t, func() bool {
		return processor.count() == perDevice*len(devices)
	}, 10*time.Second, 20*time.Millisecond)

	consumer.Stop()

	for _, subject := range devices {
		seqs := processor.bySubj[subject]
		require.Len(t, seqs, perDevice, subject)
		for i, seq := range seqs {
			assert.Equal(t, i, seq, "%s out of order", subject)
		}
	}

	// Arrival time comes from the stream, not the worker clock
	for key, at := range processor.arrivals {
		assert.False(t, at.IsZero(), key)
	}

	require.Eventually(t, func() bool {
		info, err := js.ConsumerInfo(broker.TelemetryStream, "telemetry-pipeline")
		return err == nil && info.NumAckPending == 0 && info.NumPending == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConsumer_DurableSurvivesRestart(t *testing.T) {
	_, js := setupStreams(t)

	first := &orderingProcessor{bySubj: make(map[string][]int), arrivals: make(map[string]time.Time)}
	consumer := NewConsumer(js, first, ConsumerConfig{Workers: 2}, zaptest.NewLogger(t))
	require.NoError(t, consumer.Start(context.Background()))

	_, err := js.Publish("acme.devices.d1.telemetry", []byte(`{"seq": 1}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	consumer.Stop()

	_, err = js.Publish("acme.devices.d1.telemetry", []byte(`{"seq": 2}`))
	require.NoError(t, err)

	second := &orderingProcessor{bySubj: make(map[string][]int), arrivals: make(map[string]time.Time)}
	restarted := NewConsumer(js, second, ConsumerConfig{Workers: 2}, zaptest.NewLogger(t))
	require.NoError(t, restarted.Start(context.Background()))
	defer restarted.Stop()

	require.Eventually(t, func() bool { return second.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []int{2}, second.bySubj["acme.devices.d1.telemetry"])
}

func TestShardFor(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, shardFor("acme.devices.d1.telemetry", 8), shardFor("acme.devices.d1.telemetry", 8))
	}
	for _, subject := range []string{"acme.devices.d1.telemetry", "x", ""} {
		shard := shardFor(subject, 3)
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 3)
	}
}

func TestJetStreamDeadLetters(t *testing.T) {
	nc, js := setupStreams(t)
	msgs := testutil.CollectMessages(t, nc, broker.DeadLetterSubject)

	sink := NewJetStreamDeadLetters(js)
	require.NoError(t, sink.DeadLetter(context.Background(), DeadLetter{
		Stage:    StageStore,
		Subject:  "acme.devices.d1.telemetry",
		TenantID: "acme",
		DeviceID: "d1",
		Payload:  []byte(`{"temperature": 32}`),
		Error:    "transient storage failure: database is locked",
		Attempts: 5,
		FailedAt: time.Now().UTC(),
	}))

	msg := testutil.ReceiveMessage(t, msgs, 5*time.Second)
	var got DeadLetter
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, StageStore, got.Stage)
	assert.Equal(t, 5, got.Attempts)
	assert.JSONEq(t, `{"temperature": 32}`, string(got.Payload))
}

func TestRetryPolicy(t *testing.T) {
	backoff := &ExponentialBackoff{InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}
	var delays []time.Duration
	for attempt := 0; attempt < 6; attempt++ {
		delays = append(delays, backoff.NextRetry(attempt))
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
	}, delays)

	policy := fastRetry()

	t.Run("PermanentErrorIsNotRetried", func(t *testing.T) {
		calls := 0
		attempts, err := policy.Do(context.Background(), func(context.Context) error {
			calls++
			return storage.ErrConflict
		}, nil)
		require.ErrorIs(t, err, storage.ErrConflict)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("TransientErrorExhausts", func(t *testing.T) {
		retries := 0
		attempts, err := policy.Do(context.Background(), func(context.Context) error {
			return storage.ErrStorageTransient
		}, func(int, error) { retries++ })
		require.ErrorIs(t, err, storage.ErrStorageTransient)
		assert.Equal(t, 5, attempts)
		assert.Equal(t, 4, retries)
	})

	t.Run("CancelledContextStops", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := RetryPolicy{Strategy: &ExponentialBackoff{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}, MaxAttempts: 5}
		attempts, err := slow.Do(ctx, func(context.Context) error {
			return storage.ErrStorageTransient
		}, nil)
		assert.True(t, errors.Is(err, storage.ErrStorageTransient))
		assert.Equal(t, 1, attempts)
	})
}
