package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBatcher(t *testing.T, b *Batcher) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	return ctx
}

func TestBatcherFirstSendFlushesImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := newFakeSink()
	b := NewBatcher(sink, 100, WithClock(clock))
	startBatcher(t, b)

	b.Send("hello")
	assert.Equal(t, "hello", sink.next(t))
}

func TestBatcherCoalescesWithinCooldown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := newFakeSink()
	b := NewBatcher(sink, 100, WithClock(clock))
	ctx := startBatcher(t, b)

	b.Send("first")
	require.Equal(t, "first", sink.next(t))

	b.Send("a")
	b.Send("b")
	b.Send("c")
	sink.assertQuiet(t, 20*time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(100 * time.Millisecond)

	assert.Equal(t, "a\nb\nc", sink.next(t))
	sink.assertQuiet(t, 20*time.Millisecond)
	assert.Equal(t, 2, sink.Calls())

	st := b.Stats()
	assert.Equal(t, uint64(2), st.Messages)
	assert.Equal(t, uint64(4), st.Fragments)
	assert.Equal(t, 0, st.Pending)
}

func TestBatcherIntervalWhileDrainingCooldownWhenIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	b := NewBatcher(sink, 100, WithClock(clock), WithConfig(BatcherConfig{
		Cooldown:      time.Hour,
		Interval:      100 * time.Millisecond,
		RetryAttempts: 3,
		RetryWait:     time.Second,
	}))
	ctx := startBatcher(t, b)

	b.Send("a")
	require.Eventually(t, func() bool { return sink.inflight.Load() == 1 }, 2*time.Second, time.Millisecond)
	b.Send("b")
	b.Send("c")
	close(sink.gate)
	require.Equal(t, "a", sink.next(t))

	// Still draining: the next flush waits one interval, not the cooldown.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(100 * time.Millisecond)
	require.Equal(t, "b\nc", sink.next(t))
	sink.assertQuiet(t, 20*time.Millisecond)

	// Idle again: the next send waits out the full cooldown.
	b.Send("d")
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(59 * time.Minute)
	sink.assertQuiet(t, 20*time.Millisecond)
	clock.Advance(time.Minute)
	assert.Equal(t, "d", sink.next(t))
	assert.Equal(t, 3, sink.Calls())
}

func TestBatcherRetriesTransientFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := newFakeSink()
	sink.fail = func(call int) error {
		if call < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	}
	log, buf := newBufferLogger()
	b := NewBatcher(sink, 100, WithClock(clock), WithLogger(log))
	ctx := startBatcher(t, b)

	b.Send("x")
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}

	assert.Equal(t, "x", sink.next(t))
	assert.Equal(t, 3, sink.Calls())
	assert.Equal(t, uint64(1), b.Stats().Messages)
	assert.Zero(t, b.Stats().DroppedBatches)
	assert.NotContains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "retrying")
}

func TestBatcherDropsAfterExhaustingRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := newFakeSink()
	sink.fail = func(int) error { return Transient(errors.New("timeout")) }
	log, buf := newBufferLogger()
	b := NewBatcher(sink, 100, WithClock(clock), WithLogger(log))
	ctx := startBatcher(t, b)

	b.Send("lost")
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}

	require.Eventually(t, func() bool { return b.Stats().DroppedBatches == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, sink.Calls())
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "batch dropped")

	// Never redelivered.
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, sink.Calls())
	assert.Zero(t, b.Stats().Pending)
}

func TestBatcherPermanentFailureIsNotRetried(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := newFakeSink()
	sink.fail = func(call int) error {
		if call == 1 {
			return errors.New("Bad Request: chat not found")
		}
		return nil
	}
	b := NewBatcher(sink, 100, WithClock(clock))
	ctx := startBatcher(t, b)

	b.Send("dropped")
	require.Eventually(t, func() bool { return b.Stats().DroppedBatches == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, sink.Calls())

	// The worker keeps going after a lost batch.
	b.Send("next")
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, "next", sink.next(t))
}

func TestBatcherNeverOverlapsAndKeepsOrder(t *testing.T) {
	sink := newFakeSink()
	sink.delay = time.Millisecond
	b := NewBatcher(sink, 100, WithConfig(BatcherConfig{
		Cooldown: 2 * time.Millisecond,
		Interval: time.Millisecond,
	}))
	ctx := startBatcher(t, b)

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Send(fmt.Sprintf("%d-%d", p, i))
				if i%10 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			assert.NoError(t, b.Notify(ctx, "notice"))
		}
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return b.Stats().Fragments == producers*perProducer
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, int32(1), sink.maxInflight.Load())

	sink.mu.Lock()
	sent := append([]string(nil), sink.sent...)
	sink.mu.Unlock()

	last := map[string]int{}
	for _, msg := range sent {
		for _, line := range strings.Split(msg, "\n") {
			if line == "notice" {
				continue
			}
			p, i, ok := strings.Cut(line, "-")
			require.True(t, ok, line)
			n, err := strconv.Atoi(i)
			require.NoError(t, err)
			prev, seen := last[p]
			if seen {
				assert.Greater(t, n, prev, "producer %s out of order", p)
			}
			last[p] = n
		}
	}
	assert.Len(t, last, producers)
}

func TestBatcherBoundedBufferDropsOldest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := newFakeSink()
	b := NewBatcher(sink, 100, WithClock(clock), WithConfig(BatcherConfig{MaxPending: 2}))

	b.Send("a")
	b.Send("b")
	b.Send("c")
	st := b.Stats()
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, uint64(1), st.Overflowed)

	startBatcher(t, b)
	assert.Equal(t, "b\nc", sink.next(t))
}

func TestBatcherNotifyDeliversImmediately(t *testing.T) {
	sink := newFakeSink()
	b := NewBatcher(sink, 100, WithClock(clockwork.NewFakeClock()))

	require.NoError(t, b.Notify(context.Background(), "Up: 200"))
	assert.Equal(t, "Up: 200", sink.next(t))
	assert.Equal(t, uint64(1), b.Stats().Messages)
}

func TestBatcherNotifyPermanentError(t *testing.T) {
	sink := newFakeSink()
	sink.fail = func(int) error { return errors.New("Forbidden: bot was blocked by the user") }
	b := NewBatcher(sink, 100, WithClock(clockwork.NewFakeClock()))

	err := b.Notify(context.Background(), "Up: 200")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, sink.Calls())
}

func TestTransientWrapping(t *testing.T) {
	base := errors.New("dial tcp: i/o timeout")
	err := fmt.Errorf("send: %w", Transient(base))
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsTransient(base))
	assert.NoError(t, Transient(nil))
}
