package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"liverelay/internal/metrics"
	logx "liverelay/pkg/logx"
)

// Sink delivers one message to a destination chat.
// Retryable failures must satisfy IsTransient.
type Sink interface {
	Deliver(ctx context.Context, destID int64, text string) error
}

// BatcherConfig controls coalescing and retry timing.
type BatcherConfig struct {
	// Cooldown is the minimum gap between the end of a drain and the next flush.
	Cooldown time.Duration
	// Interval separates successive flushes while the buffer keeps refilling.
	Interval time.Duration
	// RetryAttempts is the total number of delivery attempts per batch.
	RetryAttempts int
	// RetryWait is the fixed pause between attempts.
	RetryWait time.Duration
	// MaxPending caps the buffer; the oldest fragment is discarded on overflow.
	// Zero means unbounded.
	MaxPending int
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		Cooldown:      100 * time.Millisecond,
		Interval:      100 * time.Millisecond,
		RetryAttempts: 3,
		RetryWait:     time.Second,
	}
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	def := DefaultBatcherConfig()
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.Interval < 0 {
		c.Interval = 0
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryWait < 0 {
		c.RetryWait = 0
	}
	if c.MaxPending < 0 {
		c.MaxPending = 0
	}
	return c
}

type BatcherOption func(*Batcher)

func WithClock(c clockwork.Clock) BatcherOption {
	return func(b *Batcher) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithLogger(log logx.Logger) BatcherOption {
	return func(b *Batcher) { b.log = log }
}

func WithMetrics(m *metrics.Pipeline) BatcherOption {
	return func(b *Batcher) { b.m = m }
}

func WithConfig(cfg BatcherConfig) BatcherOption {
	return func(b *Batcher) { b.cfg = cfg.withDefaults() }
}

// BatcherStats is a point-in-time view of a Batcher's counters.
type BatcherStats struct {
	Messages       uint64 `json:"messages"`
	Fragments      uint64 `json:"fragments"`
	DroppedBatches uint64 `json:"dropped_batches"`
	Overflowed     uint64 `json:"overflowed"`
	Pending        int    `json:"pending"`
}

// Batcher coalesces text fragments for one destination.
//
// Send may be called from any goroutine. Run must be started exactly once;
// it is the only consumer of the buffer.
type Batcher struct {
	sink  Sink
	dest  int64
	cfg   BatcherConfig
	clock clockwork.Clock
	log   logx.Logger
	m     *metrics.Pipeline

	mu     sync.Mutex
	buf    []string
	signal chan struct{} // holds one token while buf has unsignalled work

	// sendMu serializes deliveries (flushes and notices) to the destination.
	sendMu sync.Mutex

	messages   atomic.Uint64
	fragments  atomic.Uint64
	dropped    atomic.Uint64
	overflowed atomic.Uint64
}

func NewBatcher(sink Sink, dest int64, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		sink:   sink,
		dest:   dest,
		cfg:    DefaultBatcherConfig(),
		clock:  clockwork.NewRealClock(),
		signal: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	b.log = b.log.With(logx.Int64("chat", dest))
	return b
}

func (b *Batcher) Dest() int64 { return b.dest }

// Send queues text for the next flush. It never blocks on delivery.
func (b *Batcher) Send(text string) {
	b.mu.Lock()
	b.buf = append(b.buf, text)
	if b.cfg.MaxPending > 0 && len(b.buf) > b.cfg.MaxPending {
		over := len(b.buf) - b.cfg.MaxPending
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
		b.overflowed.Add(uint64(over))
		b.m.Overflow(b.dest)
	}
	n := len(b.buf)
	select {
	case b.signal <- struct{}{}:
	default:
	}
	b.mu.Unlock()

	b.m.SetPending(b.dest, n)
}

// Notify delivers text as its own message right away, using the same retry
// policy as flushes. It never overlaps with a flush.
func (b *Batcher) Notify(ctx context.Context, text string) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if err := b.deliver(ctx, text); err != nil {
		return err
	}
	b.messages.Add(1)
	return nil
}

// Run is the worker loop. It returns only when ctx is done.
func (b *Batcher) Run(ctx context.Context) error {
	cool := b.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.signal:
		}

		if d := cool.Sub(b.clock.Now()); d > 0 {
			if err := b.sleep(ctx, d); err != nil {
				return err
			}
		}
		b.flush(ctx)
		for !b.idle() {
			if err := b.sleep(ctx, b.cfg.Interval); err != nil {
				return err
			}
			b.flush(ctx)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cool = b.clock.Now().Add(b.cfg.Cooldown)
	}
}

// idle reports whether the buffer is empty, consuming any stale signal
// in the same critical section so a concurrent Send cannot be missed.
func (b *Batcher) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) > 0 {
		return false
	}
	select {
	case <-b.signal:
	default:
	}
	return true
}

func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	todo := b.buf
	b.buf = nil
	b.mu.Unlock()
	if len(todo) == 0 {
		return
	}
	b.m.SetPending(b.dest, 0)

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	err := b.deliver(ctx, strings.Join(todo, "\n"))
	if err == nil {
		b.messages.Add(1)
		b.fragments.Add(uint64(len(todo)))
		b.m.Flushed(b.dest, len(todo))
		return
	}
	if ctx.Err() != nil {
		return
	}
	b.dropped.Add(1)
	b.m.Dropped(b.dest)
	b.log.Error("batch dropped", logx.Int("fragments", len(todo)), logx.Err(err))
}

func (b *Batcher) deliver(ctx context.Context, text string) error {
	for attempt := 1; ; attempt++ {
		err := b.sink.Deliver(ctx, b.dest, text)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= b.cfg.RetryAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		b.m.Retry(b.dest)
		b.log.Warn("deliver failed; retrying",
			logx.Int("attempt", attempt),
			logx.Int("max", b.cfg.RetryAttempts),
			logx.Duration("wait", b.cfg.RetryWait),
			logx.Err(err),
		)
		if err := b.sleep(ctx, b.cfg.RetryWait); err != nil {
			return err
		}
	}
}

func (b *Batcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(d):
		return nil
	}
}

// Stats returns the current counters.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	pending := len(b.buf)
	b.mu.Unlock()
	return BatcherStats{
		Messages:       b.messages.Load(),
		Fragments:      b.fragments.Load(),
		DroppedBatches: b.dropped.Load(),
		Overflowed:     b.overflowed.Load(),
		Pending:        pending,
	}
}
