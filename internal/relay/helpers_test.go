package relay

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "liverelay/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newBufferLogger() (logx.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return logx.NewWriter(buf, "debug"), buf
}

// fakeSink records deliveries. fail decides the outcome of the n-th call (1-based).
// When gate is set, every call waits for it to be closed.
type fakeSink struct {
	fail  func(call int) error
	delay time.Duration
	gate  chan struct{}

	mu    sync.Mutex
	calls int
	sent  []string

	delivered chan string

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeSink() *fakeSink {
	return &fakeSink{delivered: make(chan string, 1024)}
}

func (s *fakeSink) Deliver(ctx context.Context, _ int64, text string) error {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.maxInflight.Load()
		if n <= m || s.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.fail != nil {
		if err := s.fail(call); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	s.delivered <- text
	return nil
}

func (s *fakeSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSink) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-s.delivered:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return ""
	}
}

func (s *fakeSink) assertQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-s.delivered:
		t.Fatalf("unexpected delivery %q", m)
	case <-time.After(d):
	}
}

// fakeUpstream counts Open calls and exposes the handler of each room.
type fakeUpstream struct {
	mu       sync.Mutex
	opens    map[int64]int
	handlers map[int64]func(Event)
	conns    map[int64]*fakeConn
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		opens:    map[int64]int{},
		handlers: map[int64]func(Event){},
		conns:    map[int64]*fakeConn{},
	}
}

func (u *fakeUpstream) Open(_ context.Context, id int64, handle func(Event)) Conn {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opens[id]++
	u.handlers[id] = handle
	c := &fakeConn{done: make(chan struct{})}
	u.conns[id] = c
	return c
}

func (u *fakeUpstream) Opens(id int64) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.opens[id]
}

type fakeConn struct {
	once sync.Once
	done chan struct{}
}

func (c *fakeConn) Join(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.once.Do(func() { close(c.done) })
	return nil
}
