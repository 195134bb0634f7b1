package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"liverelay/internal/metrics"
	logx "liverelay/pkg/logx"
)

// Conn is a running upstream connection owned by one Source.
type Conn interface {
	// Join blocks until the connection terminates, for whatever reason.
	Join(ctx context.Context) error
	// Close asks the connection to shut down gracefully.
	Close(ctx context.Context) error
}

// Upstream opens connections to live rooms.
type Upstream interface {
	// Open starts connecting in the background and returns immediately.
	// Decoded events for the room are passed to handle, one at a time.
	Open(ctx context.Context, sourceID int64, handle func(Event)) Conn
}

// Subscriber receives every display line a Source emits.
type Subscriber func(src *Source, text string)

// Registry memoizes one Source per source id.
// It is safe for concurrent use.
type Registry struct {
	up  Upstream
	log logx.Logger
	m   *metrics.Pipeline

	mu      sync.Mutex
	sources map[int64]*Source
	order   []*Source
}

func NewRegistry(up Upstream, log logx.Logger, m *metrics.Pipeline) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{up: up, log: log, m: m, sources: map[int64]*Source{}}
}

// Get returns the Source for id, creating it on first use.
// Repeated calls with the same id return the same *Source.
func (r *Registry) Get(id int64) *Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[id]; ok {
		return s
	}
	s := &Source{
		id:  id,
		up:  r.up,
		log: r.log.With(logx.Int64("room", id)),
		m:   r.m,
	}
	r.sources[id] = s
	r.order = append(r.order, s)
	return s
}

// Sources returns all sources in creation order.
func (r *Registry) Sources() []*Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Source(nil), r.order...)
}

// Close closes every started source.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, s := range r.Sources() {
		if err := s.Close(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
			errs = append(errs, fmt.Errorf("room %d: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Source is one upstream room and its subscribers.
type Source struct {
	id  int64
	up  Upstream
	log logx.Logger
	m   *metrics.Pipeline

	mu   sync.Mutex
	subs []Subscriber

	// connMu is held across Upstream.Open, which may already call Handle.
	connMu  sync.Mutex
	started bool
	conn    Conn

	// last emitted popularity; guarded by popMu so Handle stays serial per source.
	popMu         sync.Mutex
	popularity    int64
	hasPopularity bool
}

func (s *Source) ID() int64 { return s.id }

// Subscribe appends fn to the subscriber list.
func (s *Source) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Start opens the upstream connection. Only the first call has an effect.
func (s *Source) Start(ctx context.Context) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.log.Info("connecting")
	s.conn = s.up.Open(ctx, s.id, s.Handle)
}

// Join blocks until the upstream connection terminates.
func (s *Source) Join(ctx context.Context) error {
	conn := s.connection()
	if conn == nil {
		return ErrNotStarted
	}
	return conn.Join(ctx)
}

// Close requests a graceful shutdown of the upstream connection.
func (s *Source) Close(ctx context.Context) error {
	conn := s.connection()
	if conn == nil {
		return ErrNotStarted
	}
	return conn.Close(ctx)
}

func (s *Source) connection() Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// Handle normalizes ev and emits it. Heartbeats that repeat the last
// popularity value are dropped.
func (s *Source) Handle(ev Event) {
	if ev == nil {
		return
	}
	s.m.Event(s.id, ev.Kind())
	if p, ok := ev.(Popularity); ok {
		s.popMu.Lock()
		dup := s.hasPopularity && s.popularity == p.Value
		s.popularity, s.hasPopularity = p.Value, true
		s.popMu.Unlock()
		if dup {
			return
		}
	}
	s.Emit(Parts(ev)...)
}

// Emit joins parts with spaces, logs the line and hands it to every
// subscriber in registration order. A panicking subscriber is logged and
// skipped.
func (s *Source) Emit(parts ...string) {
	text := strings.Join(parts, " ")
	s.log.Info("[" + fmt.Sprint(s.id) + "] " + strings.ReplaceAll(text, "\n", " "))
	s.m.Line(s.id)

	s.mu.Lock()
	subs := append([]Subscriber(nil), s.subs...)
	s.mu.Unlock()

	for i, fn := range subs {
		s.deliver(i, fn, text)
	}
}

func (s *Source) deliver(idx int, fn Subscriber, text string) {
	defer func() {
		if r := recover(); r != nil {
			s.m.SubscriberPanic(s.id)
			s.log.Error("subscriber panicked",
				logx.Int("subscriber", idx),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	fn(s, text)
}
