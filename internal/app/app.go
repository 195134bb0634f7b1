package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"liverelay/internal/metrics"
	"liverelay/internal/relay"
	rtsup "liverelay/internal/runtime/supervisor"
	logx "liverelay/pkg/logx"
)

const defaultShutdownTimeout = 10 * time.Second

// Deps are the collaborators Run wires together.
type Deps struct {
	Log      logx.Logger
	Sink     relay.Sink
	Upstream relay.Upstream
	Batcher  relay.BatcherConfig
	Metrics  *metrics.Pipeline
	Clock    clockwork.Clock

	// ReportSchedule is a cron spec for the periodic stats line; empty disables it.
	ReportSchedule string
	// ShutdownTimeout bounds closing sources and waiting for tasks.
	ShutdownTimeout time.Duration
	// Ready, if set, is called once every pair has been started.
	Ready func()
	// Tasks, if set, receives the supervisor running the pairs before any
	// task starts. The debug server reads its snapshot.
	Tasks func(*rtsup.Supervisor)
}

// Run relays every pair until ctx is cancelled or any batcher or source
// connection exits. The latter is an abort: the error wraps relay.ErrAborted.
// A cancelled ctx yields nil.
func Run(ctx context.Context, deps Deps, pairs []relay.Pair) error {
	if len(pairs) == 0 {
		return fmt.Errorf("app: %w: no pairs", relay.ErrBadPair)
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := deps.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(log.With(logx.String("comp", "supervisor"))))
	if deps.Tasks != nil {
		deps.Tasks(sup)
	}
	sctx := sup.Context()
	reg := relay.NewRegistry(deps.Upstream, log.With(logx.String("comp", "source")), deps.Metrics)

	var (
		batchers = map[int64]*relay.Batcher{}
		order    []*relay.Batcher
		started  = map[int64]bool{}
	)
	batcherFor := func(dest int64) *relay.Batcher {
		if b, ok := batchers[dest]; ok {
			return b
		}
		opts := []relay.BatcherOption{
			relay.WithConfig(deps.Batcher),
			relay.WithLogger(log.With(logx.String("comp", "batcher"))),
			relay.WithMetrics(deps.Metrics),
		}
		if deps.Clock != nil {
			opts = append(opts, relay.WithClock(deps.Clock))
		}
		b := relay.NewBatcher(deps.Sink, dest, opts...)
		batchers[dest] = b
		order = append(order, b)
		sup.Go(fmt.Sprintf("batcher.%d", dest), b.Run)
		return b
	}

	var reporter *Reporter
	if deps.ReportSchedule != "" {
		r, err := NewReporter(deps.ReportSchedule, log.With(logx.String("comp", "report")), sup)
		if err != nil {
			sup.Cancel()
			return err
		}
		reporter = r
	}

	startErr := func() error {
		for _, p := range pairs {
			log.Info(fmt.Sprintf("Room %d -> Chat %d", p.Source, p.Dest))
			b := batcherFor(p.Dest)
			if err := b.Notify(sctx, fmt.Sprintf("Up: %d", p.Source)); err != nil {
				return fmt.Errorf("startup notice %s: %w", p, err)
			}
			src := reg.Get(p.Source)
			src.Subscribe(func(_ *relay.Source, text string) { b.Send(text) })
			if !started[p.Source] {
				started[p.Source] = true
				src.Start(sctx)
				sup.Go(fmt.Sprintf("source.%d", p.Source), src.Join)
			}
		}
		return nil
	}()

	if startErr == nil {
		if reporter != nil {
			reporter.Track(order...)
			sup.Go("report", reporter.Run)
		}
		log.Info("relaying", logx.Int("pairs", len(pairs)), logx.Int("sources", len(started)), logx.Int("destinations", len(order)))
		if deps.Ready != nil {
			deps.Ready()
		}
		<-sup.Done()
	}
	sup.Cancel()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := reg.Close(cctx); err != nil {
		log.Warn("closing sources", logx.Err(err))
	}
	if err := sup.Wait(cctx); err != nil && cctx.Err() != nil {
		log.Warn("tasks did not stop in time", logx.Err(err))
	}

	switch {
	case sup.Err() != nil:
		return fmt.Errorf("%w: %v", relay.ErrAborted, sup.Err())
	case startErr != nil && ctx.Err() == nil:
		return fmt.Errorf("%w: %v", relay.ErrAborted, startErr)
	default:
		return nil
	}
}
