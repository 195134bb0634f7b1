package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"liverelay/internal/relay"
	rtsup "liverelay/internal/runtime/supervisor"
	logx "liverelay/pkg/logx"
)

var reportParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Reporter periodically logs batcher stats and supervisor counters.
type Reporter struct {
	spec  string
	sched cron.Schedule
	log   logx.Logger
	sup   *rtsup.Supervisor

	mu       sync.Mutex
	batchers []*relay.Batcher
}

func NewReporter(spec string, log logx.Logger, sup *rtsup.Supervisor) (*Reporter, error) {
	sched, err := reportParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("report schedule %q: %w", spec, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{spec: spec, sched: sched, log: log, sup: sup}, nil
}

func (r *Reporter) Track(bs ...*relay.Batcher) {
	r.mu.Lock()
	r.batchers = append(r.batchers, bs...)
	r.mu.Unlock()
}

// Report logs one line per tracked batcher.
func (r *Reporter) Report() {
	r.mu.Lock()
	bs := append([]*relay.Batcher(nil), r.batchers...)
	r.mu.Unlock()

	active := r.sup.Counters().Active
	for _, b := range bs {
		st := b.Stats()
		r.log.Info("destination stats",
			logx.Int64("dest", b.Dest()),
			logx.Uint64("messages", st.Messages),
			logx.Uint64("fragments", st.Fragments),
			logx.Uint64("dropped_batches", st.DroppedBatches),
			logx.Uint64("overflowed", st.Overflowed),
			logx.Int("pending", st.Pending),
			logx.Int64("tasks_active", active),
		)
	}
}

// Run fires Report on schedule until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(reportParser))
	c.Schedule(r.sched, cron.FuncJob(r.Report))
	c.Start()
	r.log.Debug("report scheduled", logx.String("spec", r.spec))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
