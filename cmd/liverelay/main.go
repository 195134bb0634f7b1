package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"liverelay/internal/adapters/telegram"
	"liverelay/internal/app"
	"liverelay/internal/config"
	"liverelay/internal/metrics"
	"liverelay/internal/observability/debug"
	"liverelay/internal/relay"
	rtsup "liverelay/internal/runtime/supervisor"
	"liverelay/internal/upstream/blive"
	logx "liverelay/pkg/logx"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "liverelay: .env:", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := exitOK
	cmd := &cli.Command{
		Name:      "liverelay",
		Usage:     "relay Bilibili live room events to Telegram chats",
		ArgsUsage: "destinationId:sourceId [destinationId:sourceId ...]",
		// Chat ids are often negative; never read them as flags.
		SkipFlagParsing: true,
		HideHelp:        true,
		Action: func(ctx context.Context, c *cli.Command) error {
			code = serve(ctx, c.Args().Slice())
			return nil
		},
	}
	if err := cmd.Run(ctx, args); err != nil {
		fmt.Fprintln(os.Stderr, "liverelay:", err)
		return exitFatal
	}
	return code
}

func usage(err error) int {
	fmt.Fprintf(os.Stderr, "liverelay: %v\nusage: liverelay destinationId:sourceId [destinationId:sourceId ...]\n", err)
	return exitUsage
}

func serve(ctx context.Context, args []string) int {
	pairs, err := relay.ParsePairs(args)
	if err != nil {
		return usage(err)
	}
	// Used until the configured logger exists.
	boot := logx.NewConsole("info")
	env, err := config.LoadEnv(nil)
	if err != nil {
		boot.Error("environment incomplete", logx.Err(err))
		return exitFatal
	}
	cfgm := config.NewManager(env.ConfigPath, boot.With(logx.String("comp", "config")))
	_, settings, err := cfgm.Load()
	if err != nil {
		boot.Error("config load failed", logx.String("path", env.ConfigPath), logx.Err(err))
		return exitFatal
	}

	logs, log := logx.New(settings.Logging.LogConfig())
	defer func() { _ = logs.Close() }()
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sink, err := telegram.New(telegram.Config{
		Token:      env.BotToken,
		APIURL:     settings.Telegram.APIURL,
		RatePerSec: settings.Telegram.RatePerSec,
		Timeout:    settings.Telegram.Timeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		log.Error("telegram init failed", logx.Err(err))
		return exitFatal
	}

	sess, err := blive.NewSession(env.Sessdata, blive.WithTimeout(settings.Upstream.DialTimeout))
	if err != nil {
		log.Error("session init failed", logx.Err(err))
		return exitFatal
	}
	// Closed after app.Run returns, i.e. after every source has stopped.
	defer sess.Close()

	up := blive.NewClient(sess, blive.Config{
		Heartbeat:        settings.Upstream.Heartbeat,
		DialTimeout:      settings.Upstream.DialTimeout,
		MaxReconnects:    settings.Upstream.MaxReconnects,
		ReconnectBackoff: settings.Upstream.ReconnectBackoff,
	}, log)

	var tasks atomic.Pointer[rtsup.Supervisor]
	if settings.Debug.Enabled {
		dbg := debug.New(debug.Config{
			Addr:  settings.Debug.Addr,
			Token: settings.Debug.Token,
			Tasks: func() any { return tasks.Load().Snapshot() },
		}, reg, log)
		go func() {
			if err := dbg.Run(ctx); err != nil {
				log.Error("debug server failed", logx.Err(err))
			}
		}()
	}

	go watchConfig(ctx, cfgm, logs, log.With(logx.String("comp", "config")))

	err = app.Run(ctx, app.Deps{
		Log:      log,
		Sink:     sink,
		Upstream: up,
		Batcher: relay.BatcherConfig{
			Cooldown:      settings.Batcher.Cooldown,
			Interval:      settings.Batcher.Interval,
			RetryAttempts: settings.Batcher.RetryAttempts,
			RetryWait:     settings.Batcher.RetryWait,
			MaxPending:    settings.Batcher.MaxPending,
		},
		Metrics:        m,
		ReportSchedule: settings.Report,
		Ready: func() {
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		},
		Tasks: tasks.Store,
	}, pairs)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err != nil {
		log.Error("relay aborted; exiting for restart", logx.Err(err))
		return exitFatal
	}
	log.Info("shutdown complete")
	return exitOK
}

// watchConfig applies the logging section of every reload.
func watchConfig(ctx context.Context, cfgm *config.Manager, logs *logx.Service, log logx.Logger) {
	if cfgm.Path() == "" {
		return
	}
	updates := cfgm.Subscribe(1)
	go func() {
		if err := cfgm.Watch(ctx); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			changed, attrs := config.SummarizeChange(u.Old, u.New)
			logs.Apply(u.Settings.Logging.LogConfig())
			log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
			if rr := config.RestartRequired(changed); len(rr) > 0 {
				log.Warn("config changes take effect after restart", logx.Any("sections", rr))
			}
		}
	}
}
