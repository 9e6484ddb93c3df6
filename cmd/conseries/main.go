package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"conseries/internal/config"
	"conseries/internal/importer"
	appLog "conseries/internal/log"
	"conseries/internal/schedule"
	"conseries/internal/web"
)

const version = "1.0.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	sources    stringList
}

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("conseries starting", "version", version)
	appLog.Info("effective config",
		"series_dir", conf.SeriesDir,
		"pending_dir", conf.PendingDir,
		"cache_dir", conf.CacheDir,
		"timezone", conf.Timezone,
		"schedule", conf.Schedule,
		"reschedule_rule", conf.RescheduleRule,
		"sources", len(conf.Sources),
		"geocoder", conf.Geocoder.APIKey != "",
		"listen", conf.Listen,
		"once", flags.once,
	)

	runner, st, err := importer.New(conf)
	if err != nil {
		appLog.Error("failed to set up importer", err)
		os.Exit(1)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		if _, err := runner.Run(ctx, flags.sources...); err != nil {
			appLog.Error("import failed", err)
			os.Exit(1)
		}
		return
	}

	loc, err := time.LoadLocation(conf.Timezone)
	if err != nil {
		appLog.Error("invalid timezone", err, "timezone", conf.Timezone)
		os.Exit(1)
	}
	sched, err := schedule.New(conf.Schedule, loc, func(ctx context.Context) {
		// Failures are logged by the runner; the next tick retries.
		_, _ = runner.Run(ctx, flags.sources...)
	})
	if err != nil {
		appLog.Error("failed to set up schedule", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	if conf.Listen == "" {
		<-ctx.Done()
	} else {
		srv := web.NewServer(conf, st, runner)
		if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("HTTP server failed", err)
			stop()
		}
	}

	appLog.Info("conseries exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/conseries/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one import and exit")
	flag.Var(&cfg.sources, "source", "Import only from this source (repeatable; default: all)")

	flag.Parse()

	return cfg
}
