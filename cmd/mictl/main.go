// Package main is the entry point for mictl, which launches a debug session
// against a scripted backend and reports the domain events it produces.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/event"
	"github.com/dshills/mictl/internal/event/topic"
	"github.com/dshills/mictl/internal/factory"
	"github.com/dshills/mictl/internal/launch"
	"github.com/dshills/mictl/internal/logging"
	"github.com/dshills/mictl/internal/metrics"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/simulator"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath   string
	scriptPath   string
	programPath  string
	logLevel     string
	logJSON      bool
	metricsAddr  string
	startTimeout time.Duration
	runFor       time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, code, done := parseFlags()
	if done {
		return code
	}

	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", opts.logLevel)
		return 2
	}
	logger := logging.Configure(logging.Options{Level: level, JSON: opts.logJSON})

	attrs, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if opts.programPath != "" {
		attrs.Set(config.KeyProgramPath, opts.programPath)
	}
	if err := attrs.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	script := simulator.DefaultScript()
	if opts.scriptPath != "" {
		if script, err = simulator.LoadScript(opts.scriptPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if opts.metricsAddr != "" {
		stop := serveMetrics(opts.metricsAddr, logger)
		defer stop()
	}

	sess := session.New(attrs)
	sub, err := sess.Bus().Subscribe(topic.All, func(ev event.Event) {
		logger.Info().Str("topic", string(ev.Topic())).Str("event", fmt.Sprintf("%+v", ev)).Msg("event")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer sub.Unsubscribe()

	l := launch.New(sess, &factory.Factory{
		Launcher: &simulator.Launcher{Script: script},
		PTY:      &simulator.PTYAllocator{},
		Codec:    simulator.Codec{},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, opts.startTimeout)
	err = l.Start(startCtx)
	startCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: launch failed: %v\n", err)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = sess.Dispose(shutdownCtx)
		return 1
	}
	if cont := l.Container(); cont != nil {
		logger.Info().Str("session", sess.ID()).Str("group", cont.GroupID).Msg("target under control")
	}

	if opts.runFor > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(opts.runFor):
		}
	} else {
		<-ctx.Done()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := l.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: shutdown: %v\n", err)
		return 1
	}
	return 0
}

// serveMetrics exposes the metrics registry on addr until the returned
// function is called.
func serveMetrics(addr string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func parseFlags() (opts options, code int, done bool) {
	var showVersion bool
	fs := pflag.NewFlagSet("mictl", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "launch.toml", "launch configuration file (TOML)")
	fs.StringVarP(&opts.scriptPath, "script", "s", "", "simulator script (YAML)")
	fs.StringVarP(&opts.programPath, "program", "p", "", "program to debug, overriding program.path")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.BoolVar(&opts.logJSON, "log-json", false, "write JSON log records")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.DurationVar(&opts.startTimeout, "start-timeout", 30*time.Second, "time allowed for the launch")
	fs.DurationVar(&opts.runFor, "run-for", 0, "shut down after this long instead of waiting for a signal")
	fs.BoolVarP(&showVersion, "version", "v", false, "show version information")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "mictl - debugger control core\n\n")
		fmt.Fprintf(os.Stderr, "Usage: mictl [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  mictl -c launch.toml                 Launch with the default script\n")
		fmt.Fprintf(os.Stderr, "  mictl -c launch.toml -s crash.yaml   Launch against a scripted backend\n")
		fmt.Fprintf(os.Stderr, "  mictl -p ./a.out --run-for 5s        Run briefly without a config file\n")
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return opts, 0, true
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return opts, 2, true
	}
	if showVersion {
		fmt.Printf("mictl %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		return opts, 0, true
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Error: unexpected argument %q\n", fs.Arg(0))
		return opts, 2, true
	}
	return opts, 0, false
}
