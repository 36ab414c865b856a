package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"q-bridge/internal/config"
	"q-bridge/internal/gateway"
	"q-bridge/internal/realtime"
	"q-bridge/internal/session"
	"q-bridge/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func newApp(run func(ctx context.Context, cfg config.Config) error) *cli.App {
	return &cli.App{
		Name:  "q-bridge",
		Usage: "serve a single interactive q chat session over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config file; flags and environment override it",
				EnvVars: []string{"Q_BRIDGE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				EnvVars: []string{"Q_BRIDGE_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				EnvVars: []string{"Q_BRIDGE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "command",
				Usage:   "Executable of the interactive session.",
				EnvVars: []string{"Q_BRIDGE_COMMAND"},
			},
			&cli.StringSliceFlag{
				Name:    "arg",
				Usage:   "Argument for the session command (repeatable); replaces the configured list.",
				EnvVars: []string{"Q_BRIDGE_ARGS"},
			},
			&cli.StringFlag{
				Name:    "index-file",
				Usage:   "HTML page served at /.",
				EnvVars: []string{"Q_BRIDGE_INDEX_FILE"},
			},
			&cli.StringFlag{
				Name:    "static-dir",
				Usage:   "Directory served under /static/.",
				EnvVars: []string{"Q_BRIDGE_STATIC_DIR"},
			},
			&cli.BoolFlag{
				Name:    "eager-start",
				Usage:   "Start the session at boot instead of on the first query.",
				EnvVars: []string{"Q_BRIDGE_EAGER_START"},
			},
			&cli.BoolFlag{
				Name:    "watch-binary",
				Usage:   "Restart the session after its executable is replaced on disk.",
				EnvVars: []string{"Q_BRIDGE_WATCH_BINARY"},
			},
			&cli.DurationFlag{
				Name:    "complete-after",
				Usage:   "Silence after which a response counts as complete.",
				EnvVars: []string{"Q_BRIDGE_COMPLETE_AFTER"},
			},
			&cli.DurationFlag{
				Name:    "query-timeout",
				Usage:   "Wait for each streamed event and for a whole buffered reply.",
				EnvVars: []string{"Q_BRIDGE_QUERY_TIMEOUT"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			applyFlags(c, &cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(c.Context, cfg)
		},
	}
}

// applyFlags overrides cfg with every flag that was given on the command line
// or through its environment variable.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("listen-addr") {
		cfg.ListenAddr = c.String("listen-addr")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("command") {
		cfg.Session.Command = c.String("command")
	}
	if c.IsSet("arg") {
		cfg.Session.Args = c.StringSlice("arg")
	}
	if c.IsSet("index-file") {
		cfg.IndexFile = c.String("index-file")
	}
	if c.IsSet("static-dir") {
		cfg.StaticDir = c.String("static-dir")
	}
	if c.IsSet("eager-start") {
		cfg.EagerStart = c.Bool("eager-start")
	}
	if c.IsSet("watch-binary") {
		cfg.WatchBinary = c.Bool("watch-binary")
	}
	if c.IsSet("complete-after") {
		cfg.Session.CompleteAfter = c.Duration("complete-after")
	}
	if c.IsSet("query-timeout") {
		cfg.Gateway.StreamPullTimeout = c.Duration("query-timeout")
		cfg.Gateway.CollectTimeout = c.Duration("query-timeout")
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessMgr := session.NewManager(logger.Named("session").Sugar(), cfg.SessionOptions())
	// Every exit path, signal or error, ends the child exactly once.
	defer sessMgr.Shutdown()

	gw := gateway.New(logger.Named("gateway").Sugar(), sessMgr, cfg.GatewayOptions())
	rtServer := realtime.New(logger.Named("http").Sugar(), gw, sessMgr, realtime.Options{
		IndexFile: cfg.IndexFile,
		StaticDir: cfg.StaticDir,
	})

	if cfg.WatchBinary {
		binWatch := watcher.New(logger.Named("watcher").Sugar(), 0, func(path string) {
			sessMgr.MarkStale("binary replaced: " + path)
			rtServer.BroadcastStatus()
		})
		defer binWatch.Shutdown()

		path, err := watcher.ResolveBinary(cfg.Session.Command)
		if err == nil {
			err = binWatch.Watch(path)
		}
		if err != nil {
			sugar.Warnw("binary watch disabled", "command", cfg.Session.Command, "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("listening", "addr", cfg.ListenAddr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rtServer.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("http shutdown", "error", err)
			httpServer.Close()
		}
		return nil
	})

	if cfg.EagerStart {
		g.Go(func() error {
			if _, err := sessMgr.EnsureStarted(gctx); err != nil {
				// Queries retry the start, so a failed eager start is not fatal.
				sugar.Warnw("eager start failed", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func main() {
	if err := newApp(run).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
