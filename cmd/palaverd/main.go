// Command palaverd runs the Palaver spoken dialogue system.
//
// By default every module runs in this one process over the in-memory bus.
// With an AMQP broker configured, -modules selects a subset so the system
// can be deployed as one process per module.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/palaver-dev/palaver/internal/app"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	moduleList := flag.String("modules", "", "comma-separated modules to run (default: all of "+strings.Join(app.AllModules, ",")+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "palaverd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "palaverd: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	var modules []string
	if *moduleList != "" {
		for _, name := range strings.Split(*moduleList, ",") {
			if name = strings.TrimSpace(name); name != "" {
				modules = append(modules, name)
			}
		}
	}

	slog.Info("palaverd starting",
		"config", *configPath,
		"broker", brokerLabel(cfg.Broker.Host),
		"modules", moduleLabel(modules),
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "palaver",
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	application, err := app.New(cfg, nil, modules)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown()
		return 1
	}

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

func brokerLabel(host string) string {
	if host == "" || host == "mem://" {
		return "in-process"
	}
	return host
}

func moduleLabel(modules []string) string {
	if len(modules) == 0 {
		return "all"
	}
	return strings.Join(modules, ",")
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
