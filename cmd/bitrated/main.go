package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgoldverg/bitrate/cli"
	"github.com/jgoldverg/bitrate/internal"
	"github.com/jgoldverg/bitrate/pkg/metrics"
	"github.com/jgoldverg/bitrate/pkg/speedserver"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.String("config", "", "server config file")
	envFile := flag.String("env-file", ".env", "dotenv file with BITRATE_SERVER_* overrides")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := internal.LoadEnvFile(*envFile); err != nil {
		internal.Error("env file unreadable", internal.Fields{
			internal.EnvFilePath: *envFile,
			internal.FieldError:  err.Error(),
		})
		os.Exit(1)
	}
	cfg, err := internal.LoadServerConfig(*configPath)
	if err != nil {
		internal.Error("failed to load server config", internal.Fields{
			internal.FieldError: err.Error(),
		})
		os.Exit(1)
	}
	if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
		internal.Warn("invalid log level in server config, defaulting to info", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}

	server := speedserver.New(cli.ServerOptionsFromConfig(cfg, metrics.NewSessionCollector("")))
	if err := server.Listen(ctx); err != nil {
		internal.Error("bind failed", internal.Fields{
			internal.FieldError: err.Error(),
		})
		os.Exit(1)
	}

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			internal.Error("server error", internal.Fields{
				internal.FieldError: err.Error(),
			})
		}
	case sig := <-sigChan:
		internal.Info("shutting down", internal.Fields{
			internal.FieldKey("signal"): sig.String(),
		})
		cancel()
		<-done
	}
	_ = server.Close()
	internal.Info("bitrated shutdown complete", nil)
}
