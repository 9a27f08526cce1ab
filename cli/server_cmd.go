package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jgoldverg/bitrate/cli/output"
	"github.com/jgoldverg/bitrate/internal"
	"github.com/jgoldverg/bitrate/pkg/metrics"
	"github.com/jgoldverg/bitrate/pkg/speedserver"
	"github.com/spf13/cobra"
)

type serverOpts struct {
	bindHost      string
	datagramPort  int
	streamPort    int
	broadcastAddr string
	offerInterval time.Duration
	metricsAddr   string
	dashboard     bool
}

func ServerCommand() *cobra.Command {
	var opts serverOpts

	cmd := &cobra.Command{
		Use:     "server",
		Aliases: []string{"s", "serve"},
		Short:   "Advertise this host and serve throughput sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := internal.LoadServerConfig(getRootOptions(cmd).configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cmd, cfg.LogLevel)
			if err := applyServerFlags(cmd, cfg, opts); err != nil {
				return err
			}

			collector := metrics.NewSessionCollector("")
			srv := speedserver.New(ServerOptionsFromConfig(cfg, collector))
			if err := srv.Listen(ctx); err != nil {
				return err
			}
			defer srv.Close()

			if opts.dashboard {
				display := output.NewMetricsDisplay("bitrate server", collector)
				if err := display.Start(ctx); err != nil {
					internal.Warn("dashboard unavailable", internal.Fields{
						internal.FieldError: err.Error(),
					})
				}
				defer display.Stop()
			}

			internal.Info("serving", internal.Fields{
				internal.FieldServer:        cfg.ServerId,
				internal.FieldKey("offers"): cfg.BroadcastAddr,
			})
			return srv.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.bindHost, "bind-host", "", "Address to bind both transports to")
	cmd.Flags().IntVar(&opts.datagramPort, "datagram-port", internal.DefaultDatagramPort, "UDP port for offers and datagram sessions")
	cmd.Flags().IntVar(&opts.streamPort, "stream-port", internal.DefaultStreamPort, "TCP port for stream sessions")
	cmd.Flags().StringVar(&opts.broadcastAddr, "broadcast-addr", internal.DefaultBroadcastAddr, "Destination for offers (host or host:port)")
	cmd.Flags().DurationVar(&opts.offerInterval, "offer-interval", time.Second, "Time between offers")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.dashboard, "dashboard", false, "Show a live session table")
	return cmd
}

// applyServerFlags overrides config values with explicitly set flags only.
func applyServerFlags(cmd *cobra.Command, cfg *internal.ServerConfig, opts serverOpts) error {
	flags := cmd.Flags()
	if flags.Changed("bind-host") {
		cfg.BindHost = opts.bindHost
	}
	if flags.Changed("datagram-port") {
		cfg.DatagramPort = opts.datagramPort
	}
	if flags.Changed("stream-port") {
		cfg.StreamPort = opts.streamPort
	}
	if flags.Changed("broadcast-addr") {
		cfg.BroadcastAddr = opts.broadcastAddr
	}
	if flags.Changed("offer-interval") {
		cfg.OfferIntervalMs = int(opts.offerInterval / time.Millisecond)
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("server options: %w", err)
	}
	return nil
}

func ServerOptionsFromConfig(cfg *internal.ServerConfig, collector *metrics.SessionCollector) speedserver.Options {
	return speedserver.Options{
		DatagramAddr:   net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.DatagramPort)),
		StreamAddr:     net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.StreamPort)),
		BroadcastAddr:  cfg.BroadcastAddr,
		OfferInterval:  cfg.OfferInterval(),
		ChunkSize:      cfg.StreamChunkSize,
		RequestTimeout: cfg.RequestTimeout(),
		MetricsAddr:    cfg.MetricsAddr,
		Collector:      collector,
	}
}
