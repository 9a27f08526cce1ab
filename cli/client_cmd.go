package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jgoldverg/bitrate/cli/output"
	"github.com/jgoldverg/bitrate/internal"
	"github.com/jgoldverg/bitrate/pkg/speedclient"
	"github.com/spf13/cobra"
)

type clientOpts struct {
	size          string
	streams       int
	datagrams     int
	rounds        int
	idleTimeout   time.Duration
	discoveryPort int
	planFile      string
}

func ClientCommand() *cobra.Command {
	var opts clientOpts

	cmd := &cobra.Command{
		Use:     "client",
		Aliases: []string{"c", "run"},
		Short:   "Discover a server and measure throughput against it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := internal.LoadClientConfig(getRootOptions(cmd).configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cmd, cfg.LogLevel)
			if err := applyClientFlags(cmd, cfg, opts); err != nil {
				return err
			}

			plans, err := clientPlans(cfg, opts.planFile)
			if err != nil {
				return err
			}

			client := speedclient.NewClient(ClientOptionsFromConfig(cfg, output.NewSessionReporter()))
			internal.Info("client started", internal.Fields{
				internal.FieldKey("client_id"): cfg.ClientId,
				internal.FieldKey("plans"):     len(plans),
				internal.FieldKey("rounds"):    cfg.Rounds,
			})
			return client.Run(ctx, plans, cfg.Rounds)
		},
	}

	cmd.Flags().StringVar(&opts.size, "size", "", "Bytes to request per session, e.g. 1048576 or 10MB")
	cmd.Flags().IntVar(&opts.streams, "streams", 1, "Concurrent TCP stream sessions per round")
	cmd.Flags().IntVar(&opts.datagrams, "datagrams", 1, "Concurrent UDP datagram sessions per round")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 0, "Rounds to run; 0 runs until interrupted")
	cmd.Flags().DurationVar(&opts.idleTimeout, "idle-timeout", 5*time.Second, "End a datagram session after this much silence")
	cmd.Flags().IntVar(&opts.discoveryPort, "discovery-port", internal.DefaultDatagramPort, "UDP port offers arrive on")
	cmd.Flags().StringVar(&opts.planFile, "plan", "", "Round plan file (YAML or JSON)")
	return cmd
}

func applyClientFlags(cmd *cobra.Command, cfg *internal.ClientConfig, opts clientOpts) error {
	flags := cmd.Flags()
	if flags.Changed("size") {
		n, err := parseSize(opts.size)
		if err != nil {
			return fmt.Errorf("--size: %w", err)
		}
		cfg.FileSize = n
	}
	if flags.Changed("streams") {
		cfg.StreamSessions = opts.streams
	}
	if flags.Changed("datagrams") {
		cfg.DatagramSessions = opts.datagrams
	}
	if flags.Changed("rounds") {
		cfg.Rounds = opts.rounds
	}
	if flags.Changed("idle-timeout") {
		cfg.IdleTimeoutMs = int(opts.idleTimeout / time.Millisecond)
	}
	if flags.Changed("discovery-port") {
		cfg.DiscoveryPort = opts.discoveryPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("client options: %w", err)
	}
	return nil
}

// clientPlans returns the plan file's rounds when one is given, otherwise a
// single plan built from the config.
func clientPlans(cfg *internal.ClientConfig, planFile string) ([]speedclient.Plan, error) {
	base := speedclient.Plan{
		Size:             cfg.FileSize,
		StreamSessions:   cfg.StreamSessions,
		DatagramSessions: cfg.DatagramSessions,
	}
	if strings.TrimSpace(planFile) == "" {
		if err := base.Validate(); err != nil {
			return nil, err
		}
		return []speedclient.Plan{base}, nil
	}
	doc, err := loadRoundPlanDocument(planFile)
	if err != nil {
		return nil, err
	}
	return doc.toPlans(base)
}

func ClientOptionsFromConfig(cfg *internal.ClientConfig, reporter speedclient.Reporter) speedclient.Options {
	return speedclient.Options{
		DiscoveryAddr:     net.JoinHostPort("", strconv.Itoa(cfg.DiscoveryPort)),
		IdleTimeout:       cfg.IdleTimeout(),
		ReadBufferSize:    cfg.ReadBufferSize,
		StreamReadTimeout: cfg.StreamReadTimeout(),
		Reporter:          reporter,
	}
}
