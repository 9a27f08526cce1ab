package cli

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/jgoldverg/bitrate/cli/output"
	"github.com/jgoldverg/bitrate/internal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or update bitrate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(configShowCommand(), configSetCommand())
	return cmd
}

func configTarget(raw string) (string, error) {
	scope := strings.ToLower(strings.TrimSpace(raw))
	if scope == "" {
		scope = "client"
	}
	if scope != "client" && scope != "server" {
		return "", fmt.Errorf("--target must be either client or server")
	}
	return scope, nil
}

func configShowCommand() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective client or server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := configTarget(target)
			if err != nil {
				return err
			}
			path := getRootOptions(cmd).configPath

			var cfg any
			if scope == "server" {
				cfg, err = internal.LoadServerConfig(path)
			} else {
				cfg, err = internal.LoadClientConfig(path)
			}
			if err != nil {
				return err
			}
			text, err := encodeConfig(cfg)
			if err != nil {
				return err
			}
			output.NewPrinter().Block(scope+" configuration", text)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "client", "Which config to show: client or server")
	return cmd
}

func encodeConfig(cfg any) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return buf.String(), nil
}

type configSetOpts struct {
	target   string
	logLevel string

	// client
	discoveryPort     int
	fileSize          string
	streamSessions    int
	datagramSessions  int
	idleTimeoutMs     int
	readBufferSize    int
	streamReadTimeout int
	rounds            int

	// server
	bindHost         string
	datagramPort     int
	streamPort       int
	broadcastAddr    string
	offerIntervalMs  int
	streamChunkSize  int
	requestTimeoutMs int
	metricsAddr      string
}

func configSetCommand() *cobra.Command {
	var opts configSetOpts

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the client or server configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := configTarget(opts.target)
			if err != nil {
				return err
			}
			path := getRootOptions(cmd).configPath
			switch scope {
			case "server":
				return updateServerConfig(path, cmd.Flags(), opts)
			default:
				return updateClientConfig(path, cmd.Flags(), opts)
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.target, "target", "client", "Which config to update: client or server")
	f.StringVar(&opts.logLevel, "set-log-level", "", "Log level stored in the config file")

	f.IntVar(&opts.discoveryPort, "discovery-port", 0, "Client: UDP port offers arrive on")
	f.StringVar(&opts.fileSize, "file-size", "", "Client: bytes requested per session (e.g. 10MB)")
	f.IntVar(&opts.streamSessions, "stream-sessions", 0, "Client: stream sessions per round")
	f.IntVar(&opts.datagramSessions, "datagram-sessions", 0, "Client: datagram sessions per round")
	f.IntVar(&opts.idleTimeoutMs, "idle-timeout-ms", 0, "Client: datagram idle timeout")
	f.IntVar(&opts.readBufferSize, "read-buffer-size", 0, "Client: receive buffer size")
	f.IntVar(&opts.streamReadTimeout, "stream-read-timeout-ms", 0, "Client: per-read stream timeout, 0 disables")
	f.IntVar(&opts.rounds, "rounds", 0, "Client: rounds to run, 0 runs forever")

	f.StringVar(&opts.bindHost, "bind-host", "", "Server: bind address")
	f.IntVar(&opts.datagramPort, "datagram-port", 0, "Server: UDP port")
	f.IntVar(&opts.streamPort, "stream-port", 0, "Server: TCP port")
	f.StringVar(&opts.broadcastAddr, "broadcast-addr", "", "Server: offer destination")
	f.IntVar(&opts.offerIntervalMs, "offer-interval-ms", 0, "Server: time between offers")
	f.IntVar(&opts.streamChunkSize, "stream-chunk-size", 0, "Server: stream write size")
	f.IntVar(&opts.requestTimeoutMs, "request-timeout-ms", 0, "Server: wait for the stream request line")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Server: Prometheus endpoint address")
	return cmd
}

func updateClientConfig(path string, flags *pflag.FlagSet, opts configSetOpts) error {
	cfg, err := internal.LoadClientConfig(path)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	if flags.Changed("discovery-port") {
		cfg.DiscoveryPort = opts.discoveryPort
	}
	if flags.Changed("file-size") {
		n, err := parseSize(opts.fileSize)
		if err != nil {
			return fmt.Errorf("--file-size: %w", err)
		}
		cfg.FileSize = n
	}
	if flags.Changed("stream-sessions") {
		cfg.StreamSessions = opts.streamSessions
	}
	if flags.Changed("datagram-sessions") {
		cfg.DatagramSessions = opts.datagramSessions
	}
	if flags.Changed("idle-timeout-ms") {
		cfg.IdleTimeoutMs = opts.idleTimeoutMs
	}
	if flags.Changed("read-buffer-size") {
		cfg.ReadBufferSize = opts.readBufferSize
	}
	if flags.Changed("stream-read-timeout-ms") {
		cfg.StreamReadTimeoutMs = opts.streamReadTimeout
	}
	if flags.Changed("rounds") {
		cfg.Rounds = opts.rounds
	}
	if flags.Changed("set-log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	saved, err := cfg.Save(path)
	if err != nil {
		return fmt.Errorf("saving client config: %w", err)
	}
	internal.Info("client configuration updated", internal.Fields{
		internal.ConfigPath: saved,
	})
	return nil
}

func updateServerConfig(path string, flags *pflag.FlagSet, opts configSetOpts) error {
	cfg, err := internal.LoadServerConfig(path)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
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
	if flags.Changed("offer-interval-ms") {
		cfg.OfferIntervalMs = opts.offerIntervalMs
	}
	if flags.Changed("stream-chunk-size") {
		cfg.StreamChunkSize = opts.streamChunkSize
	}
	if flags.Changed("request-timeout-ms") {
		cfg.RequestTimeoutMs = opts.requestTimeoutMs
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if flags.Changed("set-log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	saved, err := cfg.Save(path)
	if err != nil {
		return fmt.Errorf("saving server config: %w", err)
	}
	internal.Info("server configuration updated", internal.Fields{
		internal.ConfigPath: saved,
	})
	return nil
}
