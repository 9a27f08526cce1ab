package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultDatagramPort  = 15000
	DefaultStreamPort    = 54321
	DefaultBroadcastAddr = "255.255.255.255"
	configDirName        = ".bitrate"
)

type ServerConfig struct {
	BindHost         string `mapstructure:"bind_host" toml:"bind_host"`
	DatagramPort     int    `mapstructure:"datagram_port" toml:"datagram_port"`
	StreamPort       int    `mapstructure:"stream_port" toml:"stream_port"`
	BroadcastAddr    string `mapstructure:"broadcast_addr" toml:"broadcast_addr"`
	OfferIntervalMs  int    `mapstructure:"offer_interval_ms" toml:"offer_interval_ms"`
	StreamChunkSize  int    `mapstructure:"stream_chunk_size" toml:"stream_chunk_size"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms" toml:"request_timeout_ms"`
	MetricsAddr      string `mapstructure:"metrics_addr" toml:"metrics_addr"`
	ServerId         string `mapstructure:"server_id" toml:"server_id"`
	LogLevel         string `mapstructure:"log_level" toml:"log_level"`
}

type ClientConfig struct {
	DiscoveryPort       int    `mapstructure:"discovery_port" toml:"discovery_port"`
	FileSize            uint64 `mapstructure:"file_size" toml:"file_size"`
	StreamSessions      int    `mapstructure:"stream_sessions" toml:"stream_sessions"`
	DatagramSessions    int    `mapstructure:"datagram_sessions" toml:"datagram_sessions"`
	IdleTimeoutMs       int    `mapstructure:"idle_timeout_ms" toml:"idle_timeout_ms"`
	ReadBufferSize      int    `mapstructure:"read_buffer_size" toml:"read_buffer_size"`
	StreamReadTimeoutMs int    `mapstructure:"stream_read_timeout_ms" toml:"stream_read_timeout_ms"`
	Rounds              int    `mapstructure:"rounds" toml:"rounds"`
	ClientId            string `mapstructure:"client_id" toml:"client_id"`
	LogLevel            string `mapstructure:"log_level" toml:"log_level"`
}

// LoadEnvFile applies KEY=VALUE pairs from path to the process environment so
// that the BITRATE_* overrides picked up by viper can live in a dotenv file.
// Variables already present in the environment win. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	path = expandPath(path)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	Debug("env file applied", Fields{
		EnvFilePath: path,
	})
	return nil
}

func DefaultServerConfigPath() string {
	return defaultConfigPath("server_config.toml")
}

func DefaultClientConfigPath() string {
	return defaultConfigPath("client_config.toml")
}

func defaultConfigPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, configDirName, name)
}

func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v, err := initViper(configPath, "server_config", "BITRATE_SERVER")
	if err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	v.SetDefault("bind_host", "")
	v.SetDefault("datagram_port", DefaultDatagramPort)
	v.SetDefault("stream_port", DefaultStreamPort)
	v.SetDefault("broadcast_addr", DefaultBroadcastAddr)
	v.SetDefault("offer_interval_ms", 1000)
	v.SetDefault("stream_chunk_size", 1024)
	v.SetDefault("request_timeout_ms", 10_000)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("server_id", uuid.New().String())
	v.SetDefault("log_level", "info")

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create-on-first-run only.
	if v.ConfigFileUsed() == "" || configPath != "" {
		writePath := configPath
		if writePath == "" {
			writePath = DefaultServerConfigPath()
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default server config: %w", err)
			}
			Info("server config written", Fields{
				ConfigPath: writePath,
			})
		}
	}

	return &cfg, nil
}

func LoadClientConfig(configPath string) (*ClientConfig, error) {
	v, err := initViper(configPath, "client_config", "BITRATE_CLIENT")
	if err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}

	v.SetDefault("discovery_port", DefaultDatagramPort)
	v.SetDefault("file_size", 1<<20)
	v.SetDefault("stream_sessions", 1)
	v.SetDefault("datagram_sessions", 1)
	v.SetDefault("idle_timeout_ms", 5000)
	v.SetDefault("read_buffer_size", 2048)
	v.SetDefault("stream_read_timeout_ms", 0)
	v.SetDefault("rounds", 0)
	v.SetDefault("client_id", uuid.New().String())
	v.SetDefault("log_level", "info")

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() == "" || configPath != "" {
		writePath := configPath
		if writePath == "" {
			writePath = DefaultClientConfigPath()
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default client config: %w", err)
			}
			Info("client config written", Fields{
				ConfigPath: writePath,
			})
		}
	}
	return &cfg, nil
}

func (cfg *ServerConfig) Validate() error {
	if !validPort(cfg.DatagramPort) {
		return fmt.Errorf("datagram_port %d out of range", cfg.DatagramPort)
	}
	if !validPort(cfg.StreamPort) {
		return fmt.Errorf("stream_port %d out of range", cfg.StreamPort)
	}
	if cfg.OfferIntervalMs <= 0 {
		return fmt.Errorf("offer_interval_ms must be > 0")
	}
	if cfg.StreamChunkSize <= 0 {
		return fmt.Errorf("stream_chunk_size must be > 0")
	}
	if strings.TrimSpace(cfg.BroadcastAddr) == "" {
		return fmt.Errorf("broadcast_addr must be set")
	}
	return nil
}

func (cfg *ServerConfig) OfferInterval() time.Duration {
	return time.Duration(cfg.OfferIntervalMs) * time.Millisecond
}

func (cfg *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
}

func (cfg *ClientConfig) Validate() error {
	if !validPort(cfg.DiscoveryPort) {
		return fmt.Errorf("discovery_port %d out of range", cfg.DiscoveryPort)
	}
	if cfg.FileSize == 0 {
		return fmt.Errorf("file_size must be a positive integer")
	}
	if cfg.StreamSessions < 0 || cfg.DatagramSessions < 0 {
		return fmt.Errorf("session counts must not be negative")
	}
	if cfg.StreamSessions+cfg.DatagramSessions == 0 {
		return fmt.Errorf("at least one stream or datagram session is required")
	}
	if cfg.IdleTimeoutMs <= 0 {
		return fmt.Errorf("idle_timeout_ms must be > 0")
	}
	return nil
}

func (cfg *ClientConfig) IdleTimeout() time.Duration {
	return time.Duration(cfg.IdleTimeoutMs) * time.Millisecond
}

func (cfg *ClientConfig) StreamReadTimeout() time.Duration {
	return time.Duration(cfg.StreamReadTimeoutMs) * time.Millisecond
}

func validPort(p int) bool {
	return p >= 0 && p <= 0xffff
}

func initViper(configPath, defaultName, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(expandPath(configPath))
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, configDirName))
		}
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			Error("config file unreadable", Fields{
				ConfigPath: configPath,
				FieldError: err.Error(),
			})
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func (cfg *ServerConfig) Save(path string) (string, error) {
	if path == "" {
		path = DefaultServerConfigPath()
	}
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("bind_host", cfg.BindHost)
	v.Set("datagram_port", cfg.DatagramPort)
	v.Set("stream_port", cfg.StreamPort)
	v.Set("broadcast_addr", cfg.BroadcastAddr)
	v.Set("offer_interval_ms", cfg.OfferIntervalMs)
	v.Set("stream_chunk_size", cfg.StreamChunkSize)
	v.Set("request_timeout_ms", cfg.RequestTimeoutMs)
	v.Set("metrics_addr", cfg.MetricsAddr)
	v.Set("server_id", cfg.ServerId)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write server config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func (cfg *ClientConfig) Save(path string) (string, error) {
	if path == "" {
		path = DefaultClientConfigPath()
	}
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("discovery_port", cfg.DiscoveryPort)
	v.Set("file_size", cfg.FileSize)
	v.Set("stream_sessions", cfg.StreamSessions)
	v.Set("datagram_sessions", cfg.DatagramSessions)
	v.Set("idle_timeout_ms", cfg.IdleTimeoutMs)
	v.Set("read_buffer_size", cfg.ReadBufferSize)
	v.Set("stream_read_timeout_ms", cfg.StreamReadTimeoutMs)
	v.Set("rounds", cfg.Rounds)
	v.Set("client_id", cfg.ClientId)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write client config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
