package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the backend pool: if unset, these are the values the proxy
// runs with.
const (
	DefaultBackendAddress = "10.198.138.212"
	DefaultBasePort       = 39020
	DefaultMaxBackends    = 5
	DefaultMaxFailures    = 3

	DefaultListenPort = 8080
)

// DefaultConfig returns a configuration with the proxy's mandated defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Port:    DefaultListenPort,
			Backlog: 1024,
			Timeout: time.Second,
		},
		Backend: BackendConfig{
			Address:     DefaultBackendAddress,
			BasePort:    DefaultBasePort,
			MaxBackends: DefaultMaxBackends,
			MaxFailures: DefaultMaxFailures,
			SelfHeal:    true,
		},
		Proxy: ProxyConfig{
			LoadBalancer:      "round_robin",
			Mode:              "reactor",
			WorkerCount:       8,
			QueueDepth:        256,
			ReadBufferInitial: 1 << 20,
			ReadBufferMax:     64 << 20,
			SocketBufferSize:  10 << 20,
			PollTimeout:       time.Second,
			MetricsInterval:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "./logs",
			FileOutput: true,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load reads configuration from (in increasing precedence) the built-in
// defaults, an optional config.yaml, and PROXY_-prefixed environment
// variables. Hot reload is intentionally not wired: configuration is read
// once at startup, so there is no fsnotify watch here.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("PROXY_CONFIG_FILE"); configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindDefaults seeds viper with the struct defaults so that partial config
// files or env vars only override the fields they name.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("listen.port", cfg.Listen.Port)
	v.SetDefault("listen.backlog", cfg.Listen.Backlog)
	v.SetDefault("listen.timeout", cfg.Listen.Timeout)

	v.SetDefault("backend.address", cfg.Backend.Address)
	v.SetDefault("backend.base_port", cfg.Backend.BasePort)
	v.SetDefault("backend.max_backends", cfg.Backend.MaxBackends)
	v.SetDefault("backend.max_failures", cfg.Backend.MaxFailures)
	v.SetDefault("backend.self_heal", cfg.Backend.SelfHeal)

	v.SetDefault("proxy.load_balancer", cfg.Proxy.LoadBalancer)
	v.SetDefault("proxy.mode", cfg.Proxy.Mode)
	v.SetDefault("proxy.worker_count", cfg.Proxy.WorkerCount)
	v.SetDefault("proxy.queue_depth", cfg.Proxy.QueueDepth)
	v.SetDefault("proxy.read_buffer_initial", cfg.Proxy.ReadBufferInitial)
	v.SetDefault("proxy.read_buffer_max", cfg.Proxy.ReadBufferMax)
	v.SetDefault("proxy.socket_buffer_size", cfg.Proxy.SocketBufferSize)
	v.SetDefault("proxy.poll_timeout", cfg.Proxy.PollTimeout)
	v.SetDefault("proxy.metrics_interval", cfg.Proxy.MetricsInterval)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
	v.SetDefault("logging.file_output", cfg.Logging.FileOutput)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
}

// Validate rejects configurations that would violate the pool's invariants
// before anything is constructed.
func (c *Config) Validate() error {
	if c.Backend.MaxBackends <= 0 {
		return fmt.Errorf("backend.max_backends must be > 0, got %d", c.Backend.MaxBackends)
	}
	if c.Backend.MaxFailures <= 0 {
		return fmt.Errorf("backend.max_failures must be > 0, got %d", c.Backend.MaxFailures)
	}
	switch c.Proxy.LoadBalancer {
	case "round_robin", "least_connections":
	default:
		return fmt.Errorf("proxy.load_balancer must be round_robin or least_connections, got %q", c.Proxy.LoadBalancer)
	}
	switch c.Proxy.Mode {
	case "reactor", "worker_pool":
	default:
		return fmt.Errorf("proxy.mode must be reactor or worker_pool, got %q", c.Proxy.Mode)
	}
	if c.Proxy.ReadBufferMax < c.Proxy.ReadBufferInitial {
		return fmt.Errorf("proxy.read_buffer_max must be >= proxy.read_buffer_initial")
	}
	return nil
}
