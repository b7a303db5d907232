package config

import "time"

// Config holds the complete runtime configuration for the proxy.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Backend BackendConfig `yaml:"backend"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Logging LoggingConfig `yaml:"logging"`
}

// ListenConfig describes the client-facing socket.
type ListenConfig struct {
	Port    int           `yaml:"port"`
	Backlog int           `yaml:"backlog"`
	Timeout time.Duration `yaml:"timeout"`
}

// BackendConfig describes the fixed backend pool, addressed as
// (Address, BasePort+i) for i in [0, MaxBackends).
type BackendConfig struct {
	Address      string `yaml:"address"`
	BasePort     int    `yaml:"base_port"`
	MaxBackends  int    `yaml:"max_backends"`
	MaxFailures  int    `yaml:"max_failures"`
	SelfHeal     bool   `yaml:"self_heal"`
}

// ProxyConfig selects the dispatch model and its tuning knobs.
type ProxyConfig struct {
	// LoadBalancer is "round_robin" or "least_connections".
	LoadBalancer string `yaml:"load_balancer"`
	// Mode is "reactor" or "worker_pool".
	Mode string `yaml:"mode"`
	// WorkerCount is the number of worker-pool threads (Mode == "worker_pool").
	WorkerCount int `yaml:"worker_count"`
	// QueueDepth bounds the worker-pool FIFO; full queues reject with close.
	QueueDepth int `yaml:"queue_depth"`
	// ReadBufferInitial is the Connection.read_buf starting size.
	ReadBufferInitial int `yaml:"read_buffer_initial"`
	// ReadBufferMax is the cap read_buf may grow to before the connection
	// is closed as ResourceExhausted.
	ReadBufferMax int `yaml:"read_buffer_max"`
	// SocketBufferSize is the SO_SNDBUF/SO_RCVBUF applied to client and
	// backend sockets.
	SocketBufferSize int `yaml:"socket_buffer_size"`
	// PollTimeout bounds each reactor wait call so shutdown can be observed.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// MetricsInterval is the cadence of periodic [METRIC] log lines.
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	FileOutput bool   `yaml:"file_output"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}
