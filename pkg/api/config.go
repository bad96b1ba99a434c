package api

import "time"

// BasePort is the deterministic HTTP port base; the effective port is
// BasePort + worker_id.
const BasePort = 6700

// DefaultDownloadTimeout bounds a container download during retrieval.
const DefaultDownloadTimeout = 300 * time.Second

// Config holds the facade server configuration.
type Config struct {
	// Port the server listens on.
	Port int `mapstructure:"port" yaml:"port"`

	// DownloadTimeout is the wall-clock deadline for fetching a container
	// from the blob service while serving a request.
	DownloadTimeout time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`

	// AllowedOrigins is the CORS allow-list. A matched Origin is echoed
	// back; anything else gets the conservative default.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = BasePort
	}
	if c.DownloadTimeout == 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		// Streaming a large member can legitimately take a while.
		c.WriteTimeout = 10 * time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
}

// PortForWorker derives the deterministic facade port for a worker id.
func PortForWorker(workerID int) int {
	return BasePort + workerID
}
