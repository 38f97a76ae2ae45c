package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP server hosting /ws, /metrics, and /api/v1/health.
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"3000"`

	// Decoder-facing ingest endpoints.
	AudioPort int    `env:"TR_AUDIO_PORT" envDefault:"9000"`
	FFTPort   int    `env:"TR_FFT_PORT" envDefault:"9001"`
	StatusURL string `env:"TR_STATUS_URL" envDefault:"ws://0.0.0.0:3001"`

	// Where the decoder deposits finalized recordings (wav + json sidecar).
	AudioDir string `env:"TR_AUDIO_DIR" envDefault:"./audio"`

	// Decoder log files to tail, first existing path wins.
	LogPaths string `env:"TR_LOG_PATHS" envDefault:"/tmp/trunk-recorder-output.log,/tmp/trunk-recorder.log"`

	DBPath        string `env:"DB_PATH" envDefault:"./scanner.db"`
	RecordingsDir string `env:"RECORDINGS_DIR" envDefault:"./recordings"`

	// SDR parameters used to annotate FFT recordings.
	SDRCenterFreq int64 `env:"SDR_CENTER_FREQ" envDefault:"857000000"`
	SDRSampleRate int   `env:"SDR_SAMPLE_RATE" envDefault:"2048000"`

	// Downstream dispatch-console peer.
	AvtecHost    string `env:"AVTEC_HOST" envDefault:"127.0.0.1"`
	AvtecPort    int    `env:"AVTEC_PORT" envDefault:"7300"`
	AvtecEnabled bool   `env:"AVTEC_ENABLED" envDefault:"false"`

	// Optional MQTT event mirror; disabled when broker URL is empty.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"scannerd"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	HTTPAddr string
	LogLevel string
	DBPath   string
	AudioDir string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		host, port, err := splitHostPort(overrides.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid -addr: %w", err)
		}
		if host != "" {
			cfg.Host = host
		}
		cfg.Port = port
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DBPath != "" {
		cfg.DBPath = overrides.DBPath
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}

	return cfg, nil
}

// HTTPAddr returns the host:port the HTTP server binds.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StatusAddr extracts the host:port listen address from TR_STATUS_URL.
// Accepts ws:// and http:// URLs as well as a bare host:port.
func (c *Config) StatusAddr() (string, error) {
	s := c.StatusURL
	if !strings.Contains(s, "://") {
		return s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse TR_STATUS_URL: %w", err)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("TR_STATUS_URL %q has no port", s)
	}
	return u.Host, nil
}

// LogPathList splits TR_LOG_PATHS into candidate paths in priority order.
func (c *Config) LogPathList() []string {
	var paths []string
	for _, p := range strings.Split(c.LogPaths, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port in %q", addr)
	}
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, err
	}
	return addr[:idx], port, nil
}
