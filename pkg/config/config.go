package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tinyland-inc/sigdesk/pkg/signald"
)

// Duration is a time.Duration written as a Go duration string ("5s") in
// JSON and environment variables.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Signald SignaldConfig `json:"signald"`
	Store   StoreConfig   `json:"store"`
	Bus     BusConfig     `json:"bus"`
	Decoder DecoderConfig `json:"decoder"`
	Metrics MetricsConfig `json:"metrics"`
	Log     LogConfig     `json:"log"`
}

type SignaldConfig struct {
	Sockets         []string `env:"SIGDESK_SIGNALD_SOCKETS"          json:"sockets"`
	DialAttempts    int      `env:"SIGDESK_SIGNALD_DIAL_ATTEMPTS"    json:"dial_attempts"`
	DialBackoff     Duration `env:"SIGDESK_SIGNALD_DIAL_BACKOFF"     json:"dial_backoff"`
	RequestTimeout  Duration `env:"SIGDESK_SIGNALD_REQUEST_TIMEOUT"  json:"request_timeout"` // 0 waits forever
	InboundCapacity int      `env:"SIGDESK_SIGNALD_INBOUND_CAPACITY" json:"inbound_capacity"`
	DeviceName      string   `env:"SIGDESK_SIGNALD_DEVICE_NAME"      json:"device_name"`
	RequestRate     float64  `env:"SIGDESK_SIGNALD_REQUEST_RATE"     json:"request_rate"` // per second, 0 is unlimited
	RequestBurst    int      `env:"SIGDESK_SIGNALD_REQUEST_BURST"    json:"request_burst"`
}

type StoreConfig struct {
	Path string `env:"SIGDESK_STORE_PATH" json:"path"`
}

type BusConfig struct {
	Capacity int `env:"SIGDESK_BUS_CAPACITY" json:"capacity"`
}

type DecoderConfig struct {
	Ordered    bool `env:"SIGDESK_DECODER_ORDERED"     json:"ordered"`
	Workers    int  `env:"SIGDESK_DECODER_WORKERS"     json:"workers"`
	NotifySync bool `env:"SIGDESK_DECODER_NOTIFY_SYNC" json:"notify_sync"`
}

type MetricsConfig struct {
	Enabled bool   `env:"SIGDESK_METRICS_ENABLED" json:"enabled"`
	Addr    string `env:"SIGDESK_METRICS_ADDR"    json:"addr"`
}

type LogConfig struct {
	Level  string `env:"SIGDESK_LOG_LEVEL"  json:"level"`
	Format string `env:"SIGDESK_LOG_FORMAT" json:"format"` // console or json
	File   string `env:"SIGDESK_LOG_FILE"   json:"file,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Signald: SignaldConfig{
			Sockets:         signald.DefaultSocketPaths(),
			DialAttempts:    signald.DefaultDialAttempts,
			DialBackoff:     Duration(signald.DefaultInitialBackoff),
			InboundCapacity: signald.DefaultInboundCapacity,
			DeviceName:      "sigdesk",
		},
		Store: StoreConfig{
			Path: "~/.sigdesk/messages.db",
		},
		Bus: BusConfig{
			Capacity: 10,
		},
		Decoder: DecoderConfig{
			Workers: 8,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads path over the defaults and applies environment overrides.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		var tmp Config
		if err := json.Unmarshal(data, &tmp); err != nil {
			return nil, err
		}
		// a user socket list replaces the defaults rather than merging into them
		if len(tmp.Signald.Sockets) > 0 {
			cfg.Signald.Sockets = nil
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if os.Getenv("SIGDESK_STORE_PATH") == "" {
		if u := os.Getenv("DATABASE_URL"); u != "" {
			cfg.Store.Path = databasePath(u)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func databasePath(url string) string {
	for _, prefix := range []string{"sqlite3://", "sqlite://", "file:"} {
		if strings.HasPrefix(url, prefix) {
			return strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Signald.Sockets) == 0 {
		errs = append(errs, errors.New("signald.sockets: at least one socket path is required"))
	}
	if c.Signald.DialAttempts < 1 {
		errs = append(errs, fmt.Errorf("signald.dial_attempts: must be at least 1, got %d", c.Signald.DialAttempts))
	}
	if c.Signald.RequestTimeout < 0 {
		errs = append(errs, errors.New("signald.request_timeout: must not be negative"))
	}
	if c.Signald.RequestRate < 0 {
		errs = append(errs, errors.New("signald.request_rate: must not be negative"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path: required"))
	}
	if c.Bus.Capacity < 1 {
		errs = append(errs, fmt.Errorf("bus.capacity: must be at least 1, got %d", c.Bus.Capacity))
	}
	if c.Decoder.Workers < 1 {
		errs = append(errs, fmt.Errorf("decoder.workers: must be at least 1, got %d", c.Decoder.Workers))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// StorePath is the database path with a leading ~ expanded.
func (c *Config) StorePath() string {
	return expandHome(c.Store.Path)
}

func (c *Config) LogFile() string {
	return expandHome(c.Log.File)
}

// expandHome expands "~" and a leading "~/". Other users' homes ("~bob/x")
// are left as written.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, _ := os.UserHomeDir()
	return home + path[1:]
}
