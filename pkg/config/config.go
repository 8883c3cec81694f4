// Package config loads the coach server configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// UpstreamURLEnv overrides upstream.base_url when set.
const UpstreamURLEnv = "COACH_UPSTREAM_URL"

// Duration is a time.Duration written as a string ("10s", "1m30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the complete server configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Upstream  Upstream  `toml:"upstream"`
	Relay     Relay     `toml:"relay"`
	Heartbeat Heartbeat `toml:"heartbeat"`
	Pool      Pool      `toml:"pool"`
	Storage   Storage   `toml:"storage"`
	Prompts   Prompts   `toml:"prompts"`
	Log       Log       `toml:"log"`
}

type Server struct {
	// Listen address (e.g., ":8080")
	Listen string `toml:"listen"`

	// StreamTimeout is the absolute lifetime of one event stream.
	StreamTimeout Duration `toml:"stream_timeout"`

	// EventBuffer is the number of events queued per stream.
	EventBuffer int `toml:"event_buffer"`

	// RateLimit is the number of streams per second accepted on the
	// streaming routes, with RateBurst extra.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

type Upstream struct {
	// BaseURL of the Ollama server (e.g., "http://localhost:11434")
	BaseURL        string   `toml:"base_url"`
	Endpoint       string   `toml:"endpoint"`
	Model          string   `toml:"model"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	ReadTimeout    Duration `toml:"read_timeout"`
	UserAgent      string   `toml:"user_agent"`
}

type Relay struct {
	CreditBatch int      `toml:"credit_batch"`
	MaxLatency  Duration `toml:"max_latency"`
}

type Heartbeat struct {
	Interval      Duration `toml:"interval"`
	IdleThreshold Duration `toml:"idle_threshold"`
}

type Pool struct {
	Size int `toml:"size"`
}

type Storage struct {
	// SQLitePath is the resume database. Empty keeps resumes in memory.
	SQLitePath string `toml:"sqlite_path"`
}

type Prompts struct {
	// Dir overrides the embedded prompt templates.
	Dir string `toml:"dir"`
}

type Log struct {
	Debug bool `toml:"debug"`
	// Format is "console" or "json".
	Format string `toml:"format"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() Config {
	return Config{
		Server: Server{
			Listen:        ":8080",
			StreamTimeout: Duration{10 * time.Minute},
			EventBuffer:   256,
			RateLimit:     10,
			RateBurst:     20,
		},
		Upstream: Upstream{
			BaseURL:        "http://localhost:11434",
			Endpoint:       "/api/chat",
			Model:          "llama3.1:8b",
			ConnectTimeout: Duration{10 * time.Second},
			ReadTimeout:    Duration{5 * time.Minute},
			UserAgent:      "coach/1.0",
		},
		Relay: Relay{
			CreditBatch: 32,
			MaxLatency:  Duration{time.Second},
		},
		Heartbeat: Heartbeat{
			Interval:      Duration{10 * time.Second},
			IdleThreshold: Duration{59 * time.Second},
		},
		Pool: Pool{Size: 50},
		Log:  Log{Format: "console"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path loads only the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
		}
	}

	if url := os.Getenv(UpstreamURLEnv); url != "" {
		cfg.Upstream.BaseURL = url
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	positive("server.stream_timeout", c.Server.StreamTimeout.Duration > 0)
	positive("server.event_buffer", c.Server.EventBuffer > 0)
	positive("server.rate_limit", c.Server.RateLimit > 0)
	positive("server.rate_burst", c.Server.RateBurst > 0)

	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if c.Upstream.Model == "" {
		errs = append(errs, errors.New("upstream.model is required"))
	}
	positive("upstream.connect_timeout", c.Upstream.ConnectTimeout.Duration > 0)
	positive("upstream.read_timeout", c.Upstream.ReadTimeout.Duration > 0)

	positive("relay.credit_batch", c.Relay.CreditBatch > 0)
	positive("relay.max_latency", c.Relay.MaxLatency.Duration > 0)
	positive("heartbeat.interval", c.Heartbeat.Interval.Duration > 0)
	positive("heartbeat.idle_threshold", c.Heartbeat.IdleThreshold.Duration > 0)
	positive("pool.size", c.Pool.Size > 0)

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
