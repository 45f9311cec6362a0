package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "2s",
// "300ms" etc.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the client configuration (~/.casechat/config.toml).
type Config struct {
	Server Server `toml:"server"`
	Sync   Sync   `toml:"sync"`
	Typing Typing `toml:"typing"`
	Paths  Paths  `toml:"paths"`
}

// Server holds backend endpoints and credentials.
type Server struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`
}

// Sync holds poll cadence knobs for the sync engine.
type Sync struct {
	// ActivePoll is the background consistency poll while push is up.
	ActivePoll Duration `toml:"active_poll"`
	// DegradedPoll is the shortened interval while push is down.
	DegradedPoll Duration `toml:"degraded_poll"`
	// MinPoll bounds how short DegradedPoll may be configured.
	MinPoll Duration `toml:"min_poll"`
}

// Typing holds typing-indicator knobs.
type Typing struct {
	// Debounce bounds outbound typing_start to one per window.
	Debounce Duration `toml:"debounce"`
	// TTL is how long a remote typing signal lives without refresh.
	TTL Duration `toml:"ttl"`
	// Idle is the keystroke silence after which typing_stop is sent.
	Idle Duration `toml:"idle"`
}

// Paths holds local file locations.
type Paths struct {
	CacheDB string `toml:"cache_db"`
	LogFile string `toml:"log_file"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".casechat")
	return &Config{
		Server: Server{
			BaseURL:   "http://localhost:5004/api",
			SocketURL: "ws://localhost:5004/socket",
		},
		Sync: Sync{
			ActivePoll:   Duration(15 * time.Second),
			DegradedPoll: Duration(2 * time.Second),
			MinPoll:      Duration(time.Second),
		},
		Typing: Typing{
			Debounce: Duration(300 * time.Millisecond),
			TTL:      Duration(5 * time.Second),
			Idle:     Duration(3 * time.Second),
		},
		Paths: Paths{
			CacheDB: filepath.Join(dir, "cache.db"),
			LogFile: filepath.Join(dir, "casechat.log"),
		},
	}
}

// Load reads config from path, filling unset fields from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate enforces cadence bounds and required endpoints.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Server.SocketURL == "" {
		return fmt.Errorf("server.socket_url is required")
	}
	if c.Sync.MinPoll <= 0 {
		return fmt.Errorf("sync.min_poll must be positive")
	}
	if c.Sync.DegradedPoll < c.Sync.MinPoll {
		return fmt.Errorf("sync.degraded_poll %s below floor %s",
			c.Sync.DegradedPoll.Std(), c.Sync.MinPoll.Std())
	}
	if c.Sync.ActivePoll < c.Sync.DegradedPoll {
		return fmt.Errorf("sync.active_poll must not be shorter than degraded_poll")
	}
	if c.Typing.Debounce <= 0 || c.Typing.TTL <= 0 || c.Typing.Idle <= 0 {
		return fmt.Errorf("typing intervals must be positive")
	}
	return nil
}
