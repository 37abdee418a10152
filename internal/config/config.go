package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("2s", "100ms") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the structure of the config file
type Config struct {
	Identity IdentitySection `toml:"identity"`
	Network  NetworkSection  `toml:"network"`
	UI       UISection       `toml:"ui"`
	Debug    DebugSection    `toml:"debug"`
	Metrics  MetricsSection  `toml:"metrics"`
}

type IdentitySection struct {
	Name string `toml:"name"`
}

type NetworkSection struct {
	BindAddress      string   `toml:"bind_address"`
	DialTimeout      Duration `toml:"dial_timeout"`
	ReadChunkSize    int      `toml:"read_chunk_size"`
	MaxReadErrors    int      `toml:"max_read_errors"`
	ReadErrorBackoff Duration `toml:"read_error_backoff"`
	Framing          string   `toml:"framing"`
}

type UISection struct {
	PollInterval    Duration `toml:"poll_interval"`
	Notify          bool     `toml:"notify"`
	SelectedColor   string   `toml:"selected_color"`
	UnselectedColor string   `toml:"unselected_color"`
	LocalNameColor  string   `toml:"local_name_color"`
	RemoteNameColor string   `toml:"remote_name_color"`
	TimeColor       string   `toml:"time_color"`
	TextColor       string   `toml:"text_color"`
}

type DebugSection struct {
	Enabled bool   `toml:"enabled"`
	LogFile string `toml:"log_file"`
}

type MetricsSection struct {
	ListenAddress string `toml:"listen_address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Network: NetworkSection{
			BindAddress:      "127.0.0.1:0",
			DialTimeout:      Duration{2 * time.Second},
			ReadChunkSize:    512,
			MaxReadErrors:    3,
			ReadErrorBackoff: Duration{100 * time.Millisecond},
			Framing:          "raw",
		},
		UI: UISection{
			PollInterval:    Duration{100 * time.Millisecond},
			SelectedColor:   "11", // yellow
			UnselectedColor: "7",  // gray
			LocalNameColor:  "229",
			RemoteNameColor: "11",
			TimeColor:       "245",
			TextColor:       "15",
		},
		Debug: DebugSection{
			LogFile: "debug.log",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/lanchat/config.toml, falling back to
// ~/.config/lanchat/config.toml.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lanchat", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "lanchat", "config.toml")
}

// Load reads the config file at path, writing the defaults there first when
// it does not exist, then applies environment overrides and validates.
func Load(path string) (Config, error) {
	path, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Not being able to write the file is no reason not to run.
		_ = writeDefault(path, cfg)
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg = applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

func writeDefault(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# lanchat configuration\n# Environment variables override these settings: LANCHAT_SECTION_KEY\n\n"); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects settings the networking layer cannot work with.
func (c Config) Validate() error {
	switch c.Network.Framing {
	case "raw", "framed":
	default:
		return fmt.Errorf("network.framing must be \"raw\" or \"framed\", got %q", c.Network.Framing)
	}
	if c.Network.ReadChunkSize <= 0 {
		return fmt.Errorf("network.read_chunk_size must be positive, got %d", c.Network.ReadChunkSize)
	}
	if c.Network.MaxReadErrors <= 0 {
		return fmt.Errorf("network.max_read_errors must be positive, got %d", c.Network.MaxReadErrors)
	}
	if c.Network.DialTimeout.Duration <= 0 {
		return fmt.Errorf("network.dial_timeout must be positive")
	}
	if c.Network.ReadErrorBackoff.Duration <= 0 {
		return fmt.Errorf("network.read_error_backoff must be positive")
	}
	if c.UI.PollInterval.Duration <= 0 {
		return fmt.Errorf("ui.poll_interval must be positive")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Variables follow the pattern LANCHAT_SECTION_KEY, e.g.
// LANCHAT_NETWORK_BIND_ADDRESS=0.0.0.0:0
func applyEnvOverrides(cfg Config) Config {
	if val := os.Getenv("LANCHAT_IDENTITY_NAME"); val != "" {
		cfg.Identity.Name = val
	}

	if val := os.Getenv("LANCHAT_NETWORK_BIND_ADDRESS"); val != "" {
		cfg.Network.BindAddress = val
	}
	if val := os.Getenv("LANCHAT_NETWORK_DIAL_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Network.DialTimeout = Duration{d}
		}
	}
	if val := os.Getenv("LANCHAT_NETWORK_READ_CHUNK_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Network.ReadChunkSize = n
		}
	}
	if val := os.Getenv("LANCHAT_NETWORK_MAX_READ_ERRORS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Network.MaxReadErrors = n
		}
	}
	if val := os.Getenv("LANCHAT_NETWORK_READ_ERROR_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Network.ReadErrorBackoff = Duration{d}
		}
	}
	if val := os.Getenv("LANCHAT_NETWORK_FRAMING"); val != "" {
		cfg.Network.Framing = val
	}

	if val := os.Getenv("LANCHAT_UI_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.UI.PollInterval = Duration{d}
		}
	}
	if val := os.Getenv("LANCHAT_UI_NOTIFY"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.UI.Notify = b
		}
	}

	if val := os.Getenv("LANCHAT_DEBUG_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Debug.Enabled = b
		}
	}
	if val := os.Getenv("LANCHAT_DEBUG_LOG_FILE"); val != "" {
		cfg.Debug.LogFile = val
	}

	if val := os.Getenv("LANCHAT_METRICS_LISTEN_ADDRESS"); val != "" {
		cfg.Metrics.ListenAddress = val
	}
	return cfg
}
