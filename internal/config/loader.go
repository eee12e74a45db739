package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension. Anything other than
// .toml is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads the configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a config in the given format from r, applies
// defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader, format Format) (*Config, error) {
	cfg := &Config{}
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(r).Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: decode toml: unknown keys: %s", strings.Join(keys, ", "))
		}
	default:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte, format Format) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data), format)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backend
	if cfg.Backend.BaseURL != "" {
		u, err := url.Parse(cfg.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.base_url %q must be an absolute http(s) URL", cfg.Backend.BaseURL))
		}
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}
	if b := cfg.Backend.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("backend.breaker values must not be negative"))
	}

	// Display
	if cfg.Display.Enabled {
		if cfg.Display.ServiceUUID == "" {
			errs = append(errs, errors.New("display.service_uuid is required when display.enabled is true"))
		}
		if cfg.Display.CharacteristicUUID == "" {
			errs = append(errs, errors.New("display.characteristic_uuid is required when display.enabled is true"))
		}
	} else if cfg.Display.Address != "" {
		slog.Warn("display.address is set but display.enabled is false; the display will not be connected")
	}
	if cfg.Display.MTU < 0 || cfg.Display.MTU > 512 {
		errs = append(errs, fmt.Errorf("display.mtu %d is out of range [1, 512]", cfg.Display.MTU))
	}

	// Playback
	if cfg.Playback.Delay < 0 {
		errs = append(errs, fmt.Errorf("playback.delay %s must not be negative", cfg.Playback.Delay))
	}
	if cfg.Playback.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("playback.write_timeout %s must not be negative", cfg.Playback.WriteTimeout))
	}
	if cfg.Playback.DisableDemo && !cfg.Display.Enabled {
		slog.Warn("playback.disable_demo is set without a display; playback will never start")
	}

	// Speech
	if r := cfg.Speech.Rate; r != nil && (*r < 0.1 || *r > 10) {
		errs = append(errs, fmt.Errorf("speech.rate %.2f is out of range [0.1, 10]", *r))
	}
	if p := cfg.Speech.Pitch; p != nil && (*p < 0 || *p > 2) {
		errs = append(errs, fmt.Errorf("speech.pitch %.2f is out of range [0, 2]", *p))
	}
	if v := cfg.Speech.Volume; v != nil && (*v < 0 || *v > 1) {
		errs = append(errs, fmt.Errorf("speech.volume %.2f is out of range [0, 1]", *v))
	}

	// Store
	switch {
	case cfg.Store.Driver != "" && !cfg.Store.Driver.IsValid():
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Driver))
	case cfg.Store.Driver == StoreSQLite && cfg.Store.Path == "":
		errs = append(errs, errors.New("store.path is required for the sqlite driver"))
	case cfg.Store.Driver == StorePostgres && cfg.Store.PostgresDSN == "":
		errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
	case cfg.Store.Driver == StoreMemory:
		slog.Warn("store.driver is memory; learner history is lost on restart")
	}

	return errors.Join(errs...)
}
