package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/leogeo/internal/device"
	"github.com/shaunagostinho/leogeo/internal/export"
	"github.com/shaunagostinho/leogeo/internal/logging"
	"github.com/shaunagostinho/leogeo/internal/protocol"
)

// Config holds all application configuration.
type Config struct {
	mu sync.RWMutex

	Device  DeviceConfig   `yaml:"device" json:"device"`
	Timing  TimingConfig   `yaml:"timing" json:"timing"`
	Decode  DecodeConfig   `yaml:"decode" json:"decode"`
	Export  export.Config  `yaml:"export" json:"export"`
	Logging logging.Config `yaml:"logging" json:"logging"`
	Server  ServerConfig   `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type   string              `yaml:"type" json:"type"` // "serial" or "demo"
	Port   string              `yaml:"port" json:"port"` // default port, e.g. ttyUSB0 or COM3
	Serial device.SerialConfig `yaml:"serial" json:"serial"`
}

// TimingConfig mirrors the engine timings in milliseconds. The ack token is
// hex so arbitrary bytes survive YAML and JSON.
type TimingConfig struct {
	WarmUpMs       int    `yaml:"warm_up_ms" json:"warmUpMs"`
	FrameInitialMs int    `yaml:"frame_initial_ms" json:"frameInitialMs"`
	FrameIdleMs    int    `yaml:"frame_idle_ms" json:"frameIdleMs"`
	FrameSettleMs  int    `yaml:"frame_settle_ms" json:"frameSettleMs"`
	AckAttempts    int    `yaml:"ack_attempts" json:"ackAttempts"`
	AckFirstMs     int    `yaml:"ack_first_ms" json:"ackFirstMs"`
	AckDrainMs     int    `yaml:"ack_drain_ms" json:"ackDrainMs"`
	AckPacingMs    int    `yaml:"ack_pacing_ms" json:"ackPacingMs"`
	AckTokenHex    string `yaml:"ack_token_hex" json:"ackTokenHex"`
}

type DecodeConfig struct {
	BaseYear       int    `yaml:"base_year" json:"baseYear"`
	YearCorrection int    `yaml:"year_correction" json:"yearCorrection"`
	Timezone       string `yaml:"timezone" json:"timezone"` // IANA name, empty for UTC
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with the logger's factory settings.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:   "serial",
			Port:   "",
			Serial: device.DefaultSerialConfig(),
		},
		Timing: TimingConfig{
			WarmUpMs:       500,
			FrameInitialMs: 2000,
			FrameIdleMs:    500,
			FrameSettleMs:  1000,
			AckAttempts:    50,
			AckFirstMs:     1000,
			AckDrainMs:     100,
			AckPacingMs:    100,
			AckTokenHex:    hex.EncodeToString(protocol.DefaultAckToken),
		},
		Decode: DecodeConfig{
			BaseYear: 2000,
		},
		Export: export.Config{
			Enabled: false,
			Path:    "exports",
			MaxRows: 100_000,
		},
		Logging: logging.DefaultConfig(),
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := DefaultConfig()
	cfg.path = path

	if err := cfg.readFile(); err != nil {
		if os.IsNotExist(err) {
			log.Info("no config file, using defaults", zap.String("path", path))
		} else {
			log.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		}
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config loaded", zap.String("path", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if loadEnvFile(ep) {
			log.Info("loaded .env", zap.String("path", ep))
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) readFile() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the real environment win.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_TYPE, DEVICE_PORT, DEVICE_BAUD, DEVICE_FLOW_CONTROL,
// DECODE_BASE_YEAR, DECODE_YEAR_CORRECTION, LISTEN_ADDR, EXPORT_ENABLED,
// EXPORT_PATH, LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.Port = v
	}
	if v := os.Getenv("DEVICE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("DEVICE_FLOW_CONTROL"); v != "" {
		c.Device.Serial.FlowControl = device.FlowControl(v)
	}
	if v := os.Getenv("DECODE_BASE_YEAR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Decode.BaseYear = n
		}
	}
	if v := os.Getenv("DECODE_YEAR_CORRECTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Decode.YearCorrection = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("EXPORT_ENABLED"); v != "" {
		c.Export.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("EXPORT_PATH"); v != "" {
		c.Export.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// validate rejects timings the engine cannot work with. Warm-up may be zero
// for loggers that answer immediately; every other wait must be positive.
func (t TimingConfig) validate() error {
	if t.WarmUpMs < 0 {
		return fmt.Errorf("timing warm_up_ms must not be negative, got %d", t.WarmUpMs)
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"frame_initial_ms", t.FrameInitialMs},
		{"frame_idle_ms", t.FrameIdleMs},
		{"frame_settle_ms", t.FrameSettleMs},
		{"ack_attempts", t.AckAttempts},
		{"ack_first_ms", t.AckFirstMs},
		{"ack_drain_ms", t.AckDrainMs},
		{"ack_pacing_ms", t.AckPacingMs},
	} {
		if f.v <= 0 {
			return fmt.Errorf("timing %s must be positive, got %d", f.name, f.v)
		}
	}
	return nil
}

// Engine converts the config into engine settings.
func (c *Config) Engine() (protocol.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	loc := time.UTC
	if c.Decode.Timezone != "" {
		l, err := time.LoadLocation(c.Decode.Timezone)
		if err != nil {
			return protocol.Config{}, fmt.Errorf("decode timezone: %w", err)
		}
		loc = l
	}
	if err := c.Device.Serial.Validate(); err != nil {
		return protocol.Config{}, err
	}
	t := c.Timing
	if err := t.validate(); err != nil {
		return protocol.Config{}, err
	}
	token, err := hex.DecodeString(t.AckTokenHex)
	if err != nil {
		return protocol.Config{}, fmt.Errorf("timing ack_token_hex: %w", err)
	}
	if len(token) == 0 {
		return protocol.Config{}, errors.New("timing ack_token_hex is empty")
	}
	return protocol.Config{
		Serial: c.Device.Serial,
		Frame: protocol.FrameTimings{
			Initial: ms(t.FrameInitialMs),
			Idle:    ms(t.FrameIdleMs),
			Settle:  ms(t.FrameSettleMs),
		},
		Ack: protocol.AckTimings{
			Attempts: t.AckAttempts,
			First:    ms(t.AckFirstMs),
			Drain:    ms(t.AckDrainMs),
			Pacing:   ms(t.AckPacingMs),
		},
		AckToken: token,
		WarmUp:   ms(t.WarmUpMs),
		Decode: protocol.DecodeOptions{
			BaseYear:       c.Decode.BaseYear,
			YearCorrection: c.Decode.YearCorrection,
			Location:       loc,
		},
	}, nil
}

// DefaultPort returns the configured device port.
func (c *Config) DefaultPort() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device.Port
}

// ExportConfig returns the export section.
func (c *Config) ExportConfig() export.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Export
}

// LoggingConfig returns the logging section.
func (c *Config) LoggingConfig() logging.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// Reload re-reads the YAML file and environment overrides. On a parse error
// the current values are kept.
func (c *Config) Reload() error {
	fresh := DefaultConfig()
	fresh.path = c.path
	if err := fresh.readFile(); err != nil {
		return err
	}
	fresh.applyEnvOverrides()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Device = fresh.Device
	c.Timing = fresh.Timing
	c.Decode = fresh.Decode
	c.Export = fresh.Export
	c.Logging = fresh.Logging
	c.Server = fresh.Server
	return nil
}

// Watch reloads the config whenever its file changes and calls onChange
// after each successful reload. It blocks until ctx is done.
func (c *Config) Watch(ctx context.Context, log *zap.Logger, onChange func(*Config)) error {
	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors replace the file rather than write it.
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		return err
	}
	name := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				log.Warn("config reload failed", zap.Error(err))
				continue
			}
			log.Info("config reloaded", zap.String("path", c.path))
			if onChange != nil {
				onChange(c)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watch error", zap.Error(err))
		}
	}
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
