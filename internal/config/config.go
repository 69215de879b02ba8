// Package config loads and hot-reloads ecusafe's YAML configuration
// file, with a flat yaml-tagged-struct + LoadConfig pattern generalized
// to cover: safety limits, ISO-TP ids/timeouts, flash supervisor
// tunables, telemetry sample rate, and logging. File changes
// are watched with fsnotify and each re-parsed Config is handed to a
// caller-supplied callback; safety limits only change through
// safety.State.ReloadSafetyLimits, which refuses while a LiveApply or
// Flash session is armed, so a file edit can never silently loosen
// limits under an armed session.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"ecusafe/internal/flash"
	"ecusafe/internal/safety"
	"ecusafe/internal/telemetry"
	"ecusafe/internal/transport"
)

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
func secDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// Config is the top-level YAML document.
type Config struct {
	Transport struct {
		Kind     string `yaml:"kind"`
		Device   string `yaml:"device"`
		BaudRate int    `yaml:"baud_rate"`
		Debug    bool   `yaml:"debug"`
	} `yaml:"transport"`

	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // "text" or "json"
	} `yaml:"logging"`

	ISOTP struct {
		RequestID  uint32 `yaml:"request_id"`
		ResponseID uint32 `yaml:"response_id"`
		TimeoutMS  int    `yaml:"timeout_ms"`
	} `yaml:"isotp"`

	Safety struct {
		MaxBoost          float64 `yaml:"max_boost"`
		MaxTimingAdvance  float64 `yaml:"max_timing_advance"`
		MaxFuelPressure   float64 `yaml:"max_fuel_pressure"`
		MaxRPM            float64 `yaml:"max_rpm"`
		MinAFR            float64 `yaml:"min_afr"`
		MaxAFR            float64 `yaml:"max_afr"`
		MaxIAT            float64 `yaml:"max_intake_air_temp"`
		MaxECT            float64 `yaml:"max_coolant_temp"`
		SessionTimeoutSec int64   `yaml:"session_timeout_sec"`
	} `yaml:"safety"`

	Flash struct {
		ExecutionBlockSizeBytes int  `yaml:"execution_block_size_bytes"`
		PrepareBlockSizeBytes   int  `yaml:"prepare_block_size_bytes"`
		BlockWriteLatencyMS     int  `yaml:"block_write_latency_ms"`
		AbortDeadlineMS         int  `yaml:"abort_deadline_ms"`
		WatchdogTimeoutSec      int  `yaml:"watchdog_timeout_sec"`
		BackupBeforeFlash       bool `yaml:"backup_before_flash"`
		VerifyAfterFlash        bool `yaml:"verify_after_flash"`
	} `yaml:"flash"`

	Telemetry struct {
		SampleRateHz    float64  `yaml:"sample_rate_hz"`
		FramesPerTick   int      `yaml:"frames_per_tick"`
		ChangeThreshold float64  `yaml:"change_threshold"`
		EnabledSignals  []string `yaml:"enabled_signals"`
	} `yaml:"telemetry"`

	Datastore struct {
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		InfluxDB struct {
			URL    string `yaml:"url"`
			Org    string `yaml:"org"`
			Bucket string `yaml:"bucket"`
			Token  string `yaml:"token"`
		} `yaml:"influxdb"`
	} `yaml:"datastore"`

	Testing struct {
		UseMockData bool   `yaml:"use_mock_data"`
		UseTestTCP  bool   `yaml:"use_test_tcp"`
		TCPAddress  string `yaml:"tcp_address"`
	} `yaml:"testing"`
}

// LoadConfig reads and parses the YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// GetTransportConfig derives a transport.Config from the loaded
// document, honoring the Testing overrides ahead of the configured
// transport kind.
func (c *Config) GetTransportConfig() transport.Config {
	if c.Testing.UseTestTCP {
		return transport.Config{Kind: "tcp", Device: c.Testing.TCPAddress}
	}
	if c.Testing.UseMockData {
		return transport.Config{Kind: "mock", Device: "dev"}
	}
	return transport.Config{
		Kind:     c.Transport.Kind,
		Device:   c.Transport.Device,
		BaudRate: c.Transport.BaudRate,
		Debug:    c.Transport.Debug,
	}
}

// SafetyLimits derives a safety.Limits from the loaded document,
// falling back to safety.DefaultLimits for any zero-valued field so an
// incomplete config section still yields sane ceilings.
func (c *Config) SafetyLimits() safety.Limits {
	defaults := safety.DefaultLimits()
	l := c.Safety
	limits := safety.Limits{
		MaxBoost:          orDefault(l.MaxBoost, defaults.MaxBoost),
		MaxTimingAdvance:  orDefault(l.MaxTimingAdvance, defaults.MaxTimingAdvance),
		MaxFuelPressure:   orDefault(l.MaxFuelPressure, defaults.MaxFuelPressure),
		MaxRPM:            orDefault(l.MaxRPM, defaults.MaxRPM),
		MinAFR:            orDefault(l.MinAFR, defaults.MinAFR),
		MaxAFR:            orDefault(l.MaxAFR, defaults.MaxAFR),
		MaxIAT:            orDefault(l.MaxIAT, defaults.MaxIAT),
		MaxECT:            orDefault(l.MaxECT, defaults.MaxECT),
		SessionTimeoutSec: defaults.SessionTimeoutSec,
	}
	if l.SessionTimeoutSec > 0 {
		limits.SessionTimeoutSec = l.SessionTimeoutSec
	}
	return limits
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// FlashConfig derives a flash.Config from the loaded document.
func (c *Config) FlashConfig() flash.Config {
	cfg := flash.DefaultConfig()
	f := c.Flash
	if f.ExecutionBlockSizeBytes > 0 {
		cfg.ExecutionBlockSize = f.ExecutionBlockSizeBytes
	}
	if f.PrepareBlockSizeBytes > 0 {
		cfg.PrepareEstimateBlockSize = f.PrepareBlockSizeBytes
	}
	if f.BlockWriteLatencyMS > 0 {
		cfg.BlockWriteLatency = msDuration(f.BlockWriteLatencyMS)
	}
	if f.AbortDeadlineMS > 0 {
		cfg.AbortDeadline = msDuration(f.AbortDeadlineMS)
	}
	if f.WatchdogTimeoutSec > 0 {
		cfg.WatchdogTimeout = secDuration(f.WatchdogTimeoutSec)
	}
	cfg.BackupBeforeFlash = f.BackupBeforeFlash
	cfg.VerifyAfterFlash = f.VerifyAfterFlash
	return cfg
}

// TelemetryConfig derives a telemetry.Config from the loaded document.
func (c *Config) TelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	t := c.Telemetry
	if t.SampleRateHz > 0 {
		cfg.SampleRateHz = t.SampleRateHz
	}
	if t.FramesPerTick > 0 {
		cfg.FramesPerTick = t.FramesPerTick
	}
	if t.ChangeThreshold > 0 {
		cfg.ChangeThreshold = t.ChangeThreshold
	}
	if len(t.EnabledSignals) > 0 {
		cfg.EnabledSignals = t.EnabledSignals
	}
	return cfg
}

// Watcher re-parses the backing file when it changes on disk and hands
// the previous and new Config to Run's onChange callback; it applies
// nothing itself (see safety.State.ReloadSafetyLimits for the safety
// limits path).
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current *Config
}

// WatchConfig opens path, parses it once, and starts an fsnotify watch
// on its containing directory (watching the directory, not the file
// directly, is the same choice 99souls-ariadne's HotReloadSystem makes
// since editors often replace rather than truncate-and-write).
func WatchConfig(path string) (*Watcher, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, watcher: fw, current: cfg}, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run drains write events for w.path until stop is closed, invoking
// onChange with the newly parsed Config (and the previous one, so the
// caller can diff safety-critical fields and log-but-not-apply them).
// Parse errors are reported to onError and do not replace the current
// Config.
func (w *Watcher) Run(stop <-chan struct{}, onChange func(prev, next *Config), onError func(error)) {
	for {
		select {
		case <-stop:
			w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next, err := LoadConfig(w.path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			w.mu.Lock()
			prev := w.current
			w.current = next
			w.mu.Unlock()
			if onChange != nil {
				onChange(prev, next)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
