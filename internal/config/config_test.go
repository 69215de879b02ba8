package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ecusafe/internal/safety"
)

const testYAML = `
transport:
  kind: mock
  device: dev
server:
  host: 0.0.0.0
  port: 9090
logging:
  level: debug
safety:
  max_boost: 20
  session_timeout_sec: 120
flash:
  abort_deadline_ms: 30
telemetry:
  sample_rate_hz: 5
  enabled_signals: [engine_rpm, boost_pressure]
`

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadConfigParsesNestedSections(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Safety.MaxBoost != 20 {
		t.Fatalf("Safety.MaxBoost = %v, want 20", cfg.Safety.MaxBoost)
	}
	if cfg.Flash.AbortDeadlineMS != 30 {
		t.Fatalf("Flash.AbortDeadlineMS = %d, want 30", cfg.Flash.AbortDeadlineMS)
	}
}

func TestSafetyLimitsFallsBackToDefaults(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	limits := cfg.SafetyLimits()
	if limits.MaxBoost != 20 {
		t.Fatalf("MaxBoost = %v, want the overridden 20", limits.MaxBoost)
	}
	defaults := safety.DefaultLimits()
	if limits.MaxRPM != defaults.MaxRPM {
		t.Fatalf("MaxRPM = %v, want default %v for an unset field", limits.MaxRPM, defaults.MaxRPM)
	}
}

func TestFlashConfigOverridesOnlySetFields(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	flashCfg := cfg.FlashConfig()
	if flashCfg.AbortDeadline != 30*time.Millisecond {
		t.Fatalf("AbortDeadline = %v, want 30ms", flashCfg.AbortDeadline)
	}
	if flashCfg.ExecutionBlockSize != 1024 {
		t.Fatalf("ExecutionBlockSize = %d, want the default 1024", flashCfg.ExecutionBlockSize)
	}
}

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	w, err := WatchConfig(path)
	if err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}

	stop := make(chan struct{})
	changed := make(chan *Config, 1)
	go w.Run(stop, func(prev, next *Config) {
		changed <- next
	}, nil)
	defer close(stop)

	time.Sleep(50 * time.Millisecond) // let the watcher establish itself
	updated := testYAML + "\n# bump\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case next := <-changed:
		if next.Server.Port != 9090 {
			t.Fatalf("reloaded config Server.Port = %d, want 9090", next.Server.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
