package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return NewManager(path)
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"worker": {"binary": "claude", "model": "opus", "inactivity_timeout": "3m"},
		"scheduler": {"enabled": true, "tick": "15s", "timezone": "UTC"},
		"jobs": [{"id": "brief", "kind": "cron", "schedule": "0 7 * * *", "prompt": "morning brief"}]
	}`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.Model != "opus" || cfg.Worker.InactivityTimeout != "3m" {
		t.Fatalf("worker section: %+v", cfg.Worker)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Tick != "15s" {
		t.Fatalf("scheduler section: %+v", cfg.Scheduler)
	}
	if len(cfg.Jobs) != 1 || cfg.Jobs[0].ID != "brief" {
		t.Fatalf("jobs section: %+v", cfg.Jobs)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
  file:
    enabled: true
    path: /tmp/aide.log
worker:
  binary: claude
scheduler:
  enabled: true
heartbeat:
  enabled: true
  interval: 10m
  active_hours: "08:00-22:00"
`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.Path != "/tmp/aide.log" {
		t.Fatalf("logging section: %+v", cfg.Logging)
	}
	if !cfg.Heartbeat.Enabled || cfg.Heartbeat.Interval != "10m" || cfg.Heartbeat.ActiveHours != "08:00-22:00" {
		t.Fatalf("heartbeat section: %+v", cfg.Heartbeat)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{
		"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
		"worker": {"binary": "claude"},
		"scheduler": {"enabled": false},
		"telgram": {"token": "oops"}
	}`)
	if _, err := m.Load(); err == nil {
		t.Fatal("misspelled section accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json",
		`{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"worker":{},"scheduler":{"enabled":false}}{"extra":1}`)
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationField("engine.retry_base", "not-a-duration"); err == nil {
		t.Fatal("bad duration accepted")
	}
	d, err := ParseDurationOrDefault("engine.retry_base", "", 2*time.Second)
	if err != nil || d != 2*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("engine.retry_base", "5s", 2*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("explicit: %v %v", d, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json",
		`{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"worker":{},"scheduler":{"enabled":false}}`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
}
