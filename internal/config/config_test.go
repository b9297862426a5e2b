package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Sequencer.ConfirmTimeoutMS != 30000 || cfg.Sequencer.Fallback != "advance" {
		t.Fatalf("unexpected sequencer defaults: %+v", cfg.Sequencer)
	}
	if cfg.Teaching.ClampIndex {
		t.Fatal("expected out-of-range indexes to be rejected by default")
	}
	if cfg.Curriculum.DefaultPersona != "hanuman" {
		t.Fatalf("expected hanuman default persona, got %q", cfg.Curriculum.DefaultPersona)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_AUDIO_BASE_DIR", "/srv/verses")
	t.Setenv("LOQA_SEQUENCER_CONFIRM_TIMEOUT_MS", "0")
	t.Setenv("LOQA_SEQUENCER_FALLBACK", "fail")
	t.Setenv("LOQA_TEACHING_CLAMP_INDEX", "true")
	t.Setenv("LOQA_TEACHING_LANGUAGE", "hi")
	t.Setenv("LOQA_NARRATION_MODE", "exec")
	t.Setenv("LOQA_NARRATION_COMMAND", "piper --json")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Audio.BaseDir != "/srv/verses" {
		t.Fatalf("expected audio base dir override, got %q", cfg.Audio.BaseDir)
	}
	if cfg.Sequencer.ConfirmTimeoutMS != 0 || cfg.Sequencer.Fallback != "fail" {
		t.Fatalf("expected sequencer overrides, got %+v", cfg.Sequencer)
	}
	if !cfg.Teaching.ClampIndex || cfg.Teaching.Language != "hi" {
		t.Fatalf("expected teaching overrides, got %+v", cfg.Teaching)
	}
	if cfg.Narration.Mode != "exec" || cfg.Narration.Command != "piper --json" {
		t.Fatalf("expected narration overrides, got %+v", cfg.Narration)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tutor.yaml")
	data := []byte(`
runtime_name: tutor-test
curriculum:
  path: ./lessons/chalisa.yaml
audio:
  base_dir: ./verses
sequencer:
  confirm_timeout_ms: 5000
  repeat_prompt: "Say it with me."
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "tutor-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Curriculum.Path != "./lessons/chalisa.yaml" || cfg.Audio.BaseDir != "./verses" {
		t.Fatalf("unexpected paths: %+v %+v", cfg.Curriculum, cfg.Audio)
	}
	if cfg.Sequencer.ConfirmTimeoutMS != 5000 || cfg.Sequencer.RepeatPrompt != "Say it with me." {
		t.Fatalf("unexpected sequencer config: %+v", cfg.Sequencer)
	}
	if cfg.Sequencer.Fallback != "advance" {
		t.Fatalf("expected default fallback to survive partial file, got %q", cfg.Sequencer.Fallback)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"fallback":       func(c *Config) { c.Sequencer.Fallback = "retry" },
		"confirm":        func(c *Config) { c.Sequencer.ConfirmTimeoutMS = -1 },
		"base dir":       func(c *Config) { c.Audio.BaseDir = " " },
		"narration mode": func(c *Config) { c.Narration.Mode = "cloud" },
		"exec command":   func(c *Config) { c.Narration.Mode = "exec"; c.Narration.Command = "" },
		"language":       func(c *Config) { c.Teaching.Language = "fr" },
		"retention":      func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"request":        func(c *Config) { c.Bus.RequestTimeout = 0 },
		"max payload":    func(c *Config) { c.Bus.MaxPayload = 128 << 20 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
