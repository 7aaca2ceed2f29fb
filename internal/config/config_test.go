package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collabsync.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8081" || !cfg.MDNS || cfg.LogLevel != "info" {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "addr: \":9000\"\nlogLevel: debug\nmdns: false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" || cfg.LogLevel != "debug" || cfg.MDNS {
		t.Fatalf("file not applied: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "addr: \":9000\"\nredisAddr: file-redis:6379\n")
	t.Setenv("COLLABSYNC_ADDR", ":7000")
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("DATABASE_URL", "postgres://env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7000" || cfg.RedisAddr != "env-redis:6379" || cfg.PostgresURL != "postgres://env" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8081" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestBadLogLevelRejected(t *testing.T) {
	path := writeFile(t, "logLevel: shout\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestSlogLevels(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := (&Config{LogLevel: in}).SlogLevel()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("level %q mapped to %v, want %v", in, got, want)
		}
	}
}
