package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ConsolePortStart != 5000 || cfg.ConsolePortEnd != 10000 {
		t.Errorf("console range = %d-%d, want 5000-10000", cfg.ConsolePortStart, cfg.ConsolePortEnd)
	}
	if cfg.UDPPortStart != 10000 || cfg.UDPPortEnd != 20000 {
		t.Errorf("UDP range = %d-%d, want 10000-20000", cfg.UDPPortStart, cfg.UDPPortEnd)
	}
	if cfg.ListenAddr != "127.0.0.1:3080" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:3080", cfg.ListenAddr)
	}
	if !cfg.LocalServer {
		t.Error("LocalServer = false, want true by default")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != DefaultConfig().ListenAddr {
		t.Errorf("missing file did not produce defaults")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virtlabd.yml")
	data := []byte("listenAddr: 0.0.0.0:3081\nconsolePortStart: 6001\nlocalServer: false\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "0.0.0.0:3081" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:3081", cfg.ListenAddr)
	}
	if cfg.ConsolePortStart != 6001 {
		t.Errorf("ConsolePortStart = %d, want 6001", cfg.ConsolePortStart)
	}
	if cfg.LocalServer {
		t.Error("LocalServer = true, want overridden to false")
	}
	// Untouched keys keep their defaults.
	if cfg.ConsolePortEnd != 10000 {
		t.Errorf("ConsolePortEnd = %d, want default 10000", cfg.ConsolePortEnd)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virtlabd.yml")
	if err := os.WriteFile(path, []byte("listenAddr: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config loaded without error")
	}
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.ProjectsDir = filepath.Join(base, "projects")
	cfg.ImagesDir = filepath.Join(base, "images")
	cfg.DBPath = filepath.Join(base, "data", "virtlab.db")

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.ProjectsDir, cfg.ImagesDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}
