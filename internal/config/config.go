// Package config holds virtlabd runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds virtlabd runtime configuration.
type Config struct {
	// DataDir is the base directory for virtlabd runtime data.
	DataDir string `yaml:"dataDir"`

	// ProjectsDir is the directory holding per-project trees.
	ProjectsDir string `yaml:"projectsDir"`

	// ImagesDir is the root directory for emulator images.
	ImagesDir string `yaml:"imagesDir"`

	// DBPath is the path to the SQLite database.
	DBPath string `yaml:"dbPath"`

	// ListenAddr is the address for the HTTP API.
	ListenAddr string `yaml:"listenAddr"`

	// ConsoleHost is the address console TCP ports are probed and bound on.
	ConsoleHost string `yaml:"consoleHost"`

	// UDPHost is the address UDP tunnel ports are probed on.
	UDPHost string `yaml:"udpHost"`

	// ConsolePortStart and ConsolePortEnd bound the console port range.
	ConsolePortStart int `yaml:"consolePortStart"`
	ConsolePortEnd   int `yaml:"consolePortEnd"`

	// UDPPortStart and UDPPortEnd bound the UDP tunnel port range.
	UDPPortStart int `yaml:"udpPortStart"`
	UDPPortEnd   int `yaml:"udpPortEnd"`

	// LocalServer marks the server as serving only local clients.
	// Non-local servers sandbox absolute image paths to ImagesDir.
	LocalServer bool `yaml:"localServer"`

	// BridgeBin is the path to the packet bridge companion binary.
	// Empty means search PATH.
	BridgeBin string `yaml:"bridgeBin"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".virtlab")

	return &Config{
		DataDir:          filepath.Join(baseDir, "data"),
		ProjectsDir:      filepath.Join(baseDir, "projects"),
		ImagesDir:        filepath.Join(baseDir, "images"),
		DBPath:           filepath.Join(baseDir, "data", "virtlab.db"),
		ListenAddr:       "127.0.0.1:3080",
		ConsoleHost:      "0.0.0.0",
		UDPHost:          "0.0.0.0",
		ConsolePortStart: 5000,
		ConsolePortEnd:   10000,
		UDPPortStart:     10000,
		UDPPortEnd:       20000,
		LocalServer:      true,
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".virtlab", "virtlabd.yml")
}

// Load reads a YAML config file over the defaults. A missing file is
// not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.ProjectsDir,
		c.ImagesDir,
		filepath.Dir(c.DBPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
