package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WorkerConfig describes one inference worker the gateway will manage.
type WorkerConfig struct {
	ID         int    `yaml:"id"`
	APIAddress string `yaml:"api_address"`
	WebAddress string `yaml:"web_address"`
	// OverQueue is how many jobs beyond the first may queue on this worker
	// at once. Concurrency limit is 1 + OverQueue.
	OverQueue int  `yaml:"over_queue"`
	CanIdle   bool `yaml:"can_idle"`
}

// Config is the gateway configuration, loaded from YAML.
type Config struct {
	Listen  string         `yaml:"listen"`
	LogPath string         `yaml:"log_path"`
	Workers []WorkerConfig `yaml:"workers"`

	// AutoscaleScript, if set, is run when a job submission finds no
	// eligible worker, to request extra capacity out of band.
	AutoscaleScript string `yaml:"autoscale_script"`

	// RestartOnGPUFault requests a gateway-wide restart when a worker
	// reports a GPU driver fault during job execution.
	RestartOnGPUFault bool `yaml:"restart_on_gpu_fault"`
}

// DefaultPath returns the config file path.
// Priority: COMFYGATE_CONFIG env var > default under the home dir.
func DefaultPath() string {
	if envPath := os.Getenv("COMFYGATE_CONFIG"); envPath != "" {
		return envPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/.comfygate/config.yaml"
	}
	return filepath.Join(home, ".comfygate", "config.yaml")
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Listen: ":7821",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	seen := map[int]bool{}
	for i, w := range cfg.Workers {
		if w.APIAddress == "" {
			// Allowed: a worker with no address stays disabled until
			// reconfigured.
			continue
		}
		if w.WebAddress == "" {
			cfg.Workers[i].WebAddress = w.APIAddress
		}
		if w.OverQueue < 0 {
			return nil, fmt.Errorf("worker %d: over_queue must be >= 0", w.ID)
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("duplicate worker id %d", w.ID)
		}
		seen[w.ID] = true
	}
	return cfg, nil
}
