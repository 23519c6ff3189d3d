package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPath_EnvVarOverridesDefault(t *testing.T) {
	os.Setenv("COMFYGATE_CONFIG", "/custom/config.yaml")
	defer os.Unsetenv("COMFYGATE_CONFIG")

	assert.Equal(t, "/custom/config.yaml", DefaultPath())
}

func TestDefaultPath_DefaultsToHomeDir(t *testing.T) {
	os.Unsetenv("COMFYGATE_CONFIG")

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".comfygate", "config.yaml"), DefaultPath())
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
workers:
  - id: 0
    api_address: "http://127.0.0.1:8188"
`))
	require.NoError(t, err)
	assert.Equal(t, ":7821", cfg.Listen)
	require.Len(t, cfg.Workers, 1)
	// web_address falls back to api_address
	assert.Equal(t, "http://127.0.0.1:8188", cfg.Workers[0].WebAddress)
	assert.Equal(t, 0, cfg.Workers[0].OverQueue)
}

func TestParse_DuplicateWorkerID(t *testing.T) {
	_, err := Parse([]byte(`
workers:
  - id: 1
    api_address: "http://a:8188"
  - id: 1
    api_address: "http://b:8188"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate worker id")
}

func TestParse_NegativeOverQueue(t *testing.T) {
	_, err := Parse([]byte(`
workers:
  - id: 3
    api_address: "http://a:8188"
    over_queue: -1
`))
	require.Error(t, err)
}

func TestParse_AddresslessWorkerAllowed(t *testing.T) {
	cfg, err := Parse([]byte(`
workers:
  - id: 7
`))
	require.NoError(t, err)
	require.Len(t, cfg.Workers, 1)
	assert.Empty(t, cfg.Workers[0].APIAddress)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
