package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/pushconst/softgpu"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pushconst.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv(EnvBackend, "")
	t.Setenv(EnvCount, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "webgpu", cfg.Backend)
	assert.Equal(t, 10, cfg.Count)
	assert.Equal(t, uint32(4), cfg.PushConstantSize)
	assert.Zero(t, cfg.SyncTimeout)
	assert.Nil(t, cfg.Offset)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvBackend, "")
	t.Setenv(EnvCount, "")
	path := writeConfig(t, `
backend: softgpu
count: 1000
seed: 42
offset: 0.5
sync_timeout: 2s
softgpu:
  workers: 3
webgpu:
  prefer_vendor: nvidia
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "softgpu", cfg.Backend)
	assert.Equal(t, 1000, cfg.Count)
	assert.Equal(t, uint64(42), cfg.Seed)
	require.NotNil(t, cfg.Offset)
	assert.Equal(t, float32(0.5), *cfg.Offset)
	assert.Equal(t, 2*time.Second, cfg.SyncTimeout)
	assert.Equal(t, 3, cfg.SoftGPU.Workers)
	assert.Equal(t, uint32(softgpu.DefaultMaxPushConstantSize), cfg.SoftGPU.MaxPushConstantSize, "unset fields keep defaults")
	assert.Equal(t, "nvidia", cfg.WebGPU.PreferVendor)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "backend: webgpu\ncount: 5\n")
	t.Setenv(EnvBackend, "SoftGPU")
	t.Setenv(EnvCount, "7")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "softgpu", cfg.Backend)
	assert.Equal(t, 7, cfg.Count)
}

func TestInvalid(t *testing.T) {
	t.Setenv(EnvBackend, "")
	t.Setenv(EnvCount, "")
	for name, body := range map[string]string{
		"backend":   "backend: vulkan\n",
		"push size": "push_constant_size: 6\n",
		"count":     "count: -1\n",
		"power":     "webgpu:\n  power_preference: turbo\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	t.Setenv(EnvCount, "ten")
	_, err := Load("")
	require.Error(t, err)
}

func TestOpenBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "softgpu"
	cfg.SoftGPU.MaxPushConstantSize = 16
	b, err := cfg.OpenBackend()
	require.NoError(t, err)
	assert.Equal(t, "softgpu", b.Name())

	adapters, err := b.Adapters()
	require.NoError(t, err)
	assert.Equal(t, uint32(16), adapters[0].Limits.MaxPushConstantSize)

	cfg.Backend = "webgpu"
	b, err = cfg.OpenBackend()
	require.NoError(t, err)
	assert.Equal(t, "webgpu", b.Name())
}
