package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/pushconst/config"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv(config.EnvBackend, "")
	t.Setenv(config.EnvCount, "")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestRunSoftGPU(t *testing.T) {
	out := execute(t, "run", "--backend", "softgpu", "--count", "64", "--seed", "3", "--offset", "0.5")
	assert.Contains(t, out, "64 elements, offset 0.5")
	assert.Contains(t, out, "64/64 elements match")
}

func TestProbeSoftGPU(t *testing.T) {
	out := execute(t, "probe", "--backend", "softgpu")
	var reps []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &reps))
	require.Len(t, reps, 1)
	assert.Equal(t, true, reps[0]["push_constants"])
}

func TestKernelInterface(t *testing.T) {
	out := execute(t, "kernel", "--format", "interface")
	assert.Contains(t, out, "entry main (compute)")
	assert.Contains(t, out, "push_constant params: Params (4 bytes)")
}
