// Package detector probes a backend's adapters and reports whether they can
// run push constant kernels, with portable launch recommendations.
package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/openfluke/pushconst/gpu"
)

// Report is a portable summary of one adapter's capabilities.
type Report struct {
	WhenISO     string `json:"when_iso"`
	Runtime     string `json:"runtime"`
	Backend     string `json:"backend"`
	AdapterType string `json:"adapter_type"`
	VendorID    string `json:"vendor_id_hex"`
	DeviceID    string `json:"device_id_hex"`
	Name        string `json:"name"`
	Driver      string `json:"driver"`

	// PushConstants is true when the adapter exposes the push constant
	// feature with room for at least one 4-byte word.
	PushConstants bool              `json:"push_constants"`
	Recommended   Recommendations   `json:"recommended"`
	Limits        Limits            `json:"limits"`
	Features      []string          `json:"features"`
	Env           map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxPushConstantSize               uint32 `json:"max_push_constant_size"`
	MaxStorageBuffersPerShaderStage   uint32 `json:"max_storage_buffers_per_shader_stage"`
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupSizeY          uint32 `json:"max_compute_workgroup_size_y"`
	MaxComputeWorkgroupSizeZ          uint32 `json:"max_compute_workgroup_size_z"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	WorkgroupX uint32 `json:"workgroup_x"`
	WorkgroupY uint32 `json:"workgroup_y"`
	WorkgroupZ uint32 `json:"workgroup_z"`

	// MaxElements is the largest add-offset dispatch one workgroup per
	// element can cover, bounded by the dispatch and binding limits.
	MaxElements uint64 `json:"max_elements"`

	// Soft budget in bytes for staging and temporaries.
	BudgetBytes uint64 `json:"budget_bytes"`
}

// BudgetEnv overrides the recommended budget, in MiB.
const BudgetEnv = "PUSHCONST_BUDGET_MB"

// DetectJSON probes b and returns the reports as indented JSON.
func DetectJSON(b gpu.Backend) (string, error) {
	reps, err := Detect(b)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(reps, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Detect reports on every adapter b enumerates.
func Detect(b gpu.Backend) ([]*Report, error) {
	adapters, err := b.Adapters()
	if err != nil {
		return nil, fmt.Errorf("%s: enumerate adapters: %w", b.Name(), err)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%s: no adapter", b.Name())
	}
	reps := make([]*Report, 0, len(adapters))
	for _, a := range adapters {
		reps = append(reps, report(b.Name(), a))
	}
	return reps, nil
}

func report(backend string, info gpu.AdapterInfo) *Report {
	l := info.Limits
	wgX, wgY, wgZ := chooseWorkgroup(l)

	budget := uint64(128 * 1024 * 1024)
	if mbStr := os.Getenv(BudgetEnv); mbStr != "" {
		if mb, err := strconv.Atoi(mbStr); err == nil && mb > 0 {
			budget = uint64(mb) * 1024 * 1024
		}
	}

	feats := make([]string, 0, len(info.Features))
	for _, f := range info.Features {
		feats = append(feats, string(f))
	}
	name := info.Backend
	if name == "" {
		name = backend
	}

	return &Report{
		WhenISO:       time.Now().UTC().Format(time.RFC3339),
		Runtime:       detectRuntime(),
		Backend:       name,
		AdapterType:   info.AdapterType,
		VendorID:      fmt.Sprintf("0x%04x", info.VendorID),
		DeviceID:      fmt.Sprintf("0x%04x", info.DeviceID),
		Name:          info.Name,
		Driver:        info.Driver,
		PushConstants: info.HasFeature(gpu.FeaturePushConstants) && l.MaxPushConstantSize >= 4,
		Limits: Limits{
			MaxPushConstantSize:               l.MaxPushConstantSize,
			MaxStorageBuffersPerShaderStage:   l.MaxStorageBuffersPerShaderStage,
			MaxComputeInvocationsPerWorkgroup: l.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          l.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupSizeY:          l.MaxComputeWorkgroupSizeY,
			MaxComputeWorkgroupSizeZ:          l.MaxComputeWorkgroupSizeZ,
			MaxComputeWorkgroupsPerDimension:  l.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       l.MaxStorageBufferBindingSize,
			MaxBufferSize:                     l.MaxBufferSize,
		},
		Features: feats,
		Recommended: Recommendations{
			WorkgroupX: wgX, WorkgroupY: wgY, WorkgroupZ: wgZ,
			MaxElements: maxElements(l),
			BudgetBytes: budget,
		},
		Env: pickEnv([]string{BudgetEnv}),
	}
}

func chooseWorkgroup(l gpu.Limits) (uint32, uint32, uint32) {
	maxX := l.MaxComputeWorkgroupSizeX
	maxTot := l.MaxComputeInvocationsPerWorkgroup

	candidates := []uint32{256, 128, 64, 32, 16, 8, 4, 1}
	for _, c := range candidates {
		if c <= maxX && c <= maxTot {
			return c, 1, 1
		}
	}
	return 1, 1, 1
}

func maxElements(l gpu.Limits) uint64 {
	n := uint64(l.MaxComputeWorkgroupsPerDimension)
	if byBinding := l.MaxStorageBufferBindingSize / 4; byBinding < n {
		n = byBinding
	}
	return n
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
