// Package softgpu is a host-memory device. It enforces the same validation
// rules as a WebGPU implementation and runs kernels through their host form,
// which makes the orchestration testable on machines without an accelerator.
package softgpu

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/openfluke/pushconst/gpu"
)

// DefaultMaxPushConstantSize matches the Vulkan minimum guarantee.
const DefaultMaxPushConstantSize = 128

// Config sizes the emulated adapter.
type Config struct {
	// MaxPushConstantSize is the adapter maximum; 0 means DefaultMaxPushConstantSize.
	MaxPushConstantSize uint32
	// Workers is the number of goroutines running workgroups; 0 means GOMAXPROCS.
	Workers int
	// NoPushConstants hides the push constant feature.
	NoPushConstants bool
}

// Backend hands out host devices.
type Backend struct {
	cfg Config
}

func New(cfg Config) *Backend {
	if cfg.MaxPushConstantSize == 0 {
		cfg.MaxPushConstantSize = DefaultMaxPushConstantSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "softgpu" }

func (b *Backend) adapter() gpu.AdapterInfo {
	limits := gpu.DefaultLimits()
	limits.MaxPushConstantSize = b.cfg.MaxPushConstantSize
	var feats []gpu.Feature
	if !b.cfg.NoPushConstants {
		feats = append(feats, gpu.FeaturePushConstants)
	}
	return gpu.AdapterInfo{
		Name:        "softgpu (" + runtime.GOARCH + " " + cpuFeatures() + ")",
		Vendor:      "pushconst",
		Driver:      fmt.Sprintf("host, %d workers", b.cfg.Workers),
		Backend:     "host",
		AdapterType: "cpu",
		Limits:      limits,
		Features:    feats,
	}
}

func (b *Backend) Adapters() ([]gpu.AdapterInfo, error) {
	return []gpu.AdapterInfo{b.adapter()}, nil
}

// RequestDevice negotiates a device. Like WebGPU, the device's limits are the
// requested ones (defaults where unset), not the adapter maximums.
func (b *Backend) RequestDevice(req gpu.DeviceRequest) (gpu.Device, error) {
	info := b.adapter()
	for _, f := range req.RequiredFeatures {
		if !info.HasFeature(f) {
			return nil, fmt.Errorf("softgpu: adapter does not support feature %s", f)
		}
	}
	if err := info.Limits.Satisfies(req.RequiredLimits); err != nil {
		return nil, fmt.Errorf("softgpu: %w", err)
	}

	limits := gpu.DefaultLimits()
	limits.MaxPushConstantSize = req.RequiredLimits.MaxPushConstantSize
	if req.RequiredLimits.MaxStorageBuffersPerShaderStage > limits.MaxStorageBuffersPerShaderStage {
		limits.MaxStorageBuffersPerShaderStage = req.RequiredLimits.MaxStorageBuffersPerShaderStage
	}

	return newDevice(req.Label, info, limits, req.RequiredFeatures, b.cfg.Workers), nil
}

func cpuFeatures() string {
	var fs []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX2 {
			fs = append(fs, "avx2")
		}
		if cpu.X86.HasAVX512F {
			fs = append(fs, "avx512f")
		}
		if cpu.X86.HasFMA {
			fs = append(fs, "fma")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			fs = append(fs, "asimd")
		}
		if cpu.ARM64.HasSVE {
			fs = append(fs, "sve")
		}
	}
	if len(fs) == 0 {
		return "generic"
	}
	return strings.Join(fs, ",")
}
