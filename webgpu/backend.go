// Package webgpu implements gpu.Backend on wgpu-native through
// github.com/openfluke/webgpu.
package webgpu

import (
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/pushconst/gpu"
)

// Options steer adapter selection.
type Options struct {
	// PowerPreference is "high-performance", "low-power" or "" for the default.
	PowerPreference string
	// PreferVendor, when set, picks the first adapter whose name or vendor
	// contains it (case-insensitive), as long as it satisfies the request.
	PreferVendor string
}

// Backend creates wgpu devices.
type Backend struct {
	opts Options
}

func New(opts Options) *Backend { return &Backend{opts: opts} }

func (b *Backend) Name() string { return "webgpu" }

func (b *Backend) Adapters() ([]gpu.AdapterInfo, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("failed to create WebGPU instance")
	}
	defer inst.Release()

	var out []gpu.AdapterInfo
	for _, a := range inst.EnumerateAdapters(nil) {
		out = append(out, adapterInfo(a))
		a.Release()
	}
	return out, nil
}

// RequestDevice selects an adapter in this order: the preferred vendor, then
// the first enumerated adapter that satisfies req, then the power preference
// fallbacks. The chosen adapter must still satisfy req.
func (b *Backend) RequestDevice(req gpu.DeviceRequest) (gpu.Device, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("failed to create WebGPU instance")
	}

	adapter, err := b.selectAdapter(inst, req)
	if err != nil {
		inst.Release()
		return nil, err
	}
	info := adapterInfo(adapter)

	limits := requiredLimits(req.RequiredLimits)

	var features []wgpu.FeatureName
	for _, f := range req.RequiredFeatures {
		wf, ok := toFeature(f)
		if !ok {
			adapter.Release()
			inst.Release()
			return nil, fmt.Errorf("feature %s has no wgpu equivalent", f)
		}
		features = append(features, wf)
	}

	dev, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:            req.Label,
		RequiredFeatures: features,
		RequiredLimits:   &wgpu.RequiredLimits{Limits: limits},
	})
	if err != nil {
		adapter.Release()
		inst.Release()
		return nil, fmt.Errorf("request device on %s: %w", info.Name, err)
	}

	negotiated := fromLimits(dev.GetLimits().Limits)
	return &device{
		inst:     inst,
		adapter:  adapter,
		dev:      dev,
		queue:    dev.GetQueue(),
		info:     info,
		limits:   negotiated,
		features: append([]gpu.Feature(nil), req.RequiredFeatures...),
	}, nil
}

func (b *Backend) selectAdapter(inst *wgpu.Instance, req gpu.DeviceRequest) (*wgpu.Adapter, error) {
	var rejected []string
	satisfies := func(a *wgpu.Adapter) bool {
		info := adapterInfo(a)
		for _, f := range req.RequiredFeatures {
			if !info.HasFeature(f) {
				rejected = append(rejected, fmt.Sprintf("%s: missing %s", info.Name, f))
				return false
			}
		}
		if err := info.Limits.Satisfies(req.RequiredLimits); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", info.Name, err))
			return false
		}
		return true
	}

	adapters := inst.EnumerateAdapters(nil)
	var chosen *wgpu.Adapter
	if b.opts.PreferVendor != "" {
		want := strings.ToLower(b.opts.PreferVendor)
		for _, a := range adapters {
			info := a.GetInfo()
			if (strings.Contains(strings.ToLower(info.Name), want) ||
				strings.Contains(strings.ToLower(info.VendorName), want)) && satisfies(a) {
				chosen = a
				break
			}
		}
	}
	if chosen == nil {
		for _, a := range adapters {
			if satisfies(a) {
				chosen = a
				break
			}
		}
	}
	for _, a := range adapters {
		if a != chosen {
			a.Release()
		}
	}
	if chosen != nil {
		return chosen, nil
	}

	// Some platforms enumerate nothing until an adapter is requested.
	prefs := []wgpu.PowerPreference{wgpu.PowerPreferenceHighPerformance, wgpu.PowerPreferenceLowPower}
	if b.opts.PowerPreference == "low-power" {
		prefs[0], prefs[1] = prefs[1], prefs[0]
	}
	for _, p := range prefs {
		a, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: p})
		if err != nil || a == nil {
			continue
		}
		if satisfies(a) {
			return a, nil
		}
		a.Release()
	}
	if len(rejected) == 0 {
		return nil, fmt.Errorf("no WebGPU adapter found")
	}
	return nil, fmt.Errorf("no adapter satisfies the request: %s", strings.Join(rejected, "; "))
}

func adapterInfo(a *wgpu.Adapter) gpu.AdapterInfo {
	info := a.GetInfo()
	supported := a.GetLimits()
	var feats []gpu.Feature
	for _, f := range a.EnumerateFeatures() {
		if gf, ok := fromFeature(f); ok {
			feats = append(feats, gf)
		}
	}
	return gpu.AdapterInfo{
		Name:        strings.TrimSpace(info.Name),
		Vendor:      strings.TrimSpace(info.VendorName),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    info.VendorId,
		DeviceID:    info.DeviceId,
		Limits:      fromLimits(supported.Limits),
		Features:    feats,
	}
}

// requiredLimits leaves every limit undefined except the ones the request
// raises above the WebGPU defaults.
func requiredLimits(want gpu.Limits) wgpu.Limits {
	limits := wgpu.DefaultLimits()
	if want.MaxStorageBuffersPerShaderStage > gpu.DefaultLimits().MaxStorageBuffersPerShaderStage {
		limits.MaxStorageBuffersPerShaderStage = want.MaxStorageBuffersPerShaderStage
	}
	limits.MaxPushConstantSize = want.MaxPushConstantSize
	return limits
}

// fromLimits converts wgpu limits, reading undefined fields as the WebGPU
// defaults.
func fromLimits(l wgpu.Limits) gpu.Limits {
	def := gpu.DefaultLimits()
	u32 := func(v, d uint32) uint32 {
		if v == wgpu.LimitU32Undefined {
			return d
		}
		return v
	}
	u64 := func(v, d uint64) uint64 {
		if v == wgpu.LimitU64Undefined {
			return d
		}
		return v
	}
	return gpu.Limits{
		MaxPushConstantSize:               u32(l.MaxPushConstantSize, def.MaxPushConstantSize),
		MaxStorageBuffersPerShaderStage:   u32(l.MaxStorageBuffersPerShaderStage, def.MaxStorageBuffersPerShaderStage),
		MaxBindingsPerBindGroup:           u32(l.MaxBindingsPerBindGroup, def.MaxBindingsPerBindGroup),
		MaxComputeWorkgroupsPerDimension:  u32(l.MaxComputeWorkgroupsPerDimension, def.MaxComputeWorkgroupsPerDimension),
		MaxComputeWorkgroupSizeX:          u32(l.MaxComputeWorkgroupSizeX, def.MaxComputeWorkgroupSizeX),
		MaxComputeWorkgroupSizeY:          u32(l.MaxComputeWorkgroupSizeY, def.MaxComputeWorkgroupSizeY),
		MaxComputeWorkgroupSizeZ:          u32(l.MaxComputeWorkgroupSizeZ, def.MaxComputeWorkgroupSizeZ),
		MaxComputeInvocationsPerWorkgroup: u32(l.MaxComputeInvocationsPerWorkgroup, def.MaxComputeInvocationsPerWorkgroup),
		MaxStorageBufferBindingSize:       u64(l.MaxStorageBufferBindingSize, def.MaxStorageBufferBindingSize),
		MaxBufferSize:                     u64(l.MaxBufferSize, def.MaxBufferSize),
	}
}

func toFeature(f gpu.Feature) (wgpu.FeatureName, bool) {
	switch f {
	case gpu.FeaturePushConstants:
		return wgpu.FeatureName(wgpu.NativeFeaturePushConstants), true
	default:
		return 0, false
	}
}

func fromFeature(f wgpu.FeatureName) (gpu.Feature, bool) {
	if f == wgpu.FeatureName(wgpu.NativeFeaturePushConstants) {
		return gpu.FeaturePushConstants, true
	}
	return "", false
}
