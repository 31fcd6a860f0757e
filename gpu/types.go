package gpu

import "fmt"

// BufferUsage is a bit set describing how a buffer may be used.
type BufferUsage uint32

const (
	BufferUsageMapRead BufferUsage = 1 << iota
	BufferUsageMapWrite
	BufferUsageCopySrc
	BufferUsageCopyDst
	// BufferUsageStorage allows binding the buffer as a storage buffer the kernel reads.
	BufferUsageStorage
	// BufferUsageStorageWrite additionally allows read-write storage bindings.
	// It is only valid together with BufferUsageStorage.
	BufferUsageStorageWrite
)

func (u BufferUsage) Has(f BufferUsage) bool { return u&f == f }

func (u BufferUsage) String() string {
	if u == 0 {
		return "none"
	}
	names := []string{"MapRead", "MapWrite", "CopySrc", "CopyDst", "Storage", "StorageWrite"}
	s := ""
	for i, n := range names {
		if u&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	return s
}

// MapMode selects host read or host write mapping.
type MapMode uint32

const (
	MapModeRead MapMode = iota + 1
	MapModeWrite
)

// MapStatus is reported to a MapAsync callback.
type MapStatus int

const (
	MapStatusSuccess MapStatus = iota
	MapStatusValidationError
	MapStatusAborted
	MapStatusDestroyed
	MapStatusUnknown
)

func (s MapStatus) String() string {
	switch s {
	case MapStatusSuccess:
		return "success"
	case MapStatusValidationError:
		return "validation error"
	case MapStatusAborted:
		return "aborted"
	case MapStatusDestroyed:
		return "destroyed before callback"
	default:
		return "unknown"
	}
}

// ShaderStage is a visibility bit set.
type ShaderStage uint32

const (
	ShaderStageVertex ShaderStage = 1 << iota
	ShaderStageFragment
	ShaderStageCompute
)

// BindingType is the access mode a layout slot declares.
type BindingType int

const (
	BindingReadOnlyStorage BindingType = iota + 1
	BindingStorage
)

func (t BindingType) String() string {
	switch t {
	case BindingReadOnlyStorage:
		return "read-only-storage"
	case BindingStorage:
		return "storage"
	default:
		return fmt.Sprintf("BindingType(%d)", int(t))
	}
}

// Feature names an optional device capability.
type Feature string

const FeaturePushConstants Feature = "push-constants"

// Limits mirrors the subset of WebGPU limits this module negotiates.
type Limits struct {
	MaxPushConstantSize               uint32
	MaxStorageBuffersPerShaderStage   uint32
	MaxBindingsPerBindGroup           uint32
	MaxComputeWorkgroupsPerDimension  uint32
	MaxComputeWorkgroupSizeX          uint32
	MaxComputeWorkgroupSizeY          uint32
	MaxComputeWorkgroupSizeZ          uint32
	MaxComputeInvocationsPerWorkgroup uint32
	MaxStorageBufferBindingSize       uint64
	MaxBufferSize                     uint64
}

// DefaultLimits are the WebGPU downlevel defaults with no push constant space.
func DefaultLimits() Limits {
	return Limits{
		MaxPushConstantSize:               0,
		MaxStorageBuffersPerShaderStage:   8,
		MaxBindingsPerBindGroup:           1000,
		MaxComputeWorkgroupsPerDimension:  65535,
		MaxComputeWorkgroupSizeX:          256,
		MaxComputeWorkgroupSizeY:          256,
		MaxComputeWorkgroupSizeZ:          64,
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxStorageBufferBindingSize:       128 << 20,
		MaxBufferSize:                     256 << 20,
	}
}

// Satisfies reports the first limit in want that l cannot meet.
func (l Limits) Satisfies(want Limits) error {
	type pair struct {
		name      string
		have, req uint64
	}
	for _, p := range []pair{
		{"max_push_constant_size", uint64(l.MaxPushConstantSize), uint64(want.MaxPushConstantSize)},
		{"max_storage_buffers_per_shader_stage", uint64(l.MaxStorageBuffersPerShaderStage), uint64(want.MaxStorageBuffersPerShaderStage)},
		{"max_bindings_per_bind_group", uint64(l.MaxBindingsPerBindGroup), uint64(want.MaxBindingsPerBindGroup)},
		{"max_compute_workgroups_per_dimension", uint64(l.MaxComputeWorkgroupsPerDimension), uint64(want.MaxComputeWorkgroupsPerDimension)},
		{"max_storage_buffer_binding_size", l.MaxStorageBufferBindingSize, want.MaxStorageBufferBindingSize},
		{"max_buffer_size", l.MaxBufferSize, want.MaxBufferSize},
	} {
		if p.req > p.have {
			return fmt.Errorf("%s: requested %d, adapter supports %d", p.name, p.req, p.have)
		}
	}
	return nil
}

// AdapterInfo describes a physical accelerator.
type AdapterInfo struct {
	Name        string
	Vendor      string
	Driver      string
	Backend     string
	AdapterType string
	VendorID    uint32
	DeviceID    uint32
	Limits      Limits
	Features    []Feature
}

func (a AdapterInfo) HasFeature(f Feature) bool {
	for _, x := range a.Features {
		if x == f {
			return true
		}
	}
	return false
}

// DeviceRequest is what a Backend must satisfy to hand out a Device.
// Fields of RequiredLimits left at zero are not checked.
type DeviceRequest struct {
	Label            string
	RequiredFeatures []Feature
	RequiredLimits   Limits
}

// BufferDescriptor describes an empty buffer.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// BufferInitDescriptor describes a buffer created holding Contents.
type BufferInitDescriptor struct {
	Label    string
	Contents []byte
	Usage    BufferUsage
}

// LayoutEntry declares one slot of a binding layout.
type LayoutEntry struct {
	Binding    uint32
	Visibility ShaderStage
	Type       BindingType
}

// BindGroupLayoutDescriptor is passed to Device.CreateBindGroupLayout.
type BindGroupLayoutDescriptor struct {
	Label   string
	Entries []LayoutEntry
}

// BindingEntry attaches a buffer range to a slot. Size 0 means "to the end".
type BindingEntry struct {
	Binding uint32
	Buffer  Buffer
	Offset  uint64
	Size    uint64
}

// BindGroupDescriptor is passed to Device.CreateBindGroup.
type BindGroupDescriptor struct {
	Label   string
	Layout  BindGroupLayout
	Entries []BindingEntry
}

// PushConstantRange is a byte range [Start, End) visible to Stages.
type PushConstantRange struct {
	Stages ShaderStage
	Start  uint32
	End    uint32
}

func (r PushConstantRange) Size() uint32 { return r.End - r.Start }

// HostKernel runs one invocation of a program on the host device.
// bindings holds the bound byte range of every slot, push the push constant bytes.
type HostKernel func(gid [3]uint32, bindings map[uint32][]byte, push []byte)

// ShaderProgram is a kernel in every form a backend may need. WGSL is the
// canonical declaration of the kernel's interface; OKL is the OCCA source and
// Host the form executed by the host device.
type ShaderProgram struct {
	Label         string
	EntryPoint    string
	WGSL          string
	// OKL is compiled from OKLEntryPoint; OKL kernels cannot be called main.
	OKL           string
	OKLEntryPoint string
	Host          HostKernel
}

// ComputePipelineDescriptor is passed to Device.CreateComputePipeline.
type ComputePipelineDescriptor struct {
	Label              string
	Program            *ShaderProgram
	Layout             BindGroupLayout
	PushConstantRanges []PushConstantRange
}

// Grid is a dispatch size in workgroups.
type Grid struct {
	X, Y, Z uint32
}

func (g Grid) Total() uint64 { return uint64(g.X) * uint64(g.Y) * uint64(g.Z) }
