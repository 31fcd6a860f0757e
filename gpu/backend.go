package gpu

// Backend is implemented by device providers (host emulation, wgpu-native, OCCA).
// It is responsible for adapter discovery and device creation.
type Backend interface {
	Name() string
	Adapters() ([]AdapterInfo, error)
	// RequestDevice returns a device from the first adapter that satisfies req.
	RequestDevice(req DeviceRequest) (Device, error)
}

// Device creates resources and owns the submission queue.
//
// Resource creation returns validation errors eagerly. Encoding errors are
// deferred to CommandEncoder.Finish, as in WebGPU.
type Device interface {
	Info() AdapterInfo
	// Limits are the negotiated limits, not the adapter maximums.
	Limits() Limits
	Features() []Feature

	CreateBuffer(desc *BufferDescriptor) (Buffer, error)
	CreateBufferInit(desc *BufferInitDescriptor) (Buffer, error)
	CreateBindGroupLayout(desc *BindGroupLayoutDescriptor) (BindGroupLayout, error)
	CreateBindGroup(desc *BindGroupDescriptor) (BindGroup, error)
	CreateComputePipeline(desc *ComputePipelineDescriptor) (ComputePipeline, error)
	CreateCommandEncoder(label string) (CommandEncoder, error)

	Queue() Queue
	// Poll advances submitted work and fires map callbacks. With wait set it
	// blocks until the queue is empty. It reports whether the queue is empty.
	Poll(wait bool) bool
	Release()
}

// Queue is the FIFO submission channel of a device.
type Queue interface {
	Submit(cmds ...CommandBuffer) error
}

// Buffer is a block of device memory.
type Buffer interface {
	Label() string
	Size() uint64
	Usage() BufferUsage
	// MapAsync requests a host mapping. The callback fires from Device.Poll.
	MapAsync(mode MapMode, offset, size uint64, callback func(MapStatus)) error
	// MappedRange returns the mapped bytes. Only valid while mapped.
	MappedRange(offset, size uint64) ([]byte, error)
	Unmap() error
	Destroy()
}

type BindGroupLayout interface {
	Entries() []LayoutEntry
	Release()
}

type BindGroup interface {
	Release()
}

type ComputePipeline interface {
	Release()
}

// CommandEncoder records commands into a single-use CommandBuffer.
type CommandEncoder interface {
	BeginComputePass(label string) ComputePassEncoder
	CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64)
	Finish() (CommandBuffer, error)
	Release()
}

// ComputePassEncoder records compute commands. It must be ended before the
// owning encoder is finished.
type ComputePassEncoder interface {
	SetPipeline(p ComputePipeline)
	SetBindGroup(index uint32, group BindGroup)
	SetPushConstants(offset uint32, data []byte)
	DispatchWorkgroups(x, y, z uint32)
	End() error
}

// CommandBuffer is a finished, submit-once batch of commands.
type CommandBuffer interface {
	Release()
}
