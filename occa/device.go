//go:build occa

package occa

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/openfluke/pushconst/gpu"
)

// Backend opens one OCCA device per RequestDevice.
type Backend struct {
	mode string
}

// New returns a backend for the OCCA device described by the JSON mode
// string, for example {"mode": "CUDA", "device_id": 0}.
func New(mode string) (*Backend, error) {
	if mode == "" {
		mode = DefaultMode
	}
	return &Backend{mode: mode}, nil
}

func (b *Backend) Name() string { return "occa" }

func (b *Backend) Adapters() ([]gpu.AdapterInfo, error) {
	dev, err := gocca.NewDevice(b.mode)
	if err != nil {
		return nil, fmt.Errorf("occa device %s: %w", b.mode, err)
	}
	defer dev.Free()
	return []gpu.AdapterInfo{adapterInfo(dev)}, nil
}

func (b *Backend) RequestDevice(req gpu.DeviceRequest) (gpu.Device, error) {
	dev, err := gocca.NewDevice(b.mode)
	if err != nil {
		return nil, fmt.Errorf("occa device %s: %w", b.mode, err)
	}
	info := adapterInfo(dev)
	for _, f := range req.RequiredFeatures {
		if !info.HasFeature(f) {
			dev.Free()
			return nil, fmt.Errorf("%s lacks %s", info.Name, f)
		}
	}
	if err := info.Limits.Satisfies(req.RequiredLimits); err != nil {
		dev.Free()
		return nil, fmt.Errorf("%s: %w", info.Name, err)
	}
	limits := info.Limits
	limits.MaxPushConstantSize = req.RequiredLimits.MaxPushConstantSize
	return &device{
		dev:     dev,
		info:    info,
		limits:  limits,
		buffers: map[*buffer]struct{}{},
	}, nil
}

func adapterInfo(dev *gocca.OCCADevice) gpu.AdapterInfo {
	l := gpu.DefaultLimits()
	l.MaxPushConstantSize = maxPushConstantSize
	return gpu.AdapterInfo{
		Name:        "OCCA " + dev.Mode(),
		Vendor:      "occa",
		Backend:     dev.Mode(),
		AdapterType: "occa",
		Limits:      l,
		Features:    []gpu.Feature{gpu.FeaturePushConstants},
	}
}

type device struct {
	mu       sync.Mutex
	dev      *gocca.OCCADevice
	info     gpu.AdapterInfo
	limits   gpu.Limits
	buffers  map[*buffer]struct{}
	maps     []*buffer
	copier   *gocca.OCCAKernel
	released bool
}

func (d *device) Info() gpu.AdapterInfo   { return d.info }
func (d *device) Limits() gpu.Limits      { return d.limits }
func (d *device) Features() []gpu.Feature { return []gpu.Feature{gpu.FeaturePushConstants} }
func (d *device) Queue() gpu.Queue        { return (*queue)(d) }

func (d *device) newBuffer(label string, size uint64, usage gpu.BufferUsage, contents []byte) (*buffer, error) {
	if err := gpu.ValidateBufferDescriptor(size, usage, d.limits); err != nil {
		return nil, fmt.Errorf("buffer %s: %w", label, err)
	}
	b := &buffer{dev: d, label: label, size: size, usage: usage, host: make([]byte, size)}
	copy(b.host, contents)
	// Mappable staging buffers live on the host only; everything else has
	// device memory the kernels can see.
	if size > 0 && !usage.Has(gpu.BufferUsageMapRead) && !usage.Has(gpu.BufferUsageMapWrite) {
		b.mem = d.dev.Malloc(int64(size), unsafe.Pointer(&b.host[0]), nil)
		if b.mem == nil {
			return nil, fmt.Errorf("buffer %s: OCCA malloc of %d bytes failed", label, size)
		}
	}
	d.mu.Lock()
	d.buffers[b] = struct{}{}
	d.mu.Unlock()
	return b, nil
}

func (d *device) CreateBuffer(desc *gpu.BufferDescriptor) (gpu.Buffer, error) {
	return d.newBuffer(desc.Label, desc.Size, desc.Usage, nil)
}

func (d *device) CreateBufferInit(desc *gpu.BufferInitDescriptor) (gpu.Buffer, error) {
	return d.newBuffer(desc.Label, uint64(len(desc.Contents)), desc.Usage, desc.Contents)
}

type bindGroupLayout struct{ entries []gpu.LayoutEntry }

func (l *bindGroupLayout) Entries() []gpu.LayoutEntry { return append([]gpu.LayoutEntry(nil), l.entries...) }
func (l *bindGroupLayout) Release()                   {}

func (d *device) CreateBindGroupLayout(desc *gpu.BindGroupLayoutDescriptor) (gpu.BindGroupLayout, error) {
	entries, err := gpu.ValidateLayoutEntries(desc.Entries, d.limits)
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", desc.Label, err)
	}
	return &bindGroupLayout{entries: entries}, nil
}

type bindGroup struct {
	layout *bindGroupLayout
	// buffers in binding order
	buffers []*buffer
}

func (g *bindGroup) Release() {}

func (d *device) CreateBindGroup(desc *gpu.BindGroupDescriptor) (gpu.BindGroup, error) {
	layout, ok := desc.Layout.(*bindGroupLayout)
	if !ok {
		return nil, fmt.Errorf("bind group %s: layout is not an occa layout", desc.Label)
	}
	resolved, err := gpu.ValidateBindingEntries(layout.entries, desc.Entries)
	if err != nil {
		return nil, fmt.Errorf("bind group %s: %w", desc.Label, err)
	}
	g := &bindGroup{layout: layout}
	for _, e := range resolved {
		b, ok := e.Buffer.(*buffer)
		if !ok || b.mem == nil {
			return nil, fmt.Errorf("bind group %s: binding %d is not an occa device buffer", desc.Label, e.Binding)
		}
		// Kernel arguments are whole allocations.
		if e.Offset != 0 || e.Size != b.size {
			return nil, fmt.Errorf("bind group %s: binding %d must cover the whole buffer", desc.Label, e.Binding)
		}
		g.buffers = append(g.buffers, b)
	}
	return g, nil
}

type pipeline struct {
	layout *bindGroupLayout
	kernel *gocca.OCCAKernel
	push   gpu.PushConstantRange
	wg     [3]uint32
}

func (p *pipeline) Release() {
	if p.kernel != nil {
		p.kernel.Free()
		p.kernel = nil
	}
}

func (d *device) CreateComputePipeline(desc *gpu.ComputePipelineDescriptor) (gpu.ComputePipeline, error) {
	layout, ok := desc.Layout.(*bindGroupLayout)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: layout is not an occa layout", desc.Label)
	}
	if len(desc.PushConstantRanges) > 1 {
		return nil, fmt.Errorf("pipeline %s: at most one push constant range", desc.Label)
	}
	var push gpu.PushConstantRange
	if len(desc.PushConstantRanges) == 1 {
		push = desc.PushConstantRanges[0]
		if push.Start != 0 || push.End%4 != 0 || push.End > d.limits.MaxPushConstantSize {
			return nil, fmt.Errorf("pipeline %s: push range [%d,%d) not supported", desc.Label, push.Start, push.End)
		}
	}
	iface, err := gpu.LinkProgram(desc.Program, layout.entries, push.Size())
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", desc.Label, err)
	}
	if desc.Program.OKL == "" || desc.Program.OKLEntryPoint == "" {
		return nil, fmt.Errorf("pipeline %s: program %s has no OKL form", desc.Label, desc.Program.Label)
	}

	var k *gocca.OCCAKernel
	if d.dev.Mode() == "OpenMP" {
		// OpenMP builds without -O3 unless asked.
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		k, err = d.dev.BuildKernelFromString(desc.Program.OKL, desc.Program.OKLEntryPoint, props)
	} else {
		k, err = d.dev.BuildKernelFromString(desc.Program.OKL, desc.Program.OKLEntryPoint, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: build %s: %w", desc.Label, desc.Program.OKLEntryPoint, err)
	}
	return &pipeline{layout: layout, kernel: k, push: push, wg: iface.WorkgroupSize}, nil
}

func (d *device) CreateCommandEncoder(label string) (gpu.CommandEncoder, error) {
	return &encoder{dev: d, label: label}, nil
}

// Poll waits for the device, then completes pending maps. Submissions run
// eagerly, so the queue is always empty afterwards.
func (d *device) Poll(wait bool) bool {
	d.dev.Finish()
	d.mu.Lock()
	maps := d.maps
	d.maps = nil
	var fire []func()
	for _, b := range maps {
		if b.state != mapPending {
			continue
		}
		if b.mem != nil {
			b.mem.CopyTo(unsafe.Pointer(&b.host[0]), int64(b.size))
		}
		b.state = mapped
		cb := b.callback
		b.callback = nil
		fire = append(fire, func() { cb(gpu.MapStatusSuccess) })
	}
	d.mu.Unlock()
	for _, f := range fire {
		f()
	}
	return true
}

func (d *device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	d.released = true
	for b := range d.buffers {
		b.freeLocked()
	}
	if d.copier != nil {
		d.copier.Free()
	}
	d.dev.Free()
}

type queue device

func (q *queue) Submit(cbs ...gpu.CommandBuffer) error {
	d := (*device)(q)
	for _, cb := range cbs {
		c, ok := cb.(*commandBuffer)
		if !ok || c.dev != d {
			return fmt.Errorf("submit: command buffer is not from this device")
		}
		if c.submitted {
			return fmt.Errorf("submit: command buffer %s already submitted", c.label)
		}
		c.submitted = true
		if err := d.execute(c); err != nil {
			return fmt.Errorf("submit %s: %w", c.label, err)
		}
	}
	return nil
}

func (d *device) execute(c *commandBuffer) error {
	for _, cmd := range c.cmds {
		switch cmd.kind {
		case cmdDispatch:
			if err := runDispatch(cmd); err != nil {
				return err
			}
		case cmdCopy:
			if err := copyBuffer(d, cmd); err != nil {
				return err
			}
		}
	}
	return nil
}

// runDispatch calls the kernel with the invocation count, the bound buffers in
// binding order and the push constant words. The count is clamped to the
// smallest bound buffer.
func runDispatch(cmd command) error {
	invocations := cmd.grid.Total() * uint64(cmd.pipeline.wg[0]) * uint64(cmd.pipeline.wg[1]) * uint64(cmd.pipeline.wg[2])
	for _, b := range cmd.group.buffers {
		if elems := b.size / 4; elems < invocations {
			invocations = elems
		}
	}
	if invocations > math.MaxInt32 {
		return fmt.Errorf("dispatch of %d invocations exceeds the OCCA index range", invocations)
	}
	args := []interface{}{int32(invocations)}
	for _, b := range cmd.group.buffers {
		args = append(args, b.mem)
	}
	for off := 0; off+4 <= len(cmd.push); off += 4 {
		args = append(args, math.Float32frombits(binary.LittleEndian.Uint32(cmd.push[off:])))
	}
	if err := cmd.pipeline.kernel.RunWithArgs(args...); err != nil {
		return fmt.Errorf("kernel execution failed: %w", err)
	}
	return nil
}

const copyOKL = `
@kernel void pushconstCopy(const int n,
                           const int srcOff,
                           const int dstOff,
                           const float *src,
                           float *dst) {
  for (int i = 0; i < n; ++i; @tile(64, @outer, @inner)) {
    dst[dstOff + i] = src[srcOff + i];
  }
}
`

// copyKernel builds the device-to-device copy kernel on first use.
func (d *device) copyKernel() (*gocca.OCCAKernel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.copier != nil {
		return d.copier, nil
	}
	k, err := d.dev.BuildKernelFromString(copyOKL, "pushconstCopy", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build copy kernel: %w", err)
	}
	d.copier = k
	return k, nil
}

// copyBuffer copies between device buffers with the copy kernel, and through
// the host shadow when either side lives on the host only.
func copyBuffer(d *device, cmd command) error {
	src, dst := cmd.src, cmd.dst
	if src.mem != nil && dst.mem != nil {
		k, err := d.copyKernel()
		if err != nil {
			return err
		}
		if err := k.RunWithArgs(int32(cmd.size/4), int32(cmd.srcOff/4), int32(cmd.dstOff/4), src.mem, dst.mem); err != nil {
			return fmt.Errorf("copy %s -> %s: %w", src.label, dst.label, err)
		}
		return nil
	}

	d.dev.Finish()
	d.mu.Lock()
	defer d.mu.Unlock()
	if src.mem != nil {
		src.mem.CopyTo(unsafe.Pointer(&src.host[0]), int64(src.size))
	}
	if dst.mem != nil {
		dst.mem.CopyTo(unsafe.Pointer(&dst.host[0]), int64(dst.size))
	}
	copy(dst.host[cmd.dstOff:cmd.dstOff+cmd.size], src.host[cmd.srcOff:cmd.srcOff+cmd.size])
	if dst.mem != nil {
		dst.mem.CopyFrom(unsafe.Pointer(&dst.host[0]), int64(dst.size))
	}
	return nil
}
