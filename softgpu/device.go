package softgpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/pushconst/gpu"
	"github.com/openfluke/pushconst/wgsl"
)

type device struct {
	mu sync.Mutex

	label    string
	info     gpu.AdapterInfo
	limits   gpu.Limits
	features []gpu.Feature
	workers  int

	buffers  map[*buffer]struct{}
	pending  []*commandBuffer
	maps     []*buffer
	released bool
}

func newDevice(label string, info gpu.AdapterInfo, limits gpu.Limits, features []gpu.Feature, workers int) *device {
	return &device{
		label:    label,
		info:     info,
		limits:   limits,
		features: append([]gpu.Feature(nil), features...),
		workers:  workers,
		buffers:  map[*buffer]struct{}{},
	}
}

func (d *device) Info() gpu.AdapterInfo   { return d.info }
func (d *device) Limits() gpu.Limits      { return d.limits }
func (d *device) Features() []gpu.Feature { return append([]gpu.Feature(nil), d.features...) }
func (d *device) Queue() gpu.Queue        { return (*queue)(d) }

func (d *device) alive() error {
	if d.released {
		return fmt.Errorf("softgpu: device %s released", d.label)
	}
	return nil
}

func (d *device) CreateBuffer(desc *gpu.BufferDescriptor) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return nil, err
	}
	if err := gpu.ValidateBufferDescriptor(desc.Size, desc.Usage, d.limits); err != nil {
		return nil, fmt.Errorf("softgpu: %s: %w", desc.Label, err)
	}
	b := &buffer{dev: d, label: desc.Label, usage: desc.Usage, data: make([]byte, desc.Size)}
	d.buffers[b] = struct{}{}
	return b, nil
}

func (d *device) CreateBufferInit(desc *gpu.BufferInitDescriptor) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return nil, err
	}
	if err := gpu.ValidateBufferDescriptor(uint64(len(desc.Contents)), desc.Usage, d.limits); err != nil {
		return nil, fmt.Errorf("softgpu: %s: %w", desc.Label, err)
	}
	data := make([]byte, len(desc.Contents))
	copy(data, desc.Contents)
	b := &buffer{dev: d, label: desc.Label, usage: desc.Usage, data: data}
	d.buffers[b] = struct{}{}
	return b, nil
}

type bindGroupLayout struct {
	label   string
	entries []gpu.LayoutEntry
}

func (l *bindGroupLayout) Entries() []gpu.LayoutEntry {
	return append([]gpu.LayoutEntry(nil), l.entries...)
}
func (l *bindGroupLayout) Release() {}

func (d *device) CreateBindGroupLayout(desc *gpu.BindGroupLayoutDescriptor) (gpu.BindGroupLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return nil, err
	}
	entries, err := gpu.ValidateLayoutEntries(desc.Entries, d.limits)
	if err != nil {
		return nil, fmt.Errorf("softgpu: layout %s: %w", desc.Label, err)
	}
	return &bindGroupLayout{label: desc.Label, entries: entries}, nil
}

type bindGroup struct {
	label   string
	layout  *bindGroupLayout
	entries []gpu.BindingEntry
	buffers []*buffer
}

func (g *bindGroup) Release() {}

// views returns the bound byte range of every slot.
func (g *bindGroup) views() map[uint32][]byte {
	out := make(map[uint32][]byte, len(g.entries))
	for i, e := range g.entries {
		out[e.Binding] = g.buffers[i].view(e.Offset, e.Size)
	}
	return out
}

func (d *device) CreateBindGroup(desc *gpu.BindGroupDescriptor) (gpu.BindGroup, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return nil, err
	}
	layout, ok := desc.Layout.(*bindGroupLayout)
	if !ok || layout == nil {
		return nil, fmt.Errorf("softgpu: bind group %s: layout is not a softgpu layout", desc.Label)
	}
	entries, err := gpu.ValidateBindingEntries(layout.entries, desc.Entries)
	if err != nil {
		return nil, fmt.Errorf("softgpu: bind group %s: %w", desc.Label, err)
	}
	bufs := make([]*buffer, len(entries))
	for i, e := range entries {
		b, err := d.ownBufferLocked(e.Buffer)
		if err != nil {
			return nil, fmt.Errorf("softgpu: bind group %s: binding %d: %w", desc.Label, e.Binding, err)
		}
		bufs[i] = b
	}
	return &bindGroup{label: desc.Label, layout: layout, entries: entries, buffers: bufs}, nil
}

type pipeline struct {
	label     string
	layout    *bindGroupLayout
	push      gpu.PushConstantRange
	iface     *wgsl.Interface
	kernel    gpu.HostKernel
	workgroup [3]uint32
}

func (p *pipeline) Release() {}

func (d *device) CreateComputePipeline(desc *gpu.ComputePipelineDescriptor) (gpu.ComputePipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return nil, err
	}
	layout, ok := desc.Layout.(*bindGroupLayout)
	if !ok || layout == nil {
		return nil, fmt.Errorf("softgpu: pipeline %s: layout is not a softgpu layout", desc.Label)
	}
	if len(desc.PushConstantRanges) > 1 {
		return nil, fmt.Errorf("softgpu: pipeline %s: at most one push constant range", desc.Label)
	}
	var push gpu.PushConstantRange
	if len(desc.PushConstantRanges) == 1 {
		push = desc.PushConstantRanges[0]
		switch {
		case push.Stages&gpu.ShaderStageCompute == 0:
			return nil, fmt.Errorf("softgpu: pipeline %s: push constant range not visible to compute", desc.Label)
		case push.Start != 0 || push.End == 0 || push.End%4 != 0:
			return nil, fmt.Errorf("softgpu: pipeline %s: push constant range [%d,%d) must start at 0 and be 4-byte sized", desc.Label, push.Start, push.End)
		case push.End > d.limits.MaxPushConstantSize:
			return nil, fmt.Errorf("softgpu: pipeline %s: push constant range end %d exceeds device limit %d", desc.Label, push.End, d.limits.MaxPushConstantSize)
		}
	}

	iface, err := gpu.LinkProgram(desc.Program, layout.entries, push.Size())
	if err != nil {
		return nil, fmt.Errorf("softgpu: pipeline %s: %w", desc.Label, err)
	}
	if desc.Program.Host == nil {
		return nil, fmt.Errorf("softgpu: pipeline %s: program %s has no host form", desc.Label, desc.Program.Label)
	}
	wg := iface.WorkgroupSize
	if wg[0] > d.limits.MaxComputeWorkgroupSizeX || wg[1] > d.limits.MaxComputeWorkgroupSizeY ||
		wg[2] > d.limits.MaxComputeWorkgroupSizeZ || wg[0]*wg[1]*wg[2] > d.limits.MaxComputeInvocationsPerWorkgroup {
		return nil, fmt.Errorf("softgpu: pipeline %s: workgroup size %v exceeds device limits", desc.Label, wg)
	}
	return &pipeline{
		label:     desc.Label,
		layout:    layout,
		push:      push,
		iface:     iface,
		kernel:    desc.Program.Host,
		workgroup: wg,
	}, nil
}

func (d *device) CreateCommandEncoder(label string) (gpu.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return nil, err
	}
	return &encoder{dev: d, label: label}, nil
}

// ownBufferLocked checks that b is a live buffer of this device.
func (d *device) ownBufferLocked(b gpu.Buffer) (*buffer, error) {
	sb, ok := b.(*buffer)
	if !ok || sb == nil || sb.dev != d {
		return nil, fmt.Errorf("buffer does not belong to device %s", d.label)
	}
	if sb.destroyed {
		return nil, fmt.Errorf("buffer %s is destroyed", sb.label)
	}
	return sb, nil
}

func (d *device) removeMapLocked(b *buffer) {
	for i, m := range d.maps {
		if m == b {
			d.maps = append(d.maps[:i], d.maps[i+1:]...)
			return
		}
	}
}

// Poll executes submitted command buffers in FIFO order, then completes the
// pending maps of buffers no remaining submission references.
func (d *device) Poll(wait bool) bool {
	d.mu.Lock()
	n := len(d.pending)
	if !wait && n > 1 {
		n = 1
	}
	for _, cb := range d.pending[:n] {
		d.executeLocked(cb)
	}
	d.pending = d.pending[n:]

	type ready struct {
		cb     func(gpu.MapStatus)
		status gpu.MapStatus
	}
	var fire []ready
	keep := d.maps[:0]
	for _, b := range d.maps {
		if b.inflight > 0 {
			keep = append(keep, b)
			continue
		}
		b.state = mapped
		if b.callback != nil {
			fire = append(fire, ready{cb: b.callback, status: gpu.MapStatusSuccess})
		}
		b.callback = nil
	}
	d.maps = keep
	empty := len(d.pending) == 0
	d.mu.Unlock()

	for _, f := range fire {
		f.cb(f.status)
	}
	return empty
}

func (d *device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	d.pending = nil
	var bufs []*buffer
	for b := range d.buffers {
		bufs = append(bufs, b)
	}
	d.mu.Unlock()

	for _, b := range bufs {
		b.Destroy()
	}
}

type queue device

func (q *queue) Submit(cmds ...gpu.CommandBuffer) error {
	d := (*device)(q)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return err
	}

	cbs := make([]*commandBuffer, len(cmds))
	for i, c := range cmds {
		cb, ok := c.(*commandBuffer)
		if !ok || cb == nil || cb.dev != d {
			return fmt.Errorf("softgpu: command buffer %d does not belong to device %s", i, d.label)
		}
		if cb.submitted {
			return fmt.Errorf("softgpu: command buffer %s was already submitted", cb.label)
		}
		for _, b := range cb.buffers() {
			switch {
			case b.destroyed:
				return fmt.Errorf("softgpu: %s uses destroyed buffer %s", cb.label, b.label)
			case b.state != unmapped:
				return fmt.Errorf("softgpu: %s uses buffer %s while it is mapped or has a map pending", cb.label, b.label)
			}
		}
		cbs[i] = cb
	}
	for _, cb := range cbs {
		cb.submitted = true
		for _, b := range cb.buffers() {
			b.inflight++
		}
		d.pending = append(d.pending, cb)
	}
	return nil
}
