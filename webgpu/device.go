package webgpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/pushconst/gpu"
	"github.com/openfluke/pushconst/wgsl"
)

// pushGroup is the bind group the lowered push constant block is served from.
const pushGroup = 1

type device struct {
	inst     *wgpu.Instance
	adapter  *wgpu.Adapter
	dev      *wgpu.Device
	queue    *wgpu.Queue
	info     gpu.AdapterInfo
	limits   gpu.Limits
	features []gpu.Feature

	mu       sync.Mutex
	released bool
}

func (d *device) Info() gpu.AdapterInfo   { return d.info }
func (d *device) Limits() gpu.Limits      { return d.limits }
func (d *device) Features() []gpu.Feature { return append([]gpu.Feature(nil), d.features...) }
func (d *device) Queue() gpu.Queue        { return &queue{d: d} }
func (d *device) Poll(wait bool) bool     { return d.dev.Poll(wait, nil) }

func (d *device) CreateBuffer(desc *gpu.BufferDescriptor) (gpu.Buffer, error) {
	if err := gpu.ValidateBufferDescriptor(desc.Size, desc.Usage, d.limits); err != nil {
		return nil, fmt.Errorf("buffer %s: %w", desc.Label, err)
	}
	b, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: toUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("buffer %s: %w", desc.Label, err)
	}
	return &buffer{buf: b, label: desc.Label, size: desc.Size, usage: desc.Usage}, nil
}

func (d *device) CreateBufferInit(desc *gpu.BufferInitDescriptor) (gpu.Buffer, error) {
	size := uint64(len(desc.Contents))
	if err := gpu.ValidateBufferDescriptor(size, desc.Usage, d.limits); err != nil {
		return nil, fmt.Errorf("buffer %s: %w", desc.Label, err)
	}
	b, err := d.dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    desc.Label,
		Contents: desc.Contents,
		Usage:    toUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("buffer %s: %w", desc.Label, err)
	}
	return &buffer{buf: b, label: desc.Label, size: size, usage: desc.Usage}, nil
}

func (d *device) CreateBindGroupLayout(desc *gpu.BindGroupLayoutDescriptor) (gpu.BindGroupLayout, error) {
	entries, err := gpu.ValidateLayoutEntries(desc.Entries, d.limits)
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", desc.Label, err)
	}
	wentries := make([]wgpu.BindGroupLayoutEntry, len(entries))
	for i, e := range entries {
		typ := wgpu.BufferBindingTypeStorage
		if e.Type == gpu.BindingReadOnlyStorage {
			typ = wgpu.BufferBindingTypeReadOnlyStorage
		}
		wentries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: typ},
		}
	}
	l, err := d.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: wentries,
	})
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", desc.Label, err)
	}
	return &bindGroupLayout{l: l, entries: entries}, nil
}

func (d *device) CreateBindGroup(desc *gpu.BindGroupDescriptor) (gpu.BindGroup, error) {
	layout, ok := desc.Layout.(*bindGroupLayout)
	if !ok {
		return nil, fmt.Errorf("bind group %s: layout is not a webgpu layout", desc.Label)
	}
	resolved, err := gpu.ValidateBindingEntries(layout.entries, desc.Entries)
	if err != nil {
		return nil, fmt.Errorf("bind group %s: %w", desc.Label, err)
	}
	wentries := make([]wgpu.BindGroupEntry, len(resolved))
	for i, e := range resolved {
		b, ok := e.Buffer.(*buffer)
		if !ok {
			return nil, fmt.Errorf("bind group %s: binding %d is not a webgpu buffer", desc.Label, e.Binding)
		}
		wentries[i] = wgpu.BindGroupEntry{Binding: e.Binding, Buffer: b.buf, Offset: e.Offset, Size: e.Size}
	}
	g, err := d.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  layout.l,
		Entries: wentries,
	})
	if err != nil {
		return nil, fmt.Errorf("bind group %s: %w", desc.Label, err)
	}
	return &bindGroup{g: g}, nil
}

func (d *device) CreateComputePipeline(desc *gpu.ComputePipelineDescriptor) (gpu.ComputePipeline, error) {
	layout, ok := desc.Layout.(*bindGroupLayout)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: layout is not a webgpu layout", desc.Label)
	}
	if desc.Program == nil || desc.Program.WGSL == "" {
		return nil, fmt.Errorf("pipeline %s: program has no WGSL source", desc.Label)
	}
	var pushSize uint32
	for _, r := range desc.PushConstantRanges {
		if r.End > d.limits.MaxPushConstantSize {
			return nil, fmt.Errorf("pipeline %s: push range [%d,%d) exceeds device limit %d",
				desc.Label, r.Start, r.End, d.limits.MaxPushConstantSize)
		}
		pushSize = r.Size()
	}
	if _, err := gpu.LinkProgram(desc.Program, layout.entries, pushSize); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", desc.Label, err)
	}

	// The binding cannot encode compute-pass push constants, so the block is
	// served from a per-dispatch uniform at @group(1) @binding(0).
	code, lowered, err := wgsl.LowerPushConstant(desc.Program.WGSL, pushGroup, 0)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", desc.Label, err)
	}
	layouts := []*wgpu.BindGroupLayout{layout.l}
	var pushLayout *wgpu.BindGroupLayout
	if lowered {
		pushLayout, err = d.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
			Label: desc.Label + "_push",
			Entries: []wgpu.BindGroupLayoutEntry{{
				Binding:    0,
				Visibility: wgpu.ShaderStageCompute,
				Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: push layout: %w", desc.Label, err)
		}
		layouts = append(layouts, pushLayout)
	}
	fail := func(step string, err error) (gpu.ComputePipeline, error) {
		if pushLayout != nil {
			pushLayout.Release()
		}
		return nil, fmt.Errorf("pipeline %s: %s: %w", desc.Label, step, err)
	}

	module, err := d.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          desc.Label + "_module",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return fail("shader module", err)
	}
	defer module.Release()

	pl, err := d.dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            desc.Label + "_pl",
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return fail("layout", err)
	}
	defer pl.Release()

	p, err := d.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: pl,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: desc.Program.EntryPoint,
		},
	})
	if err != nil {
		return fail("compute pipeline", err)
	}
	return &pipeline{p: p, label: desc.Label, pushLayout: pushLayout, pushSize: pushSize}, nil
}

func (d *device) CreateCommandEncoder(label string) (gpu.CommandEncoder, error) {
	enc, err := d.dev.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("command encoder %s: %w", label, err)
	}
	return &encoder{dev: d.dev, enc: enc, label: label}, nil
}

func (d *device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	d.released = true
	d.queue.Release()
	d.dev.Release()
	d.adapter.Release()
	d.inst.Release()
}

type queue struct{ d *device }

func (q *queue) Submit(cbs ...gpu.CommandBuffer) error {
	wcbs := make([]*wgpu.CommandBuffer, 0, len(cbs))
	for _, cb := range cbs {
		c, ok := cb.(*commandBuffer)
		if !ok {
			return fmt.Errorf("submit: command buffer is not a webgpu command buffer")
		}
		if c.submitted {
			return fmt.Errorf("submit: command buffer %s already submitted", c.label)
		}
		c.submitted = true
		wcbs = append(wcbs, c.cb)
	}
	q.d.queue.Submit(wcbs...)
	return nil
}

type bindGroupLayout struct {
	l       *wgpu.BindGroupLayout
	entries []gpu.LayoutEntry
}

func (l *bindGroupLayout) Entries() []gpu.LayoutEntry { return append([]gpu.LayoutEntry(nil), l.entries...) }
func (l *bindGroupLayout) Release()                   { l.l.Release() }

type bindGroup struct{ g *wgpu.BindGroup }

func (g *bindGroup) Release() { g.g.Release() }

type pipeline struct {
	p          *wgpu.ComputePipeline
	label      string
	pushLayout *wgpu.BindGroupLayout
	pushSize   uint32
}

func (p *pipeline) Release() {
	p.p.Release()
	if p.pushLayout != nil {
		p.pushLayout.Release()
	}
}

func toUsage(u gpu.BufferUsage) wgpu.BufferUsage {
	var w wgpu.BufferUsage
	if u.Has(gpu.BufferUsageMapRead) {
		w |= wgpu.BufferUsageMapRead
	}
	if u.Has(gpu.BufferUsageMapWrite) {
		w |= wgpu.BufferUsageMapWrite
	}
	if u.Has(gpu.BufferUsageCopySrc) {
		w |= wgpu.BufferUsageCopySrc
	}
	if u.Has(gpu.BufferUsageCopyDst) {
		w |= wgpu.BufferUsageCopyDst
	}
	// wgpu has no separate writable-storage bit; the binding type carries it.
	if u.Has(gpu.BufferUsageStorage) || u.Has(gpu.BufferUsageStorageWrite) {
		w |= wgpu.BufferUsageStorage
	}
	return w
}
