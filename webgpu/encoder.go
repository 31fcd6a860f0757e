package webgpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/pushconst/gpu"
	"github.com/openfluke/pushconst/wgsl"
)

// encoder records the first wrapper-level error and reports it from Finish,
// alongside whatever wgpu itself reports.
type encoder struct {
	dev   *wgpu.Device
	enc   *wgpu.CommandEncoder
	label string
	err   error

	// push holds the per-dispatch uniform resources until the command buffer
	// that uses them is released.
	push []pushBlock
}

type pushBlock struct {
	buf   *wgpu.Buffer
	group *wgpu.BindGroup
}

func (b pushBlock) release() {
	b.group.Release()
	b.buf.Release()
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: "+format, append([]any{e.label}, args...)...)
	}
}

func (e *encoder) BeginComputePass(label string) gpu.ComputePassEncoder {
	pass := e.enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: label})
	return &computePass{enc: e, pass: pass, label: label}
}

func (e *encoder) CopyBufferToBuffer(src gpu.Buffer, srcOffset uint64, dst gpu.Buffer, dstOffset uint64, size uint64) {
	s, ok := src.(*buffer)
	if !ok {
		e.fail("copy source is not a webgpu buffer")
		return
	}
	d, ok := dst.(*buffer)
	if !ok {
		e.fail("copy destination is not a webgpu buffer")
		return
	}
	if err := e.enc.CopyBufferToBuffer(s.buf, srcOffset, d.buf, dstOffset, size); err != nil {
		e.fail("copy %s->%s: %v", s.label, d.label, err)
	}
}

// newPushBlock uploads one dispatch's push constant bytes into a uniform
// buffer bound through layout.
func (e *encoder) newPushBlock(label string, layout *wgpu.BindGroupLayout, data []byte) (pushBlock, error) {
	contents := make([]byte, wgsl.UniformSize(uint32(len(data))))
	copy(contents, data)
	buf, err := e.dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: contents,
		Usage:    wgpu.BufferUsageUniform,
	})
	if err != nil {
		return pushBlock{}, err
	}
	group, err := e.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label,
		Layout:  layout,
		Entries: []wgpu.BindGroupEntry{{Binding: 0, Buffer: buf, Size: uint64(len(contents))}},
	})
	if err != nil {
		buf.Release()
		return pushBlock{}, err
	}
	return pushBlock{buf: buf, group: group}, nil
}

func (e *encoder) Finish() (gpu.CommandBuffer, error) {
	cb, err := e.enc.Finish(nil)
	if e.err != nil {
		if cb != nil {
			cb.Release()
		}
		return nil, e.err
	}
	if err != nil {
		return nil, fmt.Errorf("%s: finish: %w", e.label, err)
	}
	c := &commandBuffer{cb: cb, label: e.label, push: e.push}
	e.push = nil
	return c, nil
}

func (e *encoder) Release() {
	for _, b := range e.push {
		b.release()
	}
	e.push = nil
	e.enc.Release()
}

type computePass struct {
	enc      *encoder
	pass     *wgpu.ComputePassEncoder
	label    string
	pipeline *pipeline
	push     []byte
	ended    bool
}

func (p *computePass) SetPipeline(cp gpu.ComputePipeline) {
	wp, ok := cp.(*pipeline)
	if !ok {
		p.enc.fail("%s: pipeline is not a webgpu pipeline", p.label)
		return
	}
	p.pipeline = wp
	p.push = make([]byte, wp.pushSize)
	p.pass.SetPipeline(wp.p)
}

func (p *computePass) SetBindGroup(index uint32, group gpu.BindGroup) {
	g, ok := group.(*bindGroup)
	if !ok {
		p.enc.fail("%s: bind group is not a webgpu bind group", p.label)
		return
	}
	if index == pushGroup {
		p.enc.fail("%s: bind group %d is reserved for push constants", p.label, index)
		return
	}
	p.pass.SetBindGroup(index, g.g, nil)
}

func (p *computePass) SetPushConstants(offset uint32, data []byte) {
	switch {
	case p.pipeline == nil:
		p.enc.fail("%s: push constants set before a pipeline", p.label)
	case offset%4 != 0 || len(data)%4 != 0:
		p.enc.fail("%s: push constant write %d+%d is not 4-byte aligned", p.label, offset, len(data))
	case uint64(offset)+uint64(len(data)) > uint64(len(p.push)):
		p.enc.fail("%s: push constant write %d+%d outside range [0,%d)", p.label, offset, len(data), len(p.push))
	default:
		copy(p.push[offset:], data)
	}
}

// DispatchWorkgroups binds the current push constant bytes as a fresh uniform
// block, so every dispatch sees the values set before it.
func (p *computePass) DispatchWorkgroups(x, y, z uint32) {
	if p.pipeline == nil {
		p.enc.fail("%s: dispatch without a pipeline", p.label)
		return
	}
	if p.pipeline.pushLayout != nil {
		label := fmt.Sprintf("%s_push%d", p.label, len(p.enc.push))
		block, err := p.enc.newPushBlock(label, p.pipeline.pushLayout, p.push)
		if err != nil {
			p.enc.fail("%s: push constant block: %v", p.label, err)
			return
		}
		p.enc.push = append(p.enc.push, block)
		p.pass.SetBindGroup(pushGroup, block.group, nil)
	}
	p.pass.DispatchWorkgroups(x, y, z)
}

func (p *computePass) End() error {
	if p.ended {
		return fmt.Errorf("%s: pass already ended", p.label)
	}
	p.ended = true
	err := p.pass.End()
	p.pass.Release()
	if err != nil {
		return fmt.Errorf("%s: end pass: %w", p.label, err)
	}
	return nil
}

type commandBuffer struct {
	cb        *wgpu.CommandBuffer
	label     string
	push      []pushBlock
	submitted bool
}

// Release drops the command buffer and its push constant blocks. wgpu keeps
// them alive until a submission that uses them has finished.
func (c *commandBuffer) Release() {
	for _, b := range c.push {
		b.release()
	}
	c.push = nil
	c.cb.Release()
}
