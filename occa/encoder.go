//go:build occa

package occa

import (
	"fmt"

	"github.com/openfluke/pushconst/gpu"
)

type commandKind int

const (
	cmdDispatch commandKind = iota
	cmdCopy
)

type command struct {
	kind commandKind

	pipeline *pipeline
	group    *bindGroup
	push     []byte
	grid     gpu.Grid

	src, dst       *buffer
	srcOff, dstOff uint64
	size           uint64
}

type encoder struct {
	dev      *device
	label    string
	cmds     []command
	err      error
	passOpen bool
	finished bool
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("occa: %s: "+format, append([]any{e.label}, args...)...)
	}
}

func (e *encoder) BeginComputePass(label string) gpu.ComputePassEncoder {
	if e.finished || e.passOpen {
		e.fail("begin pass %s: encoder finished or pass already open", label)
	}
	e.passOpen = true
	return &computePass{enc: e, label: label, push: make([]byte, e.dev.limits.MaxPushConstantSize)}
}

func (e *encoder) CopyBufferToBuffer(src gpu.Buffer, srcOffset uint64, dst gpu.Buffer, dstOffset uint64, size uint64) {
	s, sok := src.(*buffer)
	d, dok := dst.(*buffer)
	switch {
	case e.finished || e.passOpen:
		e.fail("copy outside of an open encoder")
	case !sok || !dok || s.dev != e.dev || d.dev != e.dev:
		e.fail("copy between buffers of another device")
	case s == d:
		e.fail("copy source and destination are both %s", s.label)
	case !s.usage.Has(gpu.BufferUsageCopySrc):
		e.fail("copy source %s lacks CopySrc", s.label)
	case !d.usage.Has(gpu.BufferUsageCopyDst):
		e.fail("copy destination %s lacks CopyDst", d.label)
	case srcOffset%4 != 0 || dstOffset%4 != 0 || size%4 != 0:
		e.fail("copy offsets and size must be multiples of 4")
	case srcOffset+size > s.size || dstOffset+size > d.size:
		e.fail("copy of %d bytes out of range", size)
	default:
		e.cmds = append(e.cmds, command{kind: cmdCopy, src: s, dst: d, srcOff: srcOffset, dstOff: dstOffset, size: size})
	}
}

func (e *encoder) Finish() (gpu.CommandBuffer, error) {
	if e.finished {
		return nil, fmt.Errorf("occa: %s: encoder already finished", e.label)
	}
	e.finished = true
	if e.passOpen {
		e.fail("finish with an open compute pass")
	}
	if e.err != nil {
		return nil, e.err
	}
	return &commandBuffer{dev: e.dev, label: e.label, cmds: e.cmds}, nil
}

func (e *encoder) Release() {}

type computePass struct {
	enc      *encoder
	label    string
	pipeline *pipeline
	group    *bindGroup
	push     []byte
	ended    bool
}

func (p *computePass) SetPipeline(cp gpu.ComputePipeline) {
	if op, ok := cp.(*pipeline); ok {
		p.pipeline = op
		return
	}
	p.enc.fail("%s: pipeline is not an occa pipeline", p.label)
}

func (p *computePass) SetBindGroup(index uint32, group gpu.BindGroup) {
	g, ok := group.(*bindGroup)
	if !ok || index != 0 {
		p.enc.fail("%s: bind group %d is not an occa bind group at index 0", p.label, index)
		return
	}
	p.group = g
}

func (p *computePass) SetPushConstants(offset uint32, data []byte) {
	if p.pipeline == nil {
		p.enc.fail("%s: push constants set before a pipeline", p.label)
		return
	}
	end := offset + uint32(len(data))
	if offset%4 != 0 || len(data)%4 != 0 || offset < p.pipeline.push.Start || end > p.pipeline.push.End {
		p.enc.fail("%s: push constant write %d+%d outside range [%d,%d)", p.label, offset, len(data), p.pipeline.push.Start, p.pipeline.push.End)
		return
	}
	copy(p.push[offset:], data)
}

func (p *computePass) DispatchWorkgroups(x, y, z uint32) {
	switch {
	case p.ended:
		p.enc.fail("%s: dispatch after End", p.label)
		return
	case p.pipeline == nil || p.group == nil:
		p.enc.fail("%s: dispatch without a pipeline and bind group", p.label)
		return
	case p.group.layout != p.pipeline.layout && !sameEntries(p.group.layout.entries, p.pipeline.layout.entries):
		p.enc.fail("%s: bind group is incompatible with the pipeline", p.label)
		return
	}
	if x == 0 || y == 0 || z == 0 {
		return
	}
	push := make([]byte, p.pipeline.push.Size())
	copy(push, p.push)
	p.enc.cmds = append(p.enc.cmds, command{
		kind:     cmdDispatch,
		pipeline: p.pipeline,
		group:    p.group,
		push:     push,
		grid:     gpu.Grid{X: x, Y: y, Z: z},
	})
}

func (p *computePass) End() error {
	if p.ended {
		return fmt.Errorf("occa: %s: pass already ended", p.label)
	}
	p.ended = true
	p.enc.passOpen = false
	return nil
}

type commandBuffer struct {
	dev       *device
	label     string
	cmds      []command
	submitted bool
}

func (c *commandBuffer) Release() {}

func sameEntries(a, b []gpu.LayoutEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
