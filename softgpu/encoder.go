package softgpu

import (
	"fmt"
	"sync"

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

// encoder collects commands and the first validation error, which Finish reports.
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
		e.err = fmt.Errorf("softgpu: %s: "+format, append([]any{e.label}, args...)...)
	}
}

func (e *encoder) BeginComputePass(label string) gpu.ComputePassEncoder {
	if e.finished {
		e.fail("begin pass on a finished encoder")
	}
	if e.passOpen {
		e.fail("begin pass %s while another pass is open", label)
	}
	e.passOpen = true
	return &computePass{enc: e, label: label, push: make([]byte, e.dev.limits.MaxPushConstantSize)}
}

func (e *encoder) CopyBufferToBuffer(src gpu.Buffer, srcOffset uint64, dst gpu.Buffer, dstOffset uint64, size uint64) {
	if e.finished {
		e.fail("copy on a finished encoder")
		return
	}
	if e.passOpen {
		e.fail("copy while a compute pass is open")
		return
	}
	e.dev.mu.Lock()
	s, serr := e.dev.ownBufferLocked(src)
	d, derr := e.dev.ownBufferLocked(dst)
	e.dev.mu.Unlock()
	switch {
	case serr != nil:
		e.fail("copy source: %v", serr)
	case derr != nil:
		e.fail("copy destination: %v", derr)
	case s == d:
		e.fail("copy source and destination are both %s", s.label)
	case !s.usage.Has(gpu.BufferUsageCopySrc):
		e.fail("copy source %s lacks CopySrc", s.label)
	case !d.usage.Has(gpu.BufferUsageCopyDst):
		e.fail("copy destination %s lacks CopyDst", d.label)
	case srcOffset%4 != 0 || dstOffset%4 != 0 || size%4 != 0:
		e.fail("copy offsets and size must be multiples of 4")
	case srcOffset+size > s.Size() || dstOffset+size > d.Size():
		e.fail("copy of %d bytes out of range (%s %d+%d, %s %d+%d)", size, s.label, srcOffset, s.Size(), d.label, dstOffset, d.Size())
	default:
		e.cmds = append(e.cmds, command{kind: cmdCopy, src: s, dst: d, srcOff: srcOffset, dstOff: dstOffset, size: size})
	}
}

func (e *encoder) Finish() (gpu.CommandBuffer, error) {
	if e.finished {
		return nil, fmt.Errorf("softgpu: %s: encoder already finished", e.label)
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
	sp, ok := cp.(*pipeline)
	if !ok || sp == nil {
		p.enc.fail("%s: pipeline is not a softgpu pipeline", p.label)
		return
	}
	p.pipeline = sp
}

func (p *computePass) SetBindGroup(index uint32, group gpu.BindGroup) {
	g, ok := group.(*bindGroup)
	if !ok || g == nil {
		p.enc.fail("%s: bind group is not a softgpu bind group", p.label)
		return
	}
	if index != 0 {
		p.enc.fail("%s: bind group index %d out of range, pipelines have one group", p.label, index)
		return
	}
	p.group = g
}

func (p *computePass) SetPushConstants(offset uint32, data []byte) {
	if p.pipeline == nil {
		p.enc.fail("%s: push constants set before a pipeline", p.label)
		return
	}
	end := uint64(offset) + uint64(len(data))
	if offset%4 != 0 || len(data)%4 != 0 {
		p.enc.fail("%s: push constant write %d+%d is not 4-byte aligned", p.label, offset, len(data))
		return
	}
	if offset < p.pipeline.push.Start || end > uint64(p.pipeline.push.End) {
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
	case p.pipeline == nil:
		p.enc.fail("%s: dispatch without a pipeline", p.label)
		return
	case p.group == nil:
		p.enc.fail("%s: dispatch without a bind group at index 0", p.label)
		return
	case !sameEntries(p.group.layout.entries, p.pipeline.layout.entries):
		p.enc.fail("%s: bind group %s is incompatible with pipeline %s", p.label, p.group.label, p.pipeline.label)
		return
	}
	limit := p.enc.dev.limits.MaxComputeWorkgroupsPerDimension
	if x > limit || y > limit || z > limit {
		p.enc.fail("%s: dispatch %dx%dx%d exceeds %d workgroups per dimension", p.label, x, y, z, limit)
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
		return fmt.Errorf("softgpu: %s: pass already ended", p.label)
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

// buffers lists every buffer the command buffer touches, once each.
func (c *commandBuffer) buffers() []*buffer {
	seen := map[*buffer]bool{}
	var out []*buffer
	add := func(b *buffer) {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	for _, cmd := range c.cmds {
		switch cmd.kind {
		case cmdDispatch:
			for _, b := range cmd.group.buffers {
				add(b)
			}
		case cmdCopy:
			add(cmd.src)
			add(cmd.dst)
		}
	}
	return out
}

func (d *device) executeLocked(cb *commandBuffer) {
	for i := range cb.cmds {
		cmd := &cb.cmds[i]
		switch cmd.kind {
		case cmdDispatch:
			d.runDispatch(cmd)
		case cmdCopy:
			copy(cmd.dst.data[cmd.dstOff:cmd.dstOff+cmd.size], cmd.src.data[cmd.srcOff:cmd.srcOff+cmd.size])
		}
	}
	for _, b := range cb.buffers() {
		b.inflight--
	}
}

// runDispatch runs every invocation of the grid. Workgroups are split across
// workers; the dispatch returns only when all of them are done, so commands
// recorded later observe its writes.
func (d *device) runDispatch(cmd *command) {
	grid, wg := cmd.grid, cmd.pipeline.workgroup
	bindings := cmd.group.views()
	kernel := cmd.pipeline.kernel
	total := grid.Total()

	runGroup := func(lin uint64) {
		gx := uint32(lin % uint64(grid.X))
		gy := uint32(lin / uint64(grid.X) % uint64(grid.Y))
		gz := uint32(lin / (uint64(grid.X) * uint64(grid.Y)))
		for z := uint32(0); z < wg[2]; z++ {
			for y := uint32(0); y < wg[1]; y++ {
				for x := uint32(0); x < wg[0]; x++ {
					kernel([3]uint32{gx*wg[0] + x, gy*wg[1] + y, gz*wg[2] + z}, bindings, cmd.push)
				}
			}
		}
	}

	workers := uint64(d.workers)
	if workers > total {
		workers = total
	}
	if workers <= 1 {
		for lin := uint64(0); lin < total; lin++ {
			runGroup(lin)
		}
		return
	}
	var wgDone sync.WaitGroup
	chunk := (total + workers - 1) / workers
	for start := uint64(0); start < total; start += chunk {
		end := start + chunk
		if end > total {
			end = total
		}
		wgDone.Add(1)
		go func(start, end uint64) {
			defer wgDone.Done()
			for lin := start; lin < end; lin++ {
				runGroup(lin)
			}
		}(start, end)
	}
	wgDone.Wait()
}

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
