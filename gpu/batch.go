package gpu

import (
	"fmt"
	"strings"
)

// Batch builds one command batch. Commands execute in the order they are
// recorded for work touching the same resources, so a copy recorded after a
// dispatch observes the dispatch's writes. A batch is submitted once.
type Batch struct {
	Label string

	ctx       *Context
	enc       CommandEncoder
	ops       []string
	err       error
	submitted bool
}

// NewBatch starts recording a batch.
func (c *Context) NewBatch(label string) (*Batch, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	enc, err := c.Device.CreateCommandEncoder(label)
	if err != nil {
		return nil, fmt.Errorf("%w: batch %s: %v", ErrValidation, label, err)
	}
	return &Batch{Label: label, ctx: c, enc: enc}, nil
}

// Ops lists the recorded operations in order.
func (b *Batch) Ops() []string {
	out := make([]string, len(b.ops))
	copy(out, b.ops)
	return out
}

func (b *Batch) fail(format string, args ...any) error {
	err := fmt.Errorf("%w: batch %s: %s", ErrValidation, b.Label, fmt.Sprintf(format, args...))
	if b.err == nil {
		b.err = err
	}
	return err
}

func (b *Batch) usable() error {
	if b.submitted {
		return fmt.Errorf("%w: %s", ErrBatchConsumed, b.Label)
	}
	return b.err
}

// Dispatch records one compute pass: activate p, bind set at group 0, write
// params at push constant offset 0 and dispatch grid.
func (b *Batch) Dispatch(p *Pipeline, set *BindingSet, params []byte, grid Grid) error {
	if err := b.usable(); err != nil {
		return err
	}
	if p == nil || p.handle == nil {
		return b.fail("dispatch without a pipeline")
	}
	if set == nil || set.handle == nil {
		return b.fail("dispatch without a binding set")
	}
	if !sameShape(set.layout, p.layout) {
		return b.fail("binding set %s does not match the layout of pipeline %s", set.Label, p.Label)
	}
	if uint32(len(params)) != p.PushConstantSize {
		return b.fail("push constant block is %d bytes, pipeline %s expects %d", len(params), p.Label, p.PushConstantSize)
	}
	if grid.X == 0 || grid.Y == 0 || grid.Z == 0 {
		return b.fail("empty grid %dx%dx%d", grid.X, grid.Y, grid.Z)
	}
	if limit := b.ctx.Device.Limits().MaxComputeWorkgroupsPerDimension; limit != 0 &&
		(grid.X > limit || grid.Y > limit || grid.Z > limit) {
		return b.fail("grid %dx%dx%d exceeds %d workgroups per dimension", grid.X, grid.Y, grid.Z, limit)
	}

	pass := b.enc.BeginComputePass(b.Label + "_pass")
	pass.SetPipeline(p.handle)
	pass.SetBindGroup(0, set.handle)
	if len(params) > 0 {
		pass.SetPushConstants(0, params)
	}
	pass.DispatchWorkgroups(grid.X, grid.Y, grid.Z)
	if err := pass.End(); err != nil {
		return b.fail("compute pass: %v", err)
	}
	b.ops = append(b.ops,
		"set_pipeline "+p.Label,
		"set_bind_group 0 "+set.Label,
		fmt.Sprintf("set_push_constants 0 %d", len(params)),
		fmt.Sprintf("dispatch %d %d %d", grid.X, grid.Y, grid.Z))
	return nil
}

// CopyBuffer records a copy of the first size bytes of src into dst.
func (b *Batch) CopyBuffer(src, dst Buffer, size uint64) error {
	if err := b.usable(); err != nil {
		return err
	}
	if src == nil || dst == nil {
		return b.fail("copy with a nil buffer")
	}
	if src == dst {
		return b.fail("copy from %s onto itself", src.Label())
	}
	if !src.Usage().Has(BufferUsageCopySrc) {
		return b.fail("copy source %s lacks CopySrc (%s)", src.Label(), src.Usage())
	}
	if !dst.Usage().Has(BufferUsageCopyDst) {
		return b.fail("copy destination %s lacks CopyDst (%s)", dst.Label(), dst.Usage())
	}
	if size%4 != 0 {
		return b.fail("copy size %d is not a multiple of 4", size)
	}
	if size > src.Size() || size > dst.Size() {
		return b.fail("copy of %d bytes exceeds %s (%d) or %s (%d)", size, src.Label(), src.Size(), dst.Label(), dst.Size())
	}
	b.enc.CopyBufferToBuffer(src, 0, dst, 0, size)
	b.ops = append(b.ops, fmt.Sprintf("copy %s->%s %d", src.Label(), dst.Label(), size))
	return nil
}

// Submit finishes the batch and hands it to the queue.
func (b *Batch) Submit() error {
	if err := b.usable(); err != nil {
		b.releaseEncoder()
		return err
	}
	b.submitted = true
	defer b.releaseEncoder()

	cmd, err := b.enc.Finish()
	if err != nil {
		return fmt.Errorf("%w: batch %s: %v", ErrValidation, b.Label, err)
	}
	defer cmd.Release()
	if err := b.ctx.Queue.Submit(cmd); err != nil {
		return fmt.Errorf("%w: batch %s: submit: %v", ErrValidation, b.Label, err)
	}
	b.ctx.Log.V(1).Info("batch submitted", "label", b.Label, "ops", strings.Join(b.ops, "; "))
	return nil
}

// releaseEncoder drops the backend encoder once; a batch that failed
// validation is never finished.
func (b *Batch) releaseEncoder() {
	if b.enc != nil {
		b.enc.Release()
		b.enc = nil
	}
}

func sameShape(a, b *BindingLayout) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || len(a.entries) != len(b.entries) {
		return false
	}
	for i := range a.entries {
		if a.entries[i] != b.entries[i] {
			return false
		}
	}
	return true
}
