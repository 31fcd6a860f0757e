package gpu

import (
	"fmt"

	"github.com/openfluke/pushconst/wgsl"
)

// PipelineSpec is everything BuildPipeline links together.
type PipelineSpec struct {
	Label            string
	Program          *ShaderProgram
	Layout           *BindingLayout
	PushConstantSize uint32
}

// Pipeline is a linked compute pipeline ready for dispatch.
type Pipeline struct {
	Label            string
	Interface        *wgsl.Interface
	PushConstantSize uint32
	layout           *BindingLayout
	handle           ComputePipeline
}

func (p *Pipeline) Layout() *BindingLayout   { return p.layout }
func (p *Pipeline) Handle() ComputePipeline { return p.handle }

func (p *Pipeline) Release() {
	if p.handle != nil {
		p.handle.Release()
		p.handle = nil
	}
}

// LinkProgram checks that program's compute entry point uses exactly the slots
// of layout (group 0) with matching access modes and exactly one push constant
// block of pushSize bytes.
func LinkProgram(program *ShaderProgram, layout []LayoutEntry, pushSize uint32) (*wgsl.Interface, error) {
	if program == nil {
		return nil, fmt.Errorf("no program")
	}
	if program.EntryPoint == "" {
		return nil, fmt.Errorf("program %s has no entry point", program.Label)
	}
	iface, err := wgsl.Reflect(program.WGSL, program.EntryPoint)
	if err != nil {
		return nil, err
	}
	if iface.Stage != "compute" {
		return nil, fmt.Errorf("entry point %s is a %s entry point", program.EntryPoint, iface.Stage)
	}

	for _, b := range iface.Bindings {
		if b.Group != 0 {
			return nil, fmt.Errorf("%s uses @group(%d), only group 0 is laid out", b.Name, b.Group)
		}
		if b.Space != "storage" {
			return nil, fmt.Errorf("%s is a %s binding, layout only declares storage", b.Name, b.Space)
		}
	}
	used := iface.BindingsInGroup(0)
	if len(used) != len(layout) {
		return nil, fmt.Errorf("kernel declares %d bindings, layout declares %d", len(used), len(layout))
	}
	for i, slot := range layout {
		b := used[i]
		if b.Binding != slot.Binding {
			return nil, fmt.Errorf("kernel binding %d (%s) has no layout slot; layout slot %d unused", b.Binding, b.Name, slot.Binding)
		}
		want := wgsl.AccessRead
		if slot.Type == BindingStorage {
			want = wgsl.AccessReadWrite
		}
		if b.Access != want {
			return nil, fmt.Errorf("binding %d (%s): kernel access %s, layout declares %s", b.Binding, b.Name, b.Access, slot.Type)
		}
	}

	switch {
	case iface.PushConstant == nil && pushSize != 0:
		return nil, fmt.Errorf("layout declares a %d-byte push constant range, kernel declares none", pushSize)
	case iface.PushConstant != nil && iface.PushConstant.Size != pushSize:
		return nil, fmt.Errorf("kernel push constant %s is %d bytes, range is %d", iface.PushConstant.Name, iface.PushConstant.Size, pushSize)
	}
	return iface, nil
}

// BuildPipeline links spec.Program with spec.Layout and a push constant range
// [0, spec.PushConstantSize). It never returns a partial pipeline.
func (c *Context) BuildPipeline(spec PipelineSpec) (*Pipeline, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if spec.Layout == nil || spec.Layout.handle == nil {
		return nil, fmt.Errorf("%w: pipeline %s: no layout", ErrPipelineLink, spec.Label)
	}
	if spec.PushConstantSize > c.Caps.PushConstantSize {
		return nil, fmt.Errorf("%w: pipeline %s: push constant size %d exceeds negotiated %d",
			ErrPipelineLink, spec.Label, spec.PushConstantSize, c.Caps.PushConstantSize)
	}

	iface, err := LinkProgram(spec.Program, spec.Layout.entries, spec.PushConstantSize)
	if err != nil {
		return nil, fmt.Errorf("%w: pipeline %s: %v", ErrPipelineLink, spec.Label, err)
	}

	var ranges []PushConstantRange
	if spec.PushConstantSize > 0 {
		ranges = []PushConstantRange{{Stages: ShaderStageCompute, Start: 0, End: spec.PushConstantSize}}
	}
	h, err := c.Device.CreateComputePipeline(&ComputePipelineDescriptor{
		Label:              spec.Label,
		Program:            spec.Program,
		Layout:             spec.Layout.handle,
		PushConstantRanges: ranges,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pipeline %s: %v", ErrPipelineLink, spec.Label, err)
	}
	c.Log.V(1).Info("pipeline built", "label", spec.Label, "entry", iface.EntryPoint,
		"workgroupSize", iface.WorkgroupSize, "pushConstantSize", spec.PushConstantSize)

	return &Pipeline{
		Label:            spec.Label,
		Interface:        iface,
		PushConstantSize: spec.PushConstantSize,
		layout:           spec.Layout,
		handle:           h,
	}, nil
}
