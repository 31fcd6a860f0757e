package gpu

import (
	"fmt"
	"sort"
)

// BindingLayout is the declared shape of a kernel's storage inputs, independent
// of any buffers.
type BindingLayout struct {
	Label   string
	entries []LayoutEntry
	handle  BindGroupLayout
}

// Entries returns the slots sorted by binding index.
func (l *BindingLayout) Entries() []LayoutEntry {
	out := make([]LayoutEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *BindingLayout) Handle() BindGroupLayout { return l.handle }

func (l *BindingLayout) Release() {
	if l.handle != nil {
		l.handle.Release()
		l.handle = nil
	}
}

// BindingSet binds concrete buffers to every slot of a BindingLayout.
type BindingSet struct {
	Label   string
	layout  *BindingLayout
	entries []BindingEntry
	handle  BindGroup
}

func (s *BindingSet) Layout() *BindingLayout { return s.layout }
func (s *BindingSet) Handle() BindGroup      { return s.handle }

// Buffers returns the bound buffers keyed by binding index.
func (s *BindingSet) Buffers() map[uint32]Buffer {
	out := make(map[uint32]Buffer, len(s.entries))
	for _, e := range s.entries {
		out[e.Binding] = e.Buffer
	}
	return out
}

func (s *BindingSet) Release() {
	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}
}

// ReadOnlyStorage and Storage build compute-visible layout entries.
func ReadOnlyStorage(binding uint32) LayoutEntry {
	return LayoutEntry{Binding: binding, Visibility: ShaderStageCompute, Type: BindingReadOnlyStorage}
}

func Storage(binding uint32) LayoutEntry {
	return LayoutEntry{Binding: binding, Visibility: ShaderStageCompute, Type: BindingStorage}
}

// ValidateLayoutEntries checks a layout declaration and returns it sorted.
func ValidateLayoutEntries(entries []LayoutEntry, limits Limits) ([]LayoutEntry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("layout declares no entries")
	}
	if limits.MaxBindingsPerBindGroup != 0 && uint32(len(entries)) > limits.MaxBindingsPerBindGroup {
		return nil, fmt.Errorf("layout declares %d entries, limit is %d", len(entries), limits.MaxBindingsPerBindGroup)
	}
	if limits.MaxStorageBuffersPerShaderStage != 0 && uint32(len(entries)) > limits.MaxStorageBuffersPerShaderStage {
		return nil, fmt.Errorf("layout declares %d storage buffers, limit is %d", len(entries), limits.MaxStorageBuffersPerShaderStage)
	}

	sorted := make([]LayoutEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Binding < sorted[j].Binding })

	for i, e := range sorted {
		if i > 0 && sorted[i-1].Binding == e.Binding {
			return nil, fmt.Errorf("binding %d declared twice", e.Binding)
		}
		if e.Visibility&ShaderStageCompute == 0 {
			return nil, fmt.Errorf("binding %d is not visible to the compute stage", e.Binding)
		}
		if e.Type != BindingReadOnlyStorage && e.Type != BindingStorage {
			return nil, fmt.Errorf("binding %d has unsupported type %s", e.Binding, e.Type)
		}
	}
	return sorted, nil
}

// ValidateBindingEntries checks that entries satisfy layout exactly: every slot
// once, nothing extra, usage compatible with the declared access mode.
// Zero sizes are resolved to the rest of the buffer in the returned slice.
func ValidateBindingEntries(layout []LayoutEntry, entries []BindingEntry) ([]BindingEntry, error) {
	if len(entries) != len(layout) {
		return nil, fmt.Errorf("layout declares %d slots, binding set provides %d", len(layout), len(entries))
	}
	byIndex := make(map[uint32]BindingEntry, len(entries))
	for _, e := range entries {
		if _, dup := byIndex[e.Binding]; dup {
			return nil, fmt.Errorf("binding %d provided twice", e.Binding)
		}
		byIndex[e.Binding] = e
	}

	out := make([]BindingEntry, 0, len(layout))
	for _, slot := range layout {
		e, ok := byIndex[slot.Binding]
		if !ok {
			return nil, fmt.Errorf("binding %d declared by the layout is not provided", slot.Binding)
		}
		if e.Buffer == nil {
			return nil, fmt.Errorf("binding %d has no buffer", slot.Binding)
		}
		usage := e.Buffer.Usage()
		switch slot.Type {
		case BindingReadOnlyStorage:
			if !usage.Has(BufferUsageStorage) {
				return nil, fmt.Errorf("binding %d (%s): buffer %q lacks Storage usage (%s)", slot.Binding, slot.Type, e.Buffer.Label(), usage)
			}
		case BindingStorage:
			if !usage.Has(BufferUsageStorage | BufferUsageStorageWrite) {
				return nil, fmt.Errorf("binding %d (%s): buffer %q is not writable by kernels (%s)", slot.Binding, slot.Type, e.Buffer.Label(), usage)
			}
		}
		size := e.Size
		if size == 0 {
			if e.Offset > e.Buffer.Size() {
				return nil, fmt.Errorf("binding %d: offset %d past end of %d-byte buffer", slot.Binding, e.Offset, e.Buffer.Size())
			}
			size = e.Buffer.Size() - e.Offset
		}
		if size == 0 {
			return nil, fmt.Errorf("binding %d: empty range", slot.Binding)
		}
		if e.Offset%4 != 0 || size%4 != 0 {
			return nil, fmt.Errorf("binding %d: range %d+%d is not 4-byte aligned", slot.Binding, e.Offset, size)
		}
		if e.Offset+size > e.Buffer.Size() {
			return nil, fmt.Errorf("binding %d: range %d+%d exceeds %d-byte buffer", slot.Binding, e.Offset, size, e.Buffer.Size())
		}
		e.Size = size
		out = append(out, e)
	}
	return out, nil
}

// NewBindingLayout declares a binding layout.
func (c *Context) NewBindingLayout(label string, entries ...LayoutEntry) (*BindingLayout, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	sorted, err := ValidateLayoutEntries(entries, c.Device.Limits())
	if err != nil {
		return nil, fmt.Errorf("%w: layout %s: %v", ErrValidation, label, err)
	}
	h, err := c.Device.CreateBindGroupLayout(&BindGroupLayoutDescriptor{Label: label, Entries: sorted})
	if err != nil {
		return nil, fmt.Errorf("%w: layout %s: %v", ErrValidation, label, err)
	}
	c.Log.V(1).Info("binding layout created", "label", label, "slots", len(sorted))
	return &BindingLayout{Label: label, entries: sorted, handle: h}, nil
}

// NewBindingSet binds buffers to layout. It fails when the entries do not
// satisfy the layout exactly.
func (c *Context) NewBindingSet(label string, layout *BindingLayout, entries ...BindingEntry) (*BindingSet, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if layout == nil || layout.handle == nil {
		return nil, fmt.Errorf("%w: binding set %s: no layout", ErrValidation, label)
	}
	resolved, err := ValidateBindingEntries(layout.entries, entries)
	if err != nil {
		return nil, fmt.Errorf("%w: binding set %s: %v", ErrValidation, label, err)
	}
	h, err := c.Device.CreateBindGroup(&BindGroupDescriptor{Label: label, Layout: layout.handle, Entries: resolved})
	if err != nil {
		return nil, fmt.Errorf("%w: binding set %s: %v", ErrValidation, label, err)
	}
	c.Log.V(1).Info("binding set created", "label", label, "layout", layout.Label)
	return &BindingSet{Label: label, layout: layout, entries: resolved, handle: h}, nil
}
