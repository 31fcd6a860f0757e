//go:build occa

package occa

import (
	"fmt"

	"github.com/notargets/gocca"

	"github.com/openfluke/pushconst/gpu"
)

type mapState int

const (
	unmapped mapState = iota
	mapPending
	mapped
)

// buffer keeps a host shadow of its contents. Device-visible buffers also own
// OCCA memory; the shadow is refreshed from it when mapped or copied.
type buffer struct {
	dev   *device
	label string
	size  uint64
	usage gpu.BufferUsage
	mem   *gocca.OCCAMemory
	host  []byte

	state     mapState
	mapOffset uint64
	mapSize   uint64
	callback  func(gpu.MapStatus)
	freed     bool
}

func (b *buffer) Label() string          { return b.label }
func (b *buffer) Size() uint64           { return b.size }
func (b *buffer) Usage() gpu.BufferUsage { return b.usage }

func (b *buffer) MapAsync(mode gpu.MapMode, offset, size uint64, callback func(gpu.MapStatus)) error {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	switch {
	case b.freed:
		return fmt.Errorf("buffer %s is destroyed", b.label)
	case b.state != unmapped:
		return fmt.Errorf("buffer %s is already mapped or pending", b.label)
	case offset+size > b.size:
		return fmt.Errorf("map range %d+%d exceeds %d-byte buffer %s", offset, size, b.size, b.label)
	}
	b.state = mapPending
	b.mapOffset, b.mapSize = offset, size
	b.callback = callback
	b.dev.maps = append(b.dev.maps, b)
	return nil
}

func (b *buffer) MappedRange(offset, size uint64) ([]byte, error) {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.state != mapped {
		return nil, fmt.Errorf("buffer %s is not mapped", b.label)
	}
	if offset < b.mapOffset || offset+size > b.mapOffset+b.mapSize {
		return nil, fmt.Errorf("range %d+%d outside mapping %d+%d of %s", offset, size, b.mapOffset, b.mapSize, b.label)
	}
	return b.host[offset : offset+size], nil
}

func (b *buffer) Unmap() error {
	b.dev.mu.Lock()
	cb := b.callback
	pending := b.state == mapPending
	b.state, b.callback = unmapped, nil
	b.dev.mu.Unlock()
	if pending && cb != nil {
		cb(gpu.MapStatusAborted)
	}
	return nil
}

func (b *buffer) Destroy() {
	b.dev.mu.Lock()
	cb := b.callback
	pending := b.state == mapPending
	b.state, b.callback = unmapped, nil
	b.freeLocked()
	delete(b.dev.buffers, b)
	b.dev.mu.Unlock()
	if pending && cb != nil {
		cb(gpu.MapStatusDestroyed)
	}
}

func (b *buffer) freeLocked() {
	if b.freed {
		return
	}
	b.freed = true
	if b.mem != nil {
		b.mem.Free()
		b.mem = nil
	}
}
