package softgpu

import (
	"fmt"

	"github.com/openfluke/pushconst/gpu"
)

type mapState int

const (
	unmapped mapState = iota
	mapPending
	mapped
)

type buffer struct {
	dev   *device
	label string
	usage gpu.BufferUsage
	data  []byte

	state     mapState
	mapOffset uint64
	mapSize   uint64
	callback  func(gpu.MapStatus)

	// inflight counts submitted command buffers that reference the buffer and
	// have not executed yet.
	inflight  int
	destroyed bool
}

func (b *buffer) Label() string          { return b.label }
func (b *buffer) Size() uint64           { return uint64(len(b.data)) }
func (b *buffer) Usage() gpu.BufferUsage { return b.usage }

func (b *buffer) MapAsync(mode gpu.MapMode, offset, size uint64, callback func(gpu.MapStatus)) error {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()

	if b.destroyed {
		return fmt.Errorf("buffer %s is destroyed", b.label)
	}
	if b.state != unmapped {
		return fmt.Errorf("buffer %s is already mapped or has a map pending", b.label)
	}
	switch mode {
	case gpu.MapModeRead:
		if !b.usage.Has(gpu.BufferUsageMapRead) {
			return fmt.Errorf("buffer %s was not created with MapRead (%s)", b.label, b.usage)
		}
	case gpu.MapModeWrite:
		if !b.usage.Has(gpu.BufferUsageMapWrite) {
			return fmt.Errorf("buffer %s was not created with MapWrite (%s)", b.label, b.usage)
		}
	default:
		return fmt.Errorf("invalid map mode %d", mode)
	}
	if offset%8 != 0 || size%4 != 0 || offset+size > b.Size() {
		return fmt.Errorf("map range %d+%d invalid for %d-byte buffer %s", offset, size, b.Size(), b.label)
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
		return nil, fmt.Errorf("range %d+%d is outside the mapped range %d+%d of %s", offset, size, b.mapOffset, b.mapSize, b.label)
	}
	return b.data[offset : offset+size : offset+size], nil
}

// Unmap releases a mapping. Unmapping a pending map aborts its callback.
func (b *buffer) Unmap() error {
	b.dev.mu.Lock()
	cb := b.resetMapLocked()
	b.dev.mu.Unlock()

	if cb != nil {
		cb(gpu.MapStatusAborted)
	}
	return nil
}

func (b *buffer) Destroy() {
	b.dev.mu.Lock()
	if b.destroyed {
		b.dev.mu.Unlock()
		return
	}
	cb := b.resetMapLocked()
	b.destroyed = true
	b.data = b.data[:0:0]
	delete(b.dev.buffers, b)
	b.dev.mu.Unlock()

	if cb != nil {
		cb(gpu.MapStatusDestroyed)
	}
}

// resetMapLocked returns the callback of a pending map, which the caller must
// fire after releasing the lock.
func (b *buffer) resetMapLocked() func(gpu.MapStatus) {
	var cb func(gpu.MapStatus)
	if b.state == mapPending {
		cb = b.callback
		b.dev.removeMapLocked(b)
	}
	b.state = unmapped
	b.callback = nil
	b.mapOffset, b.mapSize = 0, 0
	return cb
}

// view returns the bytes a binding sees.
func (b *buffer) view(offset, size uint64) []byte {
	return b.data[offset : offset+size : offset+size]
}
