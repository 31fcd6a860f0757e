package webgpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/pushconst/gpu"
)

type buffer struct {
	buf   *wgpu.Buffer
	label string
	size  uint64
	usage gpu.BufferUsage

	mu        sync.Mutex
	mapped    bool
	destroyed bool
}

func (b *buffer) Label() string          { return b.label }
func (b *buffer) Size() uint64           { return b.size }
func (b *buffer) Usage() gpu.BufferUsage { return b.usage }

func (b *buffer) MapAsync(mode gpu.MapMode, offset, size uint64, callback func(gpu.MapStatus)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return fmt.Errorf("buffer %s is destroyed", b.label)
	}
	wmode := wgpu.MapModeRead
	if mode == gpu.MapModeWrite {
		wmode = wgpu.MapModeWrite
	}
	return b.buf.MapAsync(wmode, offset, size, func(status wgpu.BufferMapAsyncStatus) {
		st := toMapStatus(status)
		if st == gpu.MapStatusSuccess {
			b.mu.Lock()
			b.mapped = true
			b.mu.Unlock()
		}
		callback(st)
	})
}

func (b *buffer) MappedRange(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mapped {
		return nil, fmt.Errorf("buffer %s is not mapped", b.label)
	}
	data := b.buf.GetMappedRange(uint(offset), uint(size))
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("buffer %s: mapped range is %d bytes, want %d", b.label, len(data), size)
	}
	return data, nil
}

func (b *buffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mapped = false
	if err := b.buf.Unmap(); err != nil {
		return fmt.Errorf("unmap %s: %w", b.label, err)
	}
	return nil
}

func (b *buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.buf.Destroy()
	b.buf.Release()
}

func toMapStatus(s wgpu.BufferMapAsyncStatus) gpu.MapStatus {
	switch s {
	case wgpu.BufferMapAsyncStatusSuccess:
		return gpu.MapStatusSuccess
	case wgpu.BufferMapAsyncStatusValidationError,
		wgpu.BufferMapAsyncStatusMappingAlreadyPending,
		wgpu.BufferMapAsyncStatusOffsetOutOfRange,
		wgpu.BufferMapAsyncStatusSizeOutOfRange:
		return gpu.MapStatusValidationError
	case wgpu.BufferMapAsyncStatusUnmappedBeforeCallback:
		return gpu.MapStatusAborted
	case wgpu.BufferMapAsyncStatusDestroyedBeforeCallback, wgpu.BufferMapAsyncStatusDeviceLost:
		return gpu.MapStatusDestroyed
	default:
		return gpu.MapStatusUnknown
	}
}
