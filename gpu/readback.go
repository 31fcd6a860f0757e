package gpu

import (
	"context"
	"fmt"
	"sync"
)

// MapRequest is the first phase of a host mapping: requested but not yet usable.
type MapRequest struct {
	buf    Buffer
	offset uint64
	size   uint64

	done   chan struct{}
	once   sync.Once
	status MapStatus
}

// RequestMap asks the device to map size bytes of buf at offset. It does not
// block; the mapping becomes usable once Wait returns.
func RequestMap(buf Buffer, mode MapMode, offset, size uint64) (*MapRequest, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: map of nil buffer", ErrValidation)
	}
	need := BufferUsageMapRead
	if mode == MapModeWrite {
		need = BufferUsageMapWrite
	}
	if !buf.Usage().Has(need) {
		return nil, fmt.Errorf("%w: buffer %s lacks %s usage (%s)", ErrValidation, buf.Label(), need, buf.Usage())
	}
	if offset%8 != 0 || size%4 != 0 || offset+size > buf.Size() {
		return nil, fmt.Errorf("%w: map range %d+%d invalid for %d-byte buffer %s", ErrValidation, offset, size, buf.Size(), buf.Label())
	}

	r := &MapRequest{buf: buf, offset: offset, size: size, done: make(chan struct{})}
	err := buf.MapAsync(mode, offset, size, func(status MapStatus) {
		r.once.Do(func() {
			r.status = status
			close(r.done)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: map %s: %v", ErrValidation, buf.Label(), err)
	}
	return r, nil
}

// Wait polls the device until the mapping callback has fired, then exposes the
// mapped bytes. A non-success status is reported as ErrMapFailed.
func (r *MapRequest) Wait(ctx context.Context, c *Context) (*MappedView, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && ctx.Done() == nil {
		for {
			select {
			case <-r.done:
				return r.view()
			default:
			}
			c.Device.Poll(true)
			select {
			case <-r.done:
				return r.view()
			default:
			}
			// The queue is empty and the callback still has not fired: nothing
			// left on the device can complete it.
			if c.Device.Poll(false) {
				select {
				case <-r.done:
					return r.view()
				default:
					return nil, fmt.Errorf("%w: %s: device idle but map never completed", ErrMapFailed, r.buf.Label())
				}
			}
		}
	}
	if err := c.pollUntil(ctx, r.done); err != nil {
		return nil, err
	}
	return r.view()
}

func (r *MapRequest) view() (*MappedView, error) {
	if r.status != MapStatusSuccess {
		return nil, fmt.Errorf("%w: %s: %s", ErrMapFailed, r.buf.Label(), r.status)
	}
	data, err := r.buf.MappedRange(r.offset, r.size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMapFailed, r.buf.Label(), err)
	}
	return &MappedView{buf: r.buf, data: data}, nil
}

// MappedView is a host window onto a mapped buffer. It is valid until Close.
type MappedView struct {
	buf    Buffer
	data   []byte
	closed bool
}

// Len is the mapped length in bytes.
func (v *MappedView) Len() int { return len(v.data) }

// Bytes returns the mapped bytes without copying. They must not be used after Close.
func (v *MappedView) Bytes() []byte {
	if v.closed {
		return nil
	}
	return v.data
}

// Float32s copies the mapped bytes out as float32 values.
func (v *MappedView) Float32s() []float32 {
	if v.closed {
		return nil
	}
	return FromBytes(v.data)
}

// Close unmaps the buffer. The buffer may be used by the device again afterwards.
func (v *MappedView) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	v.data = nil
	return v.buf.Unmap()
}
