package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Intent is what the orchestrator means to do with a buffer.
type Intent int

const (
	// IntentReadOnly is a kernel input that is never written.
	IntentReadOnly Intent = iota
	// IntentReadWrite is a kernel input the kernel also writes, and a copy source.
	IntentReadWrite
	// IntentHostReadable is a copy destination the host maps for reading.
	IntentHostReadable
)

// Usage returns the usage flags an intent requires.
func (i Intent) Usage() BufferUsage {
	switch i {
	case IntentReadOnly:
		return BufferUsageStorage | BufferUsageCopySrc
	case IntentReadWrite:
		return BufferUsageStorage | BufferUsageStorageWrite | BufferUsageCopySrc | BufferUsageCopyDst
	case IntentHostReadable:
		return BufferUsageMapRead | BufferUsageCopyDst
	default:
		return 0
	}
}

// ValidateBufferDescriptor applies the WebGPU buffer creation rules.
func ValidateBufferDescriptor(size uint64, usage BufferUsage, limits Limits) error {
	if usage == 0 {
		return fmt.Errorf("buffer usage must not be empty")
	}
	if usage.Has(BufferUsageMapRead) && usage&^(BufferUsageMapRead|BufferUsageCopyDst) != 0 {
		return fmt.Errorf("MapRead may only be combined with CopyDst, got %s", usage)
	}
	if usage.Has(BufferUsageMapWrite) && usage&^(BufferUsageMapWrite|BufferUsageCopySrc) != 0 {
		return fmt.Errorf("MapWrite may only be combined with CopySrc, got %s", usage)
	}
	if usage.Has(BufferUsageStorageWrite) && !usage.Has(BufferUsageStorage) {
		return fmt.Errorf("StorageWrite requires Storage")
	}
	if size%4 != 0 {
		return fmt.Errorf("buffer size %d is not a multiple of 4", size)
	}
	if limits.MaxBufferSize != 0 && size > limits.MaxBufferSize {
		return fmt.Errorf("buffer size %d exceeds max_buffer_size %d", size, limits.MaxBufferSize)
	}
	return nil
}

// NewInitBuffer creates a device buffer that already holds data.
func (c *Context) NewInitBuffer(label string, data []float32, intent Intent) (Buffer, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	usage := intent.Usage()
	if err := ValidateBufferDescriptor(uint64(len(data))*4, usage, c.Device.Limits()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAllocation, label, err)
	}

	buf, err := c.Device.CreateBufferInit(&BufferInitDescriptor{
		Label:    label,
		Contents: ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAllocation, label, err)
	}
	c.Log.V(1).Info("buffer created", "label", label, "bytes", buf.Size(), "usage", usage.String())
	return buf, nil
}

// NewStagingBuffer creates an empty host-mappable buffer for count float32 values.
func (c *Context) NewStagingBuffer(label string, count int) (Buffer, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: %s: negative count %d", ErrAllocation, label, count)
	}
	size := uint64(count) * 4
	usage := IntentHostReadable.Usage()
	if err := ValidateBufferDescriptor(size, usage, c.Device.Limits()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAllocation, label, err)
	}

	buf, err := c.Device.CreateBuffer(&BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAllocation, label, err)
	}
	c.Log.V(1).Info("staging buffer created", "label", label, "bytes", size)
	return buf, nil
}

// ToBytes encodes values as packed little-endian float32.
func ToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// FromBytes decodes packed little-endian float32. Trailing bytes are ignored.
func FromBytes(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
