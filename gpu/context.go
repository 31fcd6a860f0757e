package gpu

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Capabilities is the capability request a Context is configured with.
type Capabilities struct {
	// PushConstantSize is the exact size of the inline parameter block. It is
	// negotiated as the device's MaxPushConstantSize.
	PushConstantSize uint32
	// StorageBuffers is the minimum number of storage buffers visible to the
	// compute stage.
	StorageBuffers uint32
}

// Context holds one device and its queue. It is created explicitly and passed
// to everything that needs the device.
type Context struct {
	ID      uuid.UUID
	Backend string
	Device  Device
	Queue   Queue
	Caps    Capabilities
	Log     logr.Logger

	closed bool
}

// NewContext acquires a device from b that satisfies caps.
func NewContext(b Backend, caps Capabilities, log logr.Logger) (*Context, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: no backend", ErrNoDevice)
	}
	if caps.PushConstantSize == 0 || caps.PushConstantSize%4 != 0 {
		return nil, fmt.Errorf("%w: push constant size %d must be a non-zero multiple of 4", ErrNoDevice, caps.PushConstantSize)
	}
	if caps.StorageBuffers == 0 {
		caps.StorageBuffers = 2
	}

	id := uuid.New()
	log = log.WithValues("context", id.String()[:8], "backend", b.Name())

	req := DeviceRequest{
		Label:            "pushconst-" + id.String()[:8],
		RequiredFeatures: []Feature{FeaturePushConstants},
		RequiredLimits: Limits{
			MaxPushConstantSize:             caps.PushConstantSize,
			MaxStorageBuffersPerShaderStage: caps.StorageBuffers,
		},
	}
	dev, err := b.RequestDevice(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	// Never trust a backend to have honoured the request.
	if err := dev.Limits().Satisfies(req.RequiredLimits); err != nil {
		dev.Release()
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	if !hasFeature(dev.Features(), FeaturePushConstants) {
		dev.Release()
		return nil, fmt.Errorf("%w: device lacks %s", ErrNoDevice, FeaturePushConstants)
	}

	info := dev.Info()
	log.Info("using adapter", "name", info.Name, "vendor", info.Vendor, "type", info.AdapterType,
		"maxPushConstantSize", dev.Limits().MaxPushConstantSize)

	return &Context{
		ID:      id,
		Backend: b.Name(),
		Device:  dev,
		Queue:   dev.Queue(),
		Caps:    caps,
		Log:     log,
	}, nil
}

// Close releases the device. Buffers created from the context must not be used afterwards.
func (c *Context) Close() {
	if c == nil || c.closed {
		return
	}
	c.closed = true
	c.Device.Release()
	c.Log.V(1).Info("context closed")
}

func (c *Context) check() error {
	if c == nil || c.closed {
		return ErrContextClosed
	}
	return nil
}

// WaitIdle blocks until all submitted work has retired. Without a deadline on
// ctx it waits as long as the device needs; otherwise it polls without blocking
// and gives up when ctx ends.
func (c *Context) WaitIdle(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok && ctx.Done() == nil {
		for !c.Device.Poll(true) {
		}
		return nil
	}
	return c.pollUntil(ctx, nil)
}

// pollUntil polls the device until done is closed (or, with a nil done, until
// the queue is empty).
func (c *Context) pollUntil(ctx context.Context, done <-chan struct{}) error {
	for {
		empty := c.Device.Poll(false)
		if done == nil && empty {
			return nil
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrSyncTimeout, ctx.Err())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func hasFeature(fs []Feature, f Feature) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}
