//go:build !occa

package occa

import "github.com/openfluke/pushconst/gpu"

// Backend is unavailable without the occa build tag.
type Backend struct{}

// New always fails without the occa build tag.
func New(mode string) (*Backend, error) { return nil, ErrUnavailable }

func (b *Backend) Name() string                                        { return "occa" }
func (b *Backend) Adapters() ([]gpu.AdapterInfo, error)                { return nil, ErrUnavailable }
func (b *Backend) RequestDevice(gpu.DeviceRequest) (gpu.Device, error) { return nil, ErrUnavailable }
