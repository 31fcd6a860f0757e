package gpu_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/pushconst/gpu"
	"github.com/openfluke/pushconst/kernel"
	"github.com/openfluke/pushconst/softgpu"
)

func newContext(t *testing.T) *gpu.Context {
	t.Helper()
	c, err := gpu.NewContext(softgpu.New(softgpu.Config{Workers: 2}), gpu.Capabilities{PushConstantSize: kernel.ParamsSize}, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// fixture is the add-offset resource set for n elements.
type fixture struct {
	a, b, staging gpu.Buffer
	layout        *gpu.BindingLayout
	set           *gpu.BindingSet
	pipeline      *gpu.Pipeline
}

func newFixture(t *testing.T, c *gpu.Context, a, b []float32) *fixture {
	t.Helper()
	var f fixture
	var err error
	f.a, err = c.NewInitBuffer("a", a, gpu.IntentReadOnly)
	require.NoError(t, err)
	f.b, err = c.NewInitBuffer("b", b, gpu.IntentReadWrite)
	require.NoError(t, err)
	f.staging, err = c.NewStagingBuffer("staging", len(b))
	require.NoError(t, err)
	f.layout, err = c.NewBindingLayout("layout", gpu.ReadOnlyStorage(0), gpu.Storage(1))
	require.NoError(t, err)
	f.set, err = c.NewBindingSet("set", f.layout,
		gpu.BindingEntry{Binding: 0, Buffer: f.a},
		gpu.BindingEntry{Binding: 1, Buffer: f.b})
	require.NoError(t, err)
	f.pipeline, err = c.BuildPipeline(gpu.PipelineSpec{
		Label:            "add_offset",
		Program:          kernel.AddOffset(),
		Layout:           f.layout,
		PushConstantSize: kernel.ParamsSize,
	})
	require.NoError(t, err)
	return &f
}

func TestEndToEnd(t *testing.T) {
	c := newContext(t)
	f := newFixture(t, c, []float32{1, 2, 3}, []float32{10, 20, 30})

	batch, err := c.NewBatch("batch")
	require.NoError(t, err)
	require.NoError(t, batch.Dispatch(f.pipeline, f.set, kernel.Params{Offset: 0.5}.Bytes(), gpu.Grid{X: 3, Y: 1, Z: 1}))
	require.NoError(t, batch.CopyBuffer(f.b, f.staging, 12))
	require.NoError(t, batch.Submit())
	assert.Equal(t, []string{
		"set_pipeline add_offset",
		"set_bind_group 0 set",
		"set_push_constants 0 4",
		"dispatch 3 1 1",
		"copy b->staging 12",
	}, batch.Ops())

	require.NoError(t, c.WaitIdle(context.Background()))
	req, err := gpu.RequestMap(f.staging, gpu.MapModeRead, 0, f.staging.Size())
	require.NoError(t, err)
	view, err := req.Wait(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 12, view.Len())
	assert.Equal(t, []float32{11.5, 22.5, 33.5}, view.Float32s())
	require.NoError(t, view.Close())
	assert.Nil(t, view.Bytes(), "closed views expose nothing")
	require.NoError(t, view.Close())
}

func TestNewContextRejects(t *testing.T) {
	cases := map[string]struct {
		backend gpu.Backend
		caps    gpu.Capabilities
	}{
		"above adapter max": {softgpu.New(softgpu.Config{MaxPushConstantSize: 8}), gpu.Capabilities{PushConstantSize: 16}},
		"no push constants": {softgpu.New(softgpu.Config{NoPushConstants: true}), gpu.Capabilities{PushConstantSize: 4}},
		"unaligned size":    {softgpu.New(softgpu.Config{}), gpu.Capabilities{PushConstantSize: 6}},
		"zero size":         {softgpu.New(softgpu.Config{}), gpu.Capabilities{}},
		"too many buffers":  {softgpu.New(softgpu.Config{}), gpu.Capabilities{PushConstantSize: 4, StorageBuffers: 100}},
		"nil backend":       {nil, gpu.Capabilities{PushConstantSize: 4}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := gpu.NewContext(tc.backend, tc.caps, logr.Discard())
			require.ErrorIs(t, err, gpu.ErrNoDevice)
		})
	}
}

func TestNegotiatedLimits(t *testing.T) {
	c := newContext(t)
	assert.Equal(t, uint32(kernel.ParamsSize), c.Device.Limits().MaxPushConstantSize)
	assert.Equal(t, "softgpu", c.Backend)
}

func TestBufferUsageRules(t *testing.T) {
	limits := gpu.DefaultLimits()
	assert.Error(t, gpu.ValidateBufferDescriptor(16, gpu.BufferUsageMapRead|gpu.BufferUsageStorage, limits))
	assert.Error(t, gpu.ValidateBufferDescriptor(16, gpu.BufferUsageMapWrite|gpu.BufferUsageCopyDst, limits))
	assert.Error(t, gpu.ValidateBufferDescriptor(16, gpu.BufferUsageStorageWrite, limits))
	assert.Error(t, gpu.ValidateBufferDescriptor(16, 0, limits))
	assert.Error(t, gpu.ValidateBufferDescriptor(6, gpu.BufferUsageStorage, limits))
	assert.Error(t, gpu.ValidateBufferDescriptor(limits.MaxBufferSize+4, gpu.BufferUsageStorage, limits))
	assert.NoError(t, gpu.ValidateBufferDescriptor(16, gpu.IntentHostReadable.Usage(), limits))

	c := newContext(t)
	_, err := c.Device.CreateBuffer(&gpu.BufferDescriptor{Label: "bad", Size: 16, Usage: gpu.BufferUsageMapRead | gpu.BufferUsageStorage})
	assert.Error(t, err)
	_, err = c.NewStagingBuffer("neg", -1)
	assert.ErrorIs(t, err, gpu.ErrAllocation)
}

func TestBindingSetValidation(t *testing.T) {
	c := newContext(t)
	ro, err := c.NewInitBuffer("ro", []float32{1, 2}, gpu.IntentReadOnly)
	require.NoError(t, err)
	rw, err := c.NewInitBuffer("rw", []float32{1, 2}, gpu.IntentReadWrite)
	require.NoError(t, err)
	staging, err := c.NewStagingBuffer("staging", 2)
	require.NoError(t, err)
	layout, err := c.NewBindingLayout("layout", gpu.ReadOnlyStorage(0), gpu.Storage(1))
	require.NoError(t, err)

	cases := map[string][]gpu.BindingEntry{
		"missing slot":        {{Binding: 0, Buffer: ro}},
		"extra slot":          {{Binding: 0, Buffer: ro}, {Binding: 1, Buffer: rw}, {Binding: 2, Buffer: rw}},
		"wrong index":         {{Binding: 0, Buffer: ro}, {Binding: 2, Buffer: rw}},
		"duplicate":           {{Binding: 0, Buffer: ro}, {Binding: 0, Buffer: rw}},
		"read-only in rw":     {{Binding: 0, Buffer: ro}, {Binding: 1, Buffer: ro}},
		"staging as storage":  {{Binding: 0, Buffer: staging}, {Binding: 1, Buffer: rw}},
		"range out of bounds": {{Binding: 0, Buffer: ro, Offset: 4, Size: 8}, {Binding: 1, Buffer: rw}},
		"unaligned offset":    {{Binding: 0, Buffer: ro, Offset: 2}, {Binding: 1, Buffer: rw}},
		"nil buffer":          {{Binding: 0}, {Binding: 1, Buffer: rw}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.NewBindingSet(name, layout, entries...)
			require.ErrorIs(t, err, gpu.ErrValidation)
		})
	}

	set, err := c.NewBindingSet("ok", layout, gpu.BindingEntry{Binding: 1, Buffer: rw}, gpu.BindingEntry{Binding: 0, Buffer: rw})
	require.NoError(t, err, "a read-write buffer may back a read-only slot")
	assert.Len(t, set.Buffers(), 2)
}

func TestBindingLayoutValidation(t *testing.T) {
	c := newContext(t)
	_, err := c.NewBindingLayout("empty")
	assert.ErrorIs(t, err, gpu.ErrValidation)
	_, err = c.NewBindingLayout("dup", gpu.Storage(0), gpu.Storage(0))
	assert.ErrorIs(t, err, gpu.ErrValidation)
	_, err = c.NewBindingLayout("vertex", gpu.LayoutEntry{Binding: 0, Visibility: gpu.ShaderStageVertex, Type: gpu.BindingStorage})
	assert.ErrorIs(t, err, gpu.ErrValidation)

	l, err := c.NewBindingLayout("sorted", gpu.Storage(1), gpu.ReadOnlyStorage(0))
	require.NoError(t, err)
	assert.Equal(t, []gpu.LayoutEntry{gpu.ReadOnlyStorage(0), gpu.Storage(1)}, l.Entries())
}

func TestPipelineLink(t *testing.T) {
	c := newContext(t)
	roro, err := c.NewBindingLayout("roro", gpu.ReadOnlyStorage(0), gpu.ReadOnlyStorage(1))
	require.NoError(t, err)
	single, err := c.NewBindingLayout("single", gpu.ReadOnlyStorage(0))
	require.NoError(t, err)
	good, err := c.NewBindingLayout("good", gpu.ReadOnlyStorage(0), gpu.Storage(1))
	require.NoError(t, err)

	noPush := kernel.AddOffset()
	noPush.WGSL = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read_write> b: array<f32>;
@compute @workgroup_size(1) fn main() {}
`
	wrongEntry := kernel.AddOffset()
	wrongEntry.EntryPoint = "other"

	cases := map[string]gpu.PipelineSpec{
		"access mismatch":      {Program: kernel.AddOffset(), Layout: roro, PushConstantSize: 4},
		"slot count mismatch":  {Program: kernel.AddOffset(), Layout: single, PushConstantSize: 4},
		"push size mismatch":   {Program: kernel.AddOffset(), Layout: good, PushConstantSize: 0},
		"above negotiated":     {Program: kernel.AddOffset(), Layout: good, PushConstantSize: 8},
		"kernel without block": {Program: noPush, Layout: good, PushConstantSize: 4},
		"unknown entry":        {Program: wrongEntry, Layout: good, PushConstantSize: 4},
		"no layout":            {Program: kernel.AddOffset(), PushConstantSize: 4},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			spec.Label = name
			p, err := c.BuildPipeline(spec)
			require.ErrorIs(t, err, gpu.ErrPipelineLink)
			assert.Nil(t, p)
		})
	}
}

func TestBatchValidation(t *testing.T) {
	c := newContext(t)
	f := newFixture(t, c, []float32{1, 2}, []float32{3, 4})
	push := kernel.Params{Offset: 1}.Bytes()

	batch, err := c.NewBatch("bad_params")
	require.NoError(t, err)
	require.ErrorIs(t, batch.Dispatch(f.pipeline, f.set, []byte{1, 2, 3, 4, 5, 6, 7, 8}, gpu.Grid{X: 2, Y: 1, Z: 1}), gpu.ErrValidation)
	require.ErrorIs(t, batch.Submit(), gpu.ErrValidation, "a failed record poisons the batch")

	batch, err = c.NewBatch("bad_grid")
	require.NoError(t, err)
	require.ErrorIs(t, batch.Dispatch(f.pipeline, f.set, push, gpu.Grid{X: 0, Y: 1, Z: 1}), gpu.ErrValidation)

	batch, err = c.NewBatch("huge_grid")
	require.NoError(t, err)
	require.ErrorIs(t, batch.Dispatch(f.pipeline, f.set, push, gpu.Grid{X: 1 << 20, Y: 1, Z: 1}), gpu.ErrValidation)

	batch, err = c.NewBatch("bad_copy")
	require.NoError(t, err)
	require.ErrorIs(t, batch.CopyBuffer(f.staging, f.b, 8), gpu.ErrValidation, "staging is not a copy source")
	batch, err = c.NewBatch("long_copy")
	require.NoError(t, err)
	require.ErrorIs(t, batch.CopyBuffer(f.b, f.staging, 16), gpu.ErrValidation)

	other, err := c.NewBindingLayout("other", gpu.ReadOnlyStorage(0), gpu.ReadOnlyStorage(1))
	require.NoError(t, err)
	otherSet, err := c.NewBindingSet("other_set", other,
		gpu.BindingEntry{Binding: 0, Buffer: f.a}, gpu.BindingEntry{Binding: 1, Buffer: f.b})
	require.NoError(t, err)
	batch, err = c.NewBatch("wrong_set")
	require.NoError(t, err)
	require.ErrorIs(t, batch.Dispatch(f.pipeline, otherSet, push, gpu.Grid{X: 2, Y: 1, Z: 1}), gpu.ErrValidation)
}

func TestBatchConsumed(t *testing.T) {
	c := newContext(t)
	f := newFixture(t, c, []float32{1}, []float32{2})

	batch, err := c.NewBatch("once")
	require.NoError(t, err)
	require.NoError(t, batch.Dispatch(f.pipeline, f.set, kernel.Params{}.Bytes(), gpu.Grid{X: 1, Y: 1, Z: 1}))
	require.NoError(t, batch.Submit())

	assert.ErrorIs(t, batch.Submit(), gpu.ErrBatchConsumed)
	assert.ErrorIs(t, batch.Dispatch(f.pipeline, f.set, kernel.Params{}.Bytes(), gpu.Grid{X: 1, Y: 1, Z: 1}), gpu.ErrBatchConsumed)
	assert.ErrorIs(t, batch.CopyBuffer(f.b, f.staging, 4), gpu.ErrBatchConsumed)
}

func TestMapFailures(t *testing.T) {
	c := newContext(t)
	staging, err := c.NewStagingBuffer("staging", 4)
	require.NoError(t, err)
	rw, err := c.NewInitBuffer("rw", []float32{1}, gpu.IntentReadWrite)
	require.NoError(t, err)

	_, err = gpu.RequestMap(rw, gpu.MapModeRead, 0, 4)
	assert.ErrorIs(t, err, gpu.ErrValidation, "storage buffers are not mappable")
	_, err = gpu.RequestMap(staging, gpu.MapModeRead, 4, 16)
	assert.ErrorIs(t, err, gpu.ErrValidation)
	_, err = gpu.RequestMap(staging, gpu.MapModeRead, 0, 6)
	assert.ErrorIs(t, err, gpu.ErrValidation)

	// Unmapping before the callback fires aborts the map.
	req, err := gpu.RequestMap(staging, gpu.MapModeRead, 0, 16)
	require.NoError(t, err)
	require.NoError(t, staging.Unmap())
	_, err = req.Wait(context.Background(), c)
	assert.ErrorIs(t, err, gpu.ErrMapFailed)

	// So does destroying the buffer.
	req, err = gpu.RequestMap(staging, gpu.MapModeRead, 0, 16)
	require.NoError(t, err)
	staging.Destroy()
	_, err = req.Wait(context.Background(), c)
	assert.ErrorIs(t, err, gpu.ErrMapFailed)
}

func TestMapBlocksSubmission(t *testing.T) {
	c := newContext(t)
	f := newFixture(t, c, []float32{1}, []float32{2})

	req, err := gpu.RequestMap(f.staging, gpu.MapModeRead, 0, 4)
	require.NoError(t, err)
	view, err := req.Wait(context.Background(), c)
	require.NoError(t, err)

	batch, err := c.NewBatch("while_mapped")
	require.NoError(t, err)
	require.NoError(t, batch.CopyBuffer(f.b, f.staging, 4))
	require.ErrorIs(t, batch.Submit(), gpu.ErrValidation)

	require.NoError(t, view.Close())
	batch, err = c.NewBatch("after_unmap")
	require.NoError(t, err)
	require.NoError(t, batch.CopyBuffer(f.b, f.staging, 4))
	require.NoError(t, batch.Submit())
}

// stalledBackend hands out devices whose queue never drains.
type stalledBackend struct{ gpu.Backend }

type stalledDevice struct{ gpu.Device }

func (stalledDevice) Poll(bool) bool { return false }

func (b stalledBackend) RequestDevice(req gpu.DeviceRequest) (gpu.Device, error) {
	d, err := b.Backend.RequestDevice(req)
	if err != nil {
		return nil, err
	}
	return stalledDevice{d}, nil
}

func TestSyncTimeout(t *testing.T) {
	c, err := gpu.NewContext(stalledBackend{softgpu.New(softgpu.Config{})}, gpu.Capabilities{PushConstantSize: 4}, logr.Discard())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitIdle(ctx), gpu.ErrSyncTimeout)

	staging, err := c.NewStagingBuffer("staging", 1)
	require.NoError(t, err)
	req, err := gpu.RequestMap(staging, gpu.MapModeRead, 0, 4)
	require.NoError(t, err)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = req.Wait(ctx2, c)
	assert.ErrorIs(t, err, gpu.ErrSyncTimeout)
}

func TestClosedContext(t *testing.T) {
	c := newContext(t)
	c.Close()
	c.Close()

	_, err := c.NewInitBuffer("a", []float32{1}, gpu.IntentReadOnly)
	assert.ErrorIs(t, err, gpu.ErrContextClosed)
	_, err = c.NewBatch("b")
	assert.ErrorIs(t, err, gpu.ErrContextClosed)
	assert.ErrorIs(t, c.WaitIdle(context.Background()), gpu.ErrContextClosed)
}

func TestFloatBytes(t *testing.T) {
	in := []float32{0, -1.5, 3.25}
	assert.Equal(t, in, gpu.FromBytes(gpu.ToBytes(in)))
	assert.Len(t, gpu.FromBytes([]byte{1, 2, 3, 4, 5}), 1)
}

// countingBackend hands out devices whose command encoders count releases.
type countingBackend struct {
	gpu.Backend
	released *int
}

type countingDevice struct {
	gpu.Device
	released *int
}

type countingEncoder struct {
	gpu.CommandEncoder
	released *int
}

func (e countingEncoder) Release() {
	*e.released++
	e.CommandEncoder.Release()
}

func (d countingDevice) CreateCommandEncoder(label string) (gpu.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(label)
	if err != nil {
		return nil, err
	}
	return countingEncoder{enc, d.released}, nil
}

func (b countingBackend) RequestDevice(req gpu.DeviceRequest) (gpu.Device, error) {
	d, err := b.Backend.RequestDevice(req)
	if err != nil {
		return nil, err
	}
	return countingDevice{d, b.released}, nil
}

func TestFailedBatchReleasesEncoder(t *testing.T) {
	var released int
	c, err := gpu.NewContext(countingBackend{softgpu.New(softgpu.Config{}), &released}, gpu.Capabilities{PushConstantSize: 4}, logr.Discard())
	require.NoError(t, err)
	defer c.Close()
	f := newFixture(t, c, []float32{1}, []float32{2})

	batch, err := c.NewBatch("bad_params")
	require.NoError(t, err)
	require.ErrorIs(t, batch.Dispatch(f.pipeline, f.set, []byte{1, 2}, gpu.Grid{X: 1, Y: 1, Z: 1}), gpu.ErrValidation)
	require.ErrorIs(t, batch.Submit(), gpu.ErrValidation)
	assert.Equal(t, 1, released)
	require.ErrorIs(t, batch.Submit(), gpu.ErrValidation)
	assert.Equal(t, 1, released, "encoder is released once")

	batch, err = c.NewBatch("ok")
	require.NoError(t, err)
	require.NoError(t, batch.Dispatch(f.pipeline, f.set, kernel.Params{Offset: 1}.Bytes(), gpu.Grid{X: 1, Y: 1, Z: 1}))
	require.NoError(t, batch.Submit())
	assert.Equal(t, 2, released)
}
