package webgpu

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/pushconst/gpu"
	"github.com/openfluke/pushconst/job"
)

// pushCapable returns a backend with a push-constant capable adapter, or skips.
func pushCapable(t *testing.T) *Backend {
	t.Helper()
	b := New(Options{})
	adapters, err := b.Adapters()
	if err != nil || len(adapters) == 0 {
		t.Skip("no WebGPU adapter available")
	}
	for _, a := range adapters {
		if a.HasFeature(gpu.FeaturePushConstants) && a.Limits.MaxPushConstantSize >= 4 {
			return b
		}
	}
	t.Skip("no adapter supports push constants")
	return nil
}

func TestToUsage(t *testing.T) {
	assert.Equal(t, wgpu.BufferUsageMapRead|wgpu.BufferUsageCopyDst,
		toUsage(gpu.BufferUsageMapRead|gpu.BufferUsageCopyDst))
	assert.Equal(t, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst,
		toUsage(gpu.IntentReadWrite.Usage()))
	assert.Equal(t, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc,
		toUsage(gpu.IntentReadOnly.Usage()))
}

func TestAddOffsetOnAdapter(t *testing.T) {
	b := pushCapable(t)
	c, err := gpu.NewContext(b, gpu.Capabilities{PushConstantSize: 4}, logr.Discard())
	require.NoError(t, err)
	defer c.Close()

	res, err := job.Run(context.Background(), c, job.Inputs{
		A:      []float32{1, 2, 3},
		B:      []float32{10, 20, 30},
		Offset: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{11.5, 22.5, 33.5}, res.Output)
}

func TestUnsatisfiablePushConstantSize(t *testing.T) {
	b := pushCapable(t)
	_, err := gpu.NewContext(b, gpu.Capabilities{PushConstantSize: 1 << 20}, logr.Discard())
	require.ErrorIs(t, err, gpu.ErrNoDevice)
}

func TestFromLimitsResolvesUndefined(t *testing.T) {
	assert.Equal(t, gpu.DefaultLimits(), fromLimits(wgpu.DefaultLimits()))

	l := wgpu.DefaultLimits()
	l.MaxPushConstantSize = 128
	l.MaxStorageBuffersPerShaderStage = 16
	l.MaxBufferSize = 1 << 30
	got := fromLimits(l)
	assert.Equal(t, uint32(128), got.MaxPushConstantSize)
	assert.Equal(t, uint32(16), got.MaxStorageBuffersPerShaderStage)
	assert.Equal(t, uint64(1<<30), got.MaxBufferSize)
	assert.Equal(t, gpu.DefaultLimits().MaxComputeWorkgroupSizeX, got.MaxComputeWorkgroupSizeX)
}

func TestRequiredLimits(t *testing.T) {
	want := gpu.Limits{MaxPushConstantSize: 4, MaxStorageBuffersPerShaderStage: 10}
	l := requiredLimits(want)
	assert.Equal(t, uint32(4), l.MaxPushConstantSize)
	assert.Equal(t, uint32(10), l.MaxStorageBuffersPerShaderStage)
	assert.Equal(t, wgpu.LimitU32Undefined, l.MaxBindingsPerBindGroup)

	l = requiredLimits(gpu.Limits{MaxStorageBuffersPerShaderStage: 3})
	assert.Equal(t, wgpu.LimitU32Undefined, l.MaxStorageBuffersPerShaderStage)
}

func TestToMapStatus(t *testing.T) {
	for in, want := range map[wgpu.BufferMapAsyncStatus]gpu.MapStatus{
		wgpu.BufferMapAsyncStatusSuccess:                 gpu.MapStatusSuccess,
		wgpu.BufferMapAsyncStatusValidationError:         gpu.MapStatusValidationError,
		wgpu.BufferMapAsyncStatusMappingAlreadyPending:   gpu.MapStatusValidationError,
		wgpu.BufferMapAsyncStatusOffsetOutOfRange:        gpu.MapStatusValidationError,
		wgpu.BufferMapAsyncStatusSizeOutOfRange:          gpu.MapStatusValidationError,
		wgpu.BufferMapAsyncStatusUnmappedBeforeCallback:  gpu.MapStatusAborted,
		wgpu.BufferMapAsyncStatusDestroyedBeforeCallback: gpu.MapStatusDestroyed,
		wgpu.BufferMapAsyncStatusDeviceLost:              gpu.MapStatusDestroyed,
		wgpu.BufferMapAsyncStatusUnknown:                 gpu.MapStatusUnknown,
	} {
		assert.Equal(t, want, toMapStatus(in), "status %d", in)
	}
}

func TestPushConstantsThroughUniformBlock(t *testing.T) {
	b := pushCapable(t)
	c, err := gpu.NewContext(b, gpu.Capabilities{PushConstantSize: 4}, logr.Discard())
	require.NoError(t, err)
	defer c.Close()

	// Two runs with different offsets on one context must not share a block.
	first, err := job.Run(context.Background(), c, job.Inputs{A: []float32{1, 2}, B: []float32{1, 1}, Offset: 1})
	require.NoError(t, err)
	second, err := job.Run(context.Background(), c, job.Inputs{A: []float32{1, 2}, B: []float32{1, 1}, Offset: -2})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, first.Output)
	assert.Equal(t, []float32{0, 1}, second.Output)
}
