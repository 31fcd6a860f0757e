package job

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/pushconst/gpu"
	"github.com/openfluke/pushconst/softgpu"
	"github.com/openfluke/pushconst/verify"
)

func newContext(t *testing.T, workers int) *gpu.Context {
	t.Helper()
	c, err := gpu.NewContext(softgpu.New(softgpu.Config{Workers: workers}), gpu.Capabilities{PushConstantSize: 4}, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestRunConcrete(t *testing.T) {
	c := newContext(t, 1)
	res, err := Run(context.Background(), c, Inputs{
		A:      []float32{1, 2, 3},
		B:      []float32{10, 20, 30},
		Offset: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{11.5, 22.5, 33.5}, res.Output)
	assert.True(t, res.Report.OK())
	assert.Equal(t, 3, res.Report.Count)
	require.Len(t, res.Ops, 5)
	assert.Contains(t, res.Ops[0], "set_pipeline ")
	assert.Equal(t, "set_push_constants 0 4", res.Ops[2])
	assert.Equal(t, "dispatch 3 1 1", res.Ops[3])
	assert.Contains(t, res.Ops[4], "12")
}

func TestRunRandom(t *testing.T) {
	c := newContext(t, 4)
	in := RandomInputs(7, 1000)
	res, err := Run(context.Background(), c, in)
	require.NoError(t, err)
	assert.Len(t, res.Output, 1000)
	assert.Zero(t, res.Report.Mismatches)
	assert.Equal(t, verify.Reference(in.A, in.B, in.Offset), res.Output)
}

func TestRandomInputsReproducible(t *testing.T) {
	assert.Equal(t, RandomInputs(3, 16), RandomInputs(3, 16))
	assert.NotEqual(t, RandomInputs(3, 16), RandomInputs(4, 16))
	in := RandomInputs(1, 64)
	for i := range in.A {
		assert.True(t, in.A[i] >= 0 && in.A[i] < 1)
		assert.True(t, in.B[i] >= 0 && in.B[i] < 1)
	}
}

func TestRunEmpty(t *testing.T) {
	c := newContext(t, 1)
	_, err := Run(context.Background(), c, Inputs{})
	assert.ErrorIs(t, err, ErrEmptyDispatch)
}

func TestRunLengthMismatch(t *testing.T) {
	c := newContext(t, 1)
	_, err := Run(context.Background(), c, Inputs{A: []float32{1, 2}, B: []float32{1}})
	assert.Error(t, err)
}

func TestRunTwiceOnOneContext(t *testing.T) {
	c := newContext(t, 2)
	first, err := Run(context.Background(), c, Inputs{A: []float32{1}, B: []float32{1}, Offset: 1})
	require.NoError(t, err)
	second, err := Run(context.Background(), c, Inputs{A: []float32{2, 2}, B: []float32{2, 2}, Offset: -1})
	require.NoError(t, err)

	assert.Equal(t, []float32{3}, first.Output)
	assert.Equal(t, []float32{3, 3}, second.Output)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunWithDeadline(t *testing.T) {
	c := newContext(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := Run(ctx, c, RandomInputs(11, 100))
	require.NoError(t, err)
	assert.True(t, res.Report.OK())
	assert.GreaterOrEqual(t, res.Timings.Total, res.Timings.Wait)
}

func TestRunOnClosedContext(t *testing.T) {
	c := newContext(t, 1)
	c.Close()
	_, err := Run(context.Background(), c, Inputs{A: []float32{1}, B: []float32{1}})
	assert.ErrorIs(t, err, gpu.ErrContextClosed)
}

func TestRunRejectsWiderPushBlock(t *testing.T) {
	c, err := gpu.NewContext(softgpu.New(softgpu.Config{}), gpu.Capabilities{PushConstantSize: 8}, logr.Discard())
	require.NoError(t, err)
	defer c.Close()
	_, err = Run(context.Background(), c, Inputs{A: []float32{1}, B: []float32{1}})
	assert.ErrorIs(t, err, gpu.ErrValidation)
}
