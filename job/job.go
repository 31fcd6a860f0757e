// Package job runs the add-offset workload once: stage, bind, link, dispatch,
// copy, wait, read back and verify.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfluke/pushconst/gpu"
	"github.com/openfluke/pushconst/kernel"
	"github.com/openfluke/pushconst/verify"
)

// ErrEmptyDispatch is returned for zero-length inputs, before any resource is created.
var ErrEmptyDispatch = errors.New("pushconst/job: nothing to dispatch")

// Inputs are the host arrays and the push constant scalar.
type Inputs struct {
	A, B   []float32
	Offset float32
}

// Timings records how long each phase took.
type Timings struct {
	Stage    time.Duration
	Link     time.Duration
	Encode   time.Duration
	Wait     time.Duration
	Readback time.Duration
	Total    time.Duration
}

// Result is the outcome of one run.
type Result struct {
	RunID   uuid.UUID
	Output  []float32
	Report  verify.Report
	Ops     []string
	Timings Timings
}

// resources are everything one run creates; they are released when it ends.
type resources struct {
	a, b, staging gpu.Buffer
	layout        *gpu.BindingLayout
	set           *gpu.BindingSet
	pipeline      *gpu.Pipeline
}

func (r *resources) release() {
	if r.pipeline != nil {
		r.pipeline.Release()
	}
	if r.set != nil {
		r.set.Release()
	}
	if r.layout != nil {
		r.layout.Release()
	}
	for _, b := range []gpu.Buffer{r.a, r.b, r.staging} {
		if b != nil {
			b.Destroy()
		}
	}
}

// Run executes the workload on c. A verification failure is returned as an
// error wrapping verify.ErrMismatch alongside the Result.
func Run(ctx context.Context, c *gpu.Context, in Inputs) (*Result, error) {
	n := len(in.A)
	if n == 0 {
		return nil, ErrEmptyDispatch
	}
	if len(in.B) != n {
		return nil, fmt.Errorf("pushconst/job: input lengths differ: a=%d b=%d", n, len(in.B))
	}

	params, err := kernel.Params{Offset: in.Offset}.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if uint32(len(params)) != c.Caps.PushConstantSize {
		return nil, fmt.Errorf("%w: params block is %d bytes, context negotiated %d",
			gpu.ErrValidation, len(params), c.Caps.PushConstantSize)
	}

	res := &Result{RunID: uuid.New()}
	prefix := "run-" + res.RunID.String()[:8]
	log := c.Log.WithValues("run", prefix, "n", n)
	start := time.Now()

	var r resources
	defer r.release()

	// Stage.
	t := time.Now()
	if r.a, err = c.NewInitBuffer(prefix+"_a", in.A, gpu.IntentReadOnly); err != nil {
		return nil, err
	}
	if r.b, err = c.NewInitBuffer(prefix+"_b", in.B, gpu.IntentReadWrite); err != nil {
		return nil, err
	}
	if r.staging, err = c.NewStagingBuffer(prefix+"_staging", n); err != nil {
		return nil, err
	}
	res.Timings.Stage = time.Since(t)

	// Bind and link.
	t = time.Now()
	if r.layout, err = c.NewBindingLayout(prefix+"_layout", gpu.ReadOnlyStorage(0), gpu.Storage(1)); err != nil {
		return nil, err
	}
	if r.set, err = c.NewBindingSet(prefix+"_set", r.layout,
		gpu.BindingEntry{Binding: 0, Buffer: r.a},
		gpu.BindingEntry{Binding: 1, Buffer: r.b},
	); err != nil {
		return nil, err
	}
	if r.pipeline, err = c.BuildPipeline(gpu.PipelineSpec{
		Label:            prefix + "_pipeline",
		Program:          kernel.AddOffset(),
		Layout:           r.layout,
		PushConstantSize: c.Caps.PushConstantSize,
	}); err != nil {
		return nil, err
	}
	res.Timings.Link = time.Since(t)

	// Encode and submit.
	t = time.Now()
	batch, err := c.NewBatch(prefix + "_batch")
	if err != nil {
		return nil, err
	}
	if err := batch.Dispatch(r.pipeline, r.set, params, gpu.Grid{X: uint32(n), Y: 1, Z: 1}); err != nil {
		return nil, err
	}
	if err := batch.CopyBuffer(r.b, r.staging, uint64(n)*4); err != nil {
		return nil, err
	}
	if err := batch.Submit(); err != nil {
		return nil, err
	}
	res.Ops = batch.Ops()
	res.Timings.Encode = time.Since(t)

	// Synchronize.
	t = time.Now()
	if err := c.WaitIdle(ctx); err != nil {
		return nil, err
	}
	res.Timings.Wait = time.Since(t)

	// Read back.
	t = time.Now()
	req, err := gpu.RequestMap(r.staging, gpu.MapModeRead, 0, r.staging.Size())
	if err != nil {
		return nil, err
	}
	view, err := req.Wait(ctx, c)
	if err != nil {
		return nil, err
	}
	if view.Len() != n*4 {
		view.Close()
		return nil, fmt.Errorf("%w: staging mapped %d bytes, want %d", gpu.ErrAllocation, view.Len(), n*4)
	}
	res.Output = view.Float32s()
	if err := view.Close(); err != nil {
		return nil, fmt.Errorf("%w: unmap %s: %v", gpu.ErrMapFailed, r.staging.Label(), err)
	}
	res.Timings.Readback = time.Since(t)
	res.Timings.Total = time.Since(start)

	res.Report = verify.Compare(res.Output, verify.Reference(in.A, in.B, in.Offset))
	log.V(1).Info("run finished", "verified", res.Report.OK(), "total", res.Timings.Total)
	return res, res.Report.Err()
}
