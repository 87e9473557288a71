// Package gate serializes access to the shared vision model.
//
// A Gate owns the model and a fixed pool of inference slots. Callers queue for
// a slot in arrival order; the wait honours the caller's context, but a call
// that already holds a slot runs to completion (or to the call timeout) even if
// the caller goes away, so device state is never abandoned mid-operation.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"visionchat/internal/core"
	"visionchat/internal/observability"
)

// Default gate settings.
const (
	DefaultSlots       = 1
	DefaultCallTimeout = 2 * time.Minute
)

// Config holds inference gate settings.
type Config struct {
	// Slots is the number of model calls allowed to run at once.
	// Use 1 unless the backend is documented as safe for concurrent calls.
	Slots int

	// CallTimeout bounds a single model call once a slot is held.
	CallTimeout time.Duration

	// DescribePrompt is asked when the model has no dedicated captioning capability.
	DescribePrompt string
}

// Gate is a FIFO, bounded-concurrency front for a core.VisionModel.
type Gate struct {
	model          core.VisionModel
	sem            *semaphore.Weighted
	slots          int
	callTimeout    time.Duration
	describePrompt string

	inFlight atomic.Int64
	waiting  atomic.Int64
}

// New creates a gate that owns model.
func New(model core.VisionModel, cfg Config) *Gate {
	slots := cfg.Slots
	if slots <= 0 {
		slots = DefaultSlots
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	prompt := cfg.DescribePrompt
	if prompt == "" {
		prompt = core.DefaultDescribePrompt
	}
	return &Gate{
		model:          model,
		sem:            semaphore.NewWeighted(int64(slots)),
		slots:          slots,
		callTimeout:    callTimeout,
		describePrompt: prompt,
	}
}

// ModelName returns the name of the gated model.
func (g *Gate) ModelName() string {
	return g.model.Name()
}

// DescribePrompt returns the prompt used for descriptions when the model has no Describer.
func (g *Gate) DescribePrompt() string {
	return g.describePrompt
}

// Model returns the gated model. Calls made on it directly bypass the slot pool.
func (g *Gate) Model() core.VisionModel {
	return g.model
}

// Slots returns the size of the slot pool.
func (g *Gate) Slots() int {
	return g.slots
}

// InFlight returns the number of model calls currently holding a slot.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Waiting returns the number of callers queued for a slot.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}

// Encode turns image bytes into an encoding while holding a slot.
func (g *Gate) Encode(ctx context.Context, image []byte) (core.Encoding, error) {
	var enc core.Encoding
	err := g.do(ctx, "encode", func(callCtx context.Context) error {
		var err error
		enc, err = g.model.Encode(callCtx, image)
		return err
	})
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, core.NewModelError(g.model.Name(), "encode returned no encoding", nil)
	}
	return enc, nil
}

// Answer answers a question about enc while holding a slot.
func (g *Gate) Answer(ctx context.Context, enc core.Encoding, question string) (string, error) {
	var answer string
	err := g.do(ctx, "answer", func(callCtx context.Context) error {
		var err error
		answer, err = g.model.Answer(callCtx, enc, question)
		return err
	})
	return answer, err
}

// Describe produces a description of enc while holding a slot, using the
// model's Describer capability when it has one.
func (g *Gate) Describe(ctx context.Context, enc core.Encoding) (string, error) {
	var description string
	err := g.do(ctx, "describe", func(callCtx context.Context) error {
		var err error
		if d, ok := g.model.(core.Describer); ok {
			description, err = d.Describe(callCtx, enc)
		} else {
			description, err = g.model.Answer(callCtx, enc, g.describePrompt)
		}
		return err
	})
	return description, err
}

// do waits for a slot, runs call on a context detached from the caller's
// cancellation but bounded by the call timeout, and releases the slot.
func (g *Gate) do(ctx context.Context, op string, call func(context.Context) error) error {
	if err := g.acquire(ctx, op); err != nil {
		return err
	}
	defer g.release()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.callTimeout)
	defer cancel()

	start := time.Now()
	err := call(callCtx)
	elapsed := time.Since(start)

	if err == nil {
		observability.CallDuration.WithLabelValues(op, "ok").Observe(elapsed.Seconds())
		return nil
	}

	err = g.classify(callCtx, op, err)
	observability.CallDuration.WithLabelValues(op, string(core.TypeOf(err))).Observe(elapsed.Seconds())
	return err
}

func (g *Gate) acquire(ctx context.Context, op string) error {
	start := time.Now()
	g.waiting.Add(1)
	observability.QueueDepth.Inc()

	err := g.sem.Acquire(ctx, 1)

	g.waiting.Add(-1)
	observability.QueueDepth.Dec()
	observability.QueueWait.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		core.Logger(ctx).Warn("gave up waiting for inference slot",
			"op", op,
			"waited", time.Since(start),
			"error", err,
		)
		return core.NewTimeoutError(fmt.Sprintf("timed out waiting for an inference slot (%s)", op), err)
	}

	g.inFlight.Add(1)
	observability.SlotsInUse.Inc()
	return nil
}

func (g *Gate) release() {
	g.inFlight.Add(-1)
	observability.SlotsInUse.Dec()
	g.sem.Release(1)
}

// classify maps a model call failure onto the error taxonomy. Errors that are
// already typed pass through unchanged.
func (g *Gate) classify(callCtx context.Context, op string, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return core.NewTimeoutError(
			fmt.Sprintf("%s call exceeded %s", op, g.callTimeout),
			err,
		)
	}
	var ie *core.InferenceError
	if errors.As(err, &ie) {
		return err
	}
	return core.NewModelError(g.model.Name(), fmt.Sprintf("%s failed: %v", op, err), err)
}
