package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionchat/internal/core"
)

type testEncoding struct{ image string }

func (e *testEncoding) Size() int64 { return int64(len(e.image)) }
func (e *testEncoding) Release()    {}

// instrumentedModel records how many calls overlap and can block calls on a channel.
type instrumentedModel struct {
	mu      sync.Mutex
	current int
	peak    int
	order   []string

	hold     chan struct{}
	entered  chan string
	encodeFn func(ctx context.Context, image []byte) (core.Encoding, error)
	answerFn func(ctx context.Context, enc core.Encoding, q string) (string, error)
}

func (m *instrumentedModel) Name() string { return "test/model" }

func (m *instrumentedModel) enter(label string) {
	m.mu.Lock()
	m.current++
	if m.current > m.peak {
		m.peak = m.current
	}
	m.order = append(m.order, label)
	m.mu.Unlock()
	if m.entered != nil {
		m.entered <- label
	}
	if m.hold != nil {
		<-m.hold
	}
}

func (m *instrumentedModel) exit() {
	m.mu.Lock()
	m.current--
	m.mu.Unlock()
}

func (m *instrumentedModel) Encode(ctx context.Context, image []byte) (core.Encoding, error) {
	m.enter(string(image))
	defer m.exit()
	if m.encodeFn != nil {
		return m.encodeFn(ctx, image)
	}
	return &testEncoding{image: string(image)}, nil
}

func (m *instrumentedModel) Answer(ctx context.Context, enc core.Encoding, q string) (string, error) {
	m.enter(q)
	defer m.exit()
	if m.answerFn != nil {
		return m.answerFn(ctx, enc, q)
	}
	return enc.(*testEncoding).image + ": " + q, nil
}

func (m *instrumentedModel) Peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

func (m *instrumentedModel) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

type describingModel struct {
	instrumentedModel
}

func (m *describingModel) Describe(_ context.Context, enc core.Encoding) (string, error) {
	return "caption of " + enc.(*testEncoding).image, nil
}

func TestNew_Defaults(t *testing.T) {
	g := New(&instrumentedModel{}, Config{})
	assert.Equal(t, DefaultSlots, g.Slots())
	assert.Equal(t, DefaultCallTimeout, g.callTimeout)
	assert.Equal(t, core.DefaultDescribePrompt, g.describePrompt)
	assert.Equal(t, "test/model", g.ModelName())
}

func TestGate_BoundsConcurrency(t *testing.T) {
	for _, slots := range []int{1, 3} {
		t.Run(fmt.Sprintf("slots=%d", slots), func(t *testing.T) {
			model := &instrumentedModel{
				answerFn: func(ctx context.Context, enc core.Encoding, q string) (string, error) {
					time.Sleep(2 * time.Millisecond)
					return "ok", nil
				},
			}
			g := New(model, Config{Slots: slots})
			enc := &testEncoding{image: "img"}

			var overLimit atomic.Bool
			var wg sync.WaitGroup
			for i := 0; i < 24; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := g.Answer(context.Background(), enc, "q")
					assert.NoError(t, err)
					if g.InFlight() > slots {
						overLimit.Store(true)
					}
				}()
			}
			wg.Wait()

			assert.False(t, overLimit.Load())
			assert.LessOrEqual(t, model.Peak(), slots)
			assert.GreaterOrEqual(t, model.Peak(), 1)
			assert.Equal(t, 0, g.InFlight())
			assert.Equal(t, 0, g.Waiting())
		})
	}
}

func TestGate_FIFO(t *testing.T) {
	model := &instrumentedModel{
		hold:    make(chan struct{}),
		entered: make(chan string, 16),
	}
	g := New(model, Config{Slots: 1})
	enc := &testEncoding{image: "img"}

	// The first call occupies the only slot until hold is fed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.Answer(context.Background(), enc, "first")
	}()
	require.Equal(t, "first", <-model.entered)

	labels := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for i, label := range labels {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			_, err := g.Answer(context.Background(), enc, label)
			assert.NoError(t, err)
		}(label)
		want := i + 1
		require.Eventually(t, func() bool { return g.Waiting() == want }, time.Second, time.Millisecond)
	}

	for _, label := range labels {
		model.hold <- struct{}{}
		assert.Equal(t, label, <-model.entered)
	}
	model.hold <- struct{}{}
	wg.Wait()
	<-done

	assert.Equal(t, []string{"first", "a", "b", "c", "d"}, model.Order())
}

func TestGate_DeadlineWhileQueued(t *testing.T) {
	model := &instrumentedModel{
		hold:    make(chan struct{}),
		entered: make(chan string, 4),
	}
	g := New(model, Config{Slots: 1})
	enc := &testEncoding{image: "img"}

	go func() { _, _ = g.Answer(context.Background(), enc, "holder") }()
	<-model.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Answer(ctx, enc, "late")
	require.Error(t, err)
	assert.Equal(t, core.ErrorTypeTimeout, core.TypeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.Waiting())

	// The timed-out waiter must not have taken the slot: the next caller gets it
	// as soon as the holder finishes.
	model.hold <- struct{}{}
	next := make(chan error, 1)
	go func() {
		_, err := g.Answer(context.Background(), enc, "next")
		next <- err
	}()
	assert.Equal(t, "next", <-model.entered)
	model.hold <- struct{}{}
	assert.NoError(t, <-next)
	assert.Equal(t, []string{"holder", "next"}, model.Order())
}

func TestGate_CancelWhileQueued(t *testing.T) {
	model := &instrumentedModel{
		hold:    make(chan struct{}),
		entered: make(chan string, 4),
	}
	g := New(model, Config{Slots: 1})
	enc := &testEncoding{image: "img"}

	go func() { _, _ = g.Answer(context.Background(), enc, "holder") }()
	<-model.entered

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := g.Answer(ctx, enc, "abandoned")
		result <- err
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-result
	assert.Equal(t, core.ErrorTypeTimeout, core.TypeOf(err))
	assert.ErrorIs(t, err, context.Canceled)

	model.hold <- struct{}{}
	assert.Equal(t, []string{"holder"}, model.Order())
	assert.Eventually(t, func() bool { return g.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestGate_CallerCancelDoesNotAbortRunningCall(t *testing.T) {
	model := &instrumentedModel{
		hold:    make(chan struct{}),
		entered: make(chan string, 1),
	}
	var callCtxErr atomic.Value
	model.answerFn = func(ctx context.Context, enc core.Encoding, q string) (string, error) {
		if err := ctx.Err(); err != nil {
			callCtxErr.Store(err)
		}
		return "finished", nil
	}
	g := New(model, Config{Slots: 1})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan string, 1)
	go func() {
		answer, _ := g.Answer(ctx, &testEncoding{image: "img"}, "q")
		result <- answer
	}()
	<-model.entered
	cancel()
	model.hold <- struct{}{}

	assert.Equal(t, "finished", <-result)
	assert.Nil(t, callCtxErr.Load())
}

func TestGate_CallTimeout(t *testing.T) {
	model := &instrumentedModel{
		encodeFn: func(ctx context.Context, image []byte) (core.Encoding, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	g := New(model, Config{Slots: 1, CallTimeout: 10 * time.Millisecond})

	enc, err := g.Encode(context.Background(), []byte("img"))
	assert.Nil(t, enc)
	assert.Equal(t, core.ErrorTypeTimeout, core.TypeOf(err))
	assert.Equal(t, 0, g.InFlight())
}

func TestGate_ModelErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType core.ErrorType
	}{
		{
			name:     "plain error becomes model error",
			err:      errors.New("CUDA out of memory"),
			wantType: core.ErrorTypeModel,
		},
		{
			name:     "typed error passes through",
			err:      core.NewInvalidRequestError("not an image", nil),
			wantType: core.ErrorTypeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &instrumentedModel{
				encodeFn: func(context.Context, []byte) (core.Encoding, error) {
					return nil, tt.err
				},
			}
			g := New(model, Config{})

			enc, err := g.Encode(context.Background(), []byte("img"))
			assert.Nil(t, enc)
			require.Error(t, err)
			assert.Equal(t, tt.wantType, core.TypeOf(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 0, g.InFlight())
		})
	}
}

func TestGate_EncodeWithoutEncoding(t *testing.T) {
	model := &instrumentedModel{
		encodeFn: func(context.Context, []byte) (core.Encoding, error) {
			return nil, nil
		},
	}
	g := New(model, Config{})

	enc, err := g.Encode(context.Background(), []byte("img"))
	assert.Nil(t, enc)
	require.Error(t, err)
	assert.Equal(t, core.ErrorTypeModel, core.TypeOf(err))
	assert.Contains(t, err.Error(), "no encoding")
	assert.Equal(t, 0, g.InFlight())
}

func TestGate_Describe(t *testing.T) {
	t.Run("falls back to answer with prompt", func(t *testing.T) {
		g := New(&instrumentedModel{}, Config{DescribePrompt: "What is this?"})
		got, err := g.Describe(context.Background(), &testEncoding{image: "cat"})
		require.NoError(t, err)
		assert.Equal(t, "cat: What is this?", got)
	})

	t.Run("uses describer capability", func(t *testing.T) {
		g := New(&describingModel{}, Config{})
		got, err := g.Describe(context.Background(), &testEncoding{image: "cat"})
		require.NoError(t, err)
		assert.Equal(t, "caption of cat", got)
	})
}
