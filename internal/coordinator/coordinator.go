// Package coordinator implements the describe and ask operations on top of the
// encoding store and the inference gate.
//
// Describe encodes an image once, stores the encoding under a fresh key and
// returns a description together with that key. Ask answers follow-up
// questions about the same image by key, reusing the stored encoding. Every
// resource acquired along the way (slot, store reference, store entry) is
// released before an error is returned.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"visionchat/internal/cache"
	"visionchat/internal/core"
	"visionchat/internal/encstore"
	"visionchat/internal/gate"
	"visionchat/internal/history"
	"visionchat/internal/observability"
)

// DefaultRequestTimeout bounds a single Describe or Ask call, queueing included.
const DefaultRequestTimeout = 2 * time.Minute

// Config holds coordinator settings and optional collaborators.
type Config struct {
	// RequestTimeout is the deadline applied to every Describe and Ask.
	RequestTimeout time.Duration

	// Cache stores descriptions by image digest and model. Nil disables it.
	Cache cache.Cache

	// History records interactions. Nil disables recording.
	History history.Recorder
}

// Coordinator is the façade the HTTP layer calls.
type Coordinator struct {
	gate           *gate.Gate
	store          *encstore.Store
	cache          cache.Cache
	history        history.Recorder
	requestTimeout time.Duration
}

// New creates a coordinator over the given gate and store.
func New(g *gate.Gate, store *encstore.Store, cfg Config) *Coordinator {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	rec := cfg.History
	if rec == nil {
		rec = history.NoopRecorder{}
	}
	return &Coordinator{
		gate:           g,
		store:          store,
		cache:          cfg.Cache,
		history:        rec,
		requestTimeout: timeout,
	}
}

// Gate returns the inference gate.
func (c *Coordinator) Gate() *gate.Gate {
	return c.gate
}

// Store returns the encoding store.
func (c *Coordinator) Store() *encstore.Store {
	return c.store
}

// Describe encodes image, stores the encoding and returns its description and key.
func (c *Coordinator) Describe(ctx context.Context, image []byte) (*core.DescribeResult, error) {
	rec := c.begin(ctx, history.OperationDescribe)

	result, err := c.describe(ctx, image, rec.entry)
	if result != nil {
		rec.entry.ImageKey = result.ImageKey
		rec.entry.Answer = result.Description
	}
	c.finish(ctx, rec, err)
	return result, err
}

func (c *Coordinator) describe(ctx context.Context, image []byte, entry *history.Entry) (*core.DescribeResult, error) {
	if len(image) == 0 {
		return nil, core.NewInvalidRequestError("image is required", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	digest := encstore.Digest(image)
	entry.Digest = fmt.Sprintf("%016x", digest)

	enc, err := c.gate.Encode(ctx, image)
	if err != nil {
		return nil, err
	}

	// Pinned so that a sweep cannot evict the entry while the description is pending.
	h, err := c.store.PutPinned(digest, enc)
	if err != nil {
		enc.Release()
		if errors.Is(err, encstore.ErrCapacity) {
			return nil, core.NewResourceExhaustedError("encoding store is full; try again later", err)
		}
		return nil, err
	}
	defer h.Release()

	description, cached, err := c.describeEncoding(ctx, h)
	if err != nil {
		c.store.Invalidate(h.Key())
		return nil, err
	}

	return &core.DescribeResult{
		Description: description,
		ImageKey:    h.Key(),
		Cached:      cached,
	}, nil
}

// describeEncoding serves the description from the cache when possible and
// populates the cache after a model call otherwise.
func (c *Coordinator) describeEncoding(ctx context.Context, h *encstore.Handle) (string, bool, error) {
	var cacheKey string
	if c.cache != nil {
		cacheKey = cache.Key(c.gate.ModelName(), c.gate.DescribePrompt(), h.Digest())
		hit, err := c.cache.Get(ctx, cacheKey)
		if err != nil {
			core.Logger(ctx).Warn("description cache lookup failed", "key", cacheKey, "error", err)
		} else if hit != nil {
			return hit.Description, true, nil
		}
	}

	description, err := c.gate.Describe(ctx, h.Encoding())
	if err != nil {
		return "", false, err
	}

	if c.cache != nil {
		err := c.cache.Set(ctx, cacheKey, &cache.CachedDescription{
			Description: description,
			Model:       c.gate.ModelName(),
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			core.Logger(ctx).Warn("description cache store failed", "key", cacheKey, "error", err)
		}
	}
	return description, false, nil
}

// Ask answers question about the image stored under key.
func (c *Coordinator) Ask(ctx context.Context, key, question string) (*core.AskResult, error) {
	rec := c.begin(ctx, history.OperationAsk)
	rec.entry.ImageKey = key
	rec.entry.Question = question

	result, err := c.ask(ctx, key, question)
	if result != nil {
		rec.entry.Answer = result.Answer
	}
	c.finish(ctx, rec, err)
	return result, err
}

func (c *Coordinator) ask(ctx context.Context, key, question string) (*core.AskResult, error) {
	if key == "" {
		return nil, core.NewInvalidRequestError("image_key is required", nil)
	}
	if strings.TrimSpace(question) == "" {
		return nil, core.NewInvalidRequestError("question is required", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	h, err := c.store.Acquire(key)
	if err != nil {
		if errors.Is(err, encstore.ErrNotFound) {
			return nil, core.NewExpiredOrUnknownKeyError(key)
		}
		return nil, err
	}
	defer h.Release()

	answer, err := c.gate.Answer(ctx, h.Encoding(), question)
	if err != nil {
		return nil, err
	}
	return &core.AskResult{Answer: answer}, nil
}

// Forget invalidates key. It reports whether the key was live.
// Asks already holding the encoding finish normally.
func (c *Coordinator) Forget(ctx context.Context, key string) bool {
	removed := c.store.Invalidate(key)
	outcome := "ok"
	if !removed {
		outcome = string(core.ErrorTypeExpiredOrUnknownKey)
	}
	observability.Requests.WithLabelValues("forget", outcome).Inc()
	core.Logger(ctx).Debug("image key invalidated", "key", key, "removed", removed)
	return removed
}

// BatchDescribe answers one prompt per image without creating store entries.
// An empty prompts slice asks the describe prompt for every image; otherwise
// prompts must match images one to one. The first failure cancels the batch.
func (c *Coordinator) BatchDescribe(ctx context.Context, images []core.ImageInput, prompts []string) (*core.BatchResult, error) {
	rec := c.begin(ctx, history.OperationBatchDescribe)
	rec.entry.Question = strings.Join(prompts, "\n")

	result, err := c.batchDescribe(ctx, images, prompts)
	if result != nil {
		rec.entry.Answer = strings.Join(result.Answers, "\n")
	}
	c.finish(ctx, rec, err)
	return result, err
}

func (c *Coordinator) batchDescribe(ctx context.Context, images []core.ImageInput, prompts []string) (*core.BatchResult, error) {
	if len(prompts) > 0 && len(prompts) != len(images) {
		return nil, core.NewInvalidRequestError(
			fmt.Sprintf("got %d prompts for %d images; send one prompt per image or none", len(prompts), len(images)), nil)
	}
	return c.fanOut(ctx, images, prompts)
}

// BatchChat answers one chat prompt per image without creating store entries.
// prompts may be shorter than images; images without a prompt, or with an
// empty one, are described. The first failure cancels the batch.
func (c *Coordinator) BatchChat(ctx context.Context, images []core.ImageInput, prompts []string) (*core.BatchResult, error) {
	rec := c.begin(ctx, history.OperationBatchChat)
	rec.entry.Question = strings.Join(prompts, "\n")

	result, err := c.batchChat(ctx, images, prompts)
	if result != nil {
		rec.entry.Answer = strings.Join(result.Answers, "\n")
	}
	c.finish(ctx, rec, err)
	return result, err
}

func (c *Coordinator) batchChat(ctx context.Context, images []core.ImageInput, prompts []string) (*core.BatchResult, error) {
	if len(prompts) > len(images) {
		return nil, core.NewInvalidRequestError(
			fmt.Sprintf("got %d chat requests for %d images", len(prompts), len(images)), nil)
	}
	padded := make([]string, len(images))
	copy(padded, prompts)
	return c.fanOut(ctx, images, padded)
}

// fanOut runs oneShot for every image through the gate and collects the
// answers in input order. prompts is empty or has one entry per image.
func (c *Coordinator) fanOut(ctx context.Context, images []core.ImageInput, prompts []string) (*core.BatchResult, error) {
	if len(images) == 0 {
		return nil, core.NewInvalidRequestError("at least one image is required", nil)
	}
	for i, img := range images {
		if len(img.Data) == 0 {
			return nil, core.NewInvalidRequestError(fmt.Sprintf("image %d (%s) is empty", i, img.Name), nil)
		}
	}

	// Images share the gate, so the whole batch gets one deadline per image.
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout*time.Duration(len(images)))
	defer cancel()

	answers := make([]string, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.gate.Slots())
	for i, img := range images {
		var prompt string
		if len(prompts) > 0 {
			prompt = prompts[i]
		}
		g.Go(func() error {
			answer, err := c.oneShot(gctx, img.Data, prompt)
			if err != nil {
				return err
			}
			answers[i] = answer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &core.BatchResult{Answers: answers}, nil
}

// Chat answers prompt about image in one shot, without creating a store entry.
// An empty prompt produces a description.
func (c *Coordinator) Chat(ctx context.Context, image []byte, prompt string) (string, error) {
	rec := c.begin(ctx, history.OperationChat)
	rec.entry.Question = prompt

	answer, err := c.chat(ctx, image, prompt)
	rec.entry.Answer = answer
	c.finish(ctx, rec, err)
	return answer, err
}

func (c *Coordinator) chat(ctx context.Context, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", core.NewInvalidRequestError("image is required", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	return c.oneShot(ctx, image, prompt)
}

// oneShot encodes image, asks prompt (or describes when prompt is empty) and
// releases the encoding.
func (c *Coordinator) oneShot(ctx context.Context, image []byte, prompt string) (string, error) {
	enc, err := c.gate.Encode(ctx, image)
	if err != nil {
		return "", err
	}
	defer enc.Release()

	if strings.TrimSpace(prompt) == "" {
		return c.gate.Describe(ctx, enc)
	}
	return c.gate.Answer(ctx, enc, prompt)
}

type record struct {
	entry *history.Entry
	start time.Time
}

func (c *Coordinator) begin(ctx context.Context, op string) record {
	return record{
		entry: &history.Entry{
			ID:        uuid.NewString(),
			RequestID: core.GetRequestID(ctx),
			Operation: op,
			Model:     c.gate.ModelName(),
		},
		start: time.Now(),
	}
}

// finish records the outcome in metrics, the log and the history.
func (c *Coordinator) finish(ctx context.Context, rec record, err error) {
	elapsed := time.Since(rec.start)
	rec.entry.Timestamp = rec.start.UTC()
	rec.entry.DurationMs = elapsed.Milliseconds()

	outcome := "ok"
	if err != nil {
		outcome = string(core.TypeOf(err))
		if outcome == "" {
			outcome = "internal_error"
		}
		rec.entry.ErrorType = outcome
		core.Logger(ctx).Warn("request failed",
			"operation", rec.entry.Operation,
			"image_key", rec.entry.ImageKey,
			"duration", elapsed,
			"error", err,
		)
	} else {
		core.Logger(ctx).Info("request completed",
			"operation", rec.entry.Operation,
			"image_key", rec.entry.ImageKey,
			"duration", elapsed,
		)
	}
	observability.Requests.WithLabelValues(rec.entry.Operation, outcome).Inc()
	c.history.Write(rec.entry)
}
