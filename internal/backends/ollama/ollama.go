// Package ollama provides the Ollama vision backend.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"visionchat/internal/backends"
	"visionchat/internal/backends/imageprep"
	"visionchat/internal/core"
	"visionchat/internal/pkg/llmclient"
)

// Registration provides factory registration for the Ollama backend.
var Registration = backends.Registration{
	Type: "ollama",
	New:  New,
}

const defaultBaseURL = "http://localhost:11434"

// Backend implements core.VisionModel against Ollama's native chat API.
type Backend struct {
	client      *llmclient.Client
	model       string
	apiKey      string // Accepted but ignored by Ollama
	temperature float64
	maxTokens   int
	prep        imageprep.Options
}

// New creates a new Ollama backend.
func New(cfg backends.Config) (core.VisionModel, error) {
	return NewBackend(cfg), nil
}

// NewBackend creates a new Ollama backend and returns the concrete type.
func NewBackend(cfg backends.Config) *Backend {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	b := &Backend{
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		prep: imageprep.Options{
			MaxSide:   cfg.MaxImageSide,
			Quality:   cfg.JPEGQuality,
			MaxPixels: cfg.MaxImagePixels,
		},
	}
	clientCfg := llmclient.DefaultConfig("ollama", baseURL)
	clientCfg.MaxRetries = cfg.MaxRetries
	b.client = llmclient.New(cfg.HTTPClient, clientCfg, b.setHeaders)
	return b
}

// Name implements core.VisionModel.
func (b *Backend) Name() string {
	return "ollama/" + b.model
}

// setHeaders sets the required headers for Ollama API requests
func (b *Backend) setHeaders(req *http.Request) {
	// Ollama doesn't require authentication, but accepts Bearer token if provided
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}

// Encode prepares the image once so that every later question reuses the same payload.
func (b *Backend) Encode(_ context.Context, image []byte) (core.Encoding, error) {
	return imageprep.Prepare(image, b.prep)
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// Answer implements core.VisionModel.
func (b *Backend) Answer(ctx context.Context, enc core.Encoding, question string) (string, error) {
	img, ok := enc.(*imageprep.Image)
	if !ok {
		return "", core.NewModelError(b.Name(), fmt.Sprintf("unsupported encoding type %T", enc), nil)
	}
	payload := img.Base64()
	if payload == "" {
		return "", core.NewModelError(b.Name(), "encoding has been released", nil)
	}

	opts := chatOptions{Temperature: b.temperature, NumPredict: b.maxTokens}
	override := core.GetGenerationOptions(ctx)
	if override.Temperature != nil {
		opts.Temperature = *override.Temperature
	}
	if override.MaxTokens != nil {
		opts.NumPredict = *override.MaxTokens
	}

	var resp chatResponse
	err := b.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/api/chat",
		Body: chatRequest{
			Model: b.model,
			Messages: []chatMessage{{
				Role:    "user",
				Content: question,
				Images:  []string{payload},
			}},
			Stream:  false,
			Options: opts,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// CheckAvailability verifies that Ollama is running and the configured model is pulled.
func (b *Backend) CheckAvailability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var resp tagsResponse
	if err := b.client.Do(ctx, llmclient.Request{Method: http.MethodGet, Endpoint: "/api/tags"}, &resp); err != nil {
		return err
	}
	for _, m := range resp.Models {
		if m.Name == b.model || strings.TrimSuffix(m.Name, ":latest") == b.model {
			return nil
		}
	}
	return core.NewModelError(b.Name(), fmt.Sprintf("model %q is not available at %s; run `ollama pull %s`", b.model, b.client.BaseURL(), b.model), nil)
}
