// Package openai provides a vision backend for OpenAI-compatible chat servers
// (llama.cpp server, vLLM, LM Studio, moondream station).
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"visionchat/internal/backends"
	"visionchat/internal/backends/imageprep"
	"visionchat/internal/core"
	"visionchat/internal/pkg/llmclient"
)

// Registration provides factory registration for OpenAI-compatible backends.
var Registration = backends.Registration{
	Type: "openai",
	New:  New,
}

const defaultBaseURL = "http://localhost:8000"

// Backend implements core.VisionModel against /v1/chat/completions with image_url content parts.
type Backend struct {
	client      *llmclient.Client
	model       string
	apiKey      string
	temperature float64
	maxTokens   int
	prep        imageprep.Options
}

// New creates a new OpenAI-compatible backend.
func New(cfg backends.Config) (core.VisionModel, error) {
	return NewBackend(cfg), nil
}

// NewBackend creates a new OpenAI-compatible backend and returns the concrete type.
// A base URL ending in /v1 is accepted as well as the bare server root.
func NewBackend(cfg backends.Config) *Backend {
	baseURL := strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/v1")
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
	clientCfg := llmclient.DefaultConfig("openai", baseURL)
	clientCfg.MaxRetries = cfg.MaxRetries
	b.client = llmclient.New(cfg.HTTPClient, clientCfg, b.setHeaders)
	return b
}

// Name implements core.VisionModel.
func (b *Backend) Name() string {
	return "openai/" + b.model
}

func (b *Backend) setHeaders(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}

// Encode implements core.VisionModel.
func (b *Backend) Encode(_ context.Context, image []byte) (core.Encoding, error) {
	return imageprep.Prepare(image, b.prep)
}

type imageURL struct {
	URL string `json:"url"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// Answer implements core.VisionModel.
func (b *Backend) Answer(ctx context.Context, enc core.Encoding, question string) (string, error) {
	img, ok := enc.(*imageprep.Image)
	if !ok {
		return "", core.NewModelError(b.Name(), fmt.Sprintf("unsupported encoding type %T", enc), nil)
	}
	if img.Size() == 0 {
		return "", core.NewModelError(b.Name(), "encoding has been released", nil)
	}

	req := chatRequest{
		Model: b.model,
		Messages: []message{{
			Role: "user",
			Content: []contentPart{
				{Type: "image_url", ImageURL: &imageURL{URL: img.DataURI()}},
				{Type: "text", Text: question},
			},
		}},
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
	}
	override := core.GetGenerationOptions(ctx)
	if override.Temperature != nil {
		req.Temperature = *override.Temperature
	}
	if override.MaxTokens != nil {
		req.MaxTokens = *override.MaxTokens
	}

	resp, err := b.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/v1/chat/completions",
		Body:     req,
	})
	if err != nil {
		return "", err
	}

	content := gjson.GetBytes(resp.Body, "choices.0.message.content")
	if !content.Exists() {
		return "", core.NewModelError(b.Name(), "response has no choices", nil)
	}
	return strings.TrimSpace(content.String()), nil
}

// CheckAvailability verifies that the server answers the models endpoint.
func (b *Backend) CheckAvailability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := b.client.DoRaw(ctx, llmclient.Request{Method: http.MethodGet, Endpoint: "/v1/models"})
	return err
}
