package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"visionchat/internal/coordinator"
	"visionchat/internal/core"
	"visionchat/internal/version"
)

// Handler holds the HTTP handlers
type Handler struct {
	coord *coordinator.Coordinator
}

// NewHandler creates a new handler backed by the coordinator.
func NewHandler(coord *coordinator.Coordinator) *Handler {
	return &Handler{coord: coord}
}

type gateStatus struct {
	Slots    int `json:"slots"`
	InFlight int `json:"in_flight"`
	Waiting  int `json:"waiting"`
}

type systemInfo struct {
	Version    string `json:"version"`
	Build      string `json:"build"`
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"num_cpu"`
	Goroutines int    `json:"goroutines"`
}

type modelInfo struct {
	Name string `json:"name"`
	// Describer is true when the backend captions images itself instead of
	// answering the describe prompt.
	Describer bool `json:"describer"`
}

func currentSystemInfo() systemInfo {
	return systemInfo{
		Version:    version.Version,
		Build:      version.Info(),
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}
}

// Health handles GET /health. With ?deep=true it also checks the backend.
func (h *Handler) Health(c echo.Context) error {
	g := h.coord.Gate()
	_, describer := g.Model().(core.Describer)
	body := map[string]any{
		"status":      "ok",
		"model":       g.ModelName(),
		"system_info": currentSystemInfo(),
		"model_info":  modelInfo{Name: g.ModelName(), Describer: describer},
		"store":       h.coord.Store().Stats(),
		"gate": gateStatus{
			Slots:    g.Slots(),
			InFlight: g.InFlight(),
			Waiting:  g.Waiting(),
		},
	}

	if deep, _ := strconv.ParseBool(c.QueryParam("deep")); deep {
		if checker, ok := g.Model().(core.AvailabilityChecker); ok {
			if err := checker.CheckAvailability(c.Request().Context()); err != nil {
				body["status"] = "degraded"
				body["backend"] = err.Error()
				return c.JSON(http.StatusServiceUnavailable, body)
			}
			body["backend"] = "ok"
		}
	}
	return c.JSON(http.StatusOK, body)
}

// Describe handles POST /describe (multipart field "file").
func (h *Handler) Describe(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("multipart field 'file' is required", err))
	}
	data, err := readImage(file)
	if err != nil {
		return handleError(c, err)
	}

	result, err := h.coord.Describe(c.Request().Context(), data)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type askRequest struct {
	ImageKey string `json:"image_key" form:"image_key"`
	Question string `json:"question" form:"question"`
}

// Ask handles POST /ask (form or JSON body with image_key and question).
func (h *Handler) Ask(c echo.Context) error {
	var req askRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	result, err := h.coord.Ask(c.Request().Context(), req.ImageKey, req.Question)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Forget handles DELETE /v1/images/:key.
func (h *Handler) Forget(c echo.Context) error {
	key := c.Param("key")
	if !h.coord.Forget(c.Request().Context(), key) {
		return handleError(c, core.NewExpiredOrUnknownKeyError(key))
	}
	return c.NoContent(http.StatusNoContent)
}

// BatchDescribe handles POST /batch_describe (multipart "images" and optional "prompts").
func (h *Handler) BatchDescribe(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("multipart form is required", err))
	}

	images, err := formImages(form)
	if err != nil {
		return handleError(c, err)
	}
	var prompts []string
	prompts = append(prompts, form.Value["prompts"]...)
	prompts = append(prompts, form.Value["prompts[]"]...)

	result, err := h.coord.BatchDescribe(c.Request().Context(), images, prompts)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// BatchChat handles POST /batch_chat. The multipart form carries "images" and
// "chat_requests"; the i-th chat request applies to the i-th image. A chat
// request is a JSON object with a "messages" array, and one field may also
// hold a JSON array of such objects. Images without a chat request are described.
func (h *Handler) BatchChat(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("multipart form is required", err))
	}

	images, err := formImages(form)
	if err != nil {
		return handleError(c, err)
	}
	var raw []string
	raw = append(raw, form.Value["chat_requests"]...)
	raw = append(raw, form.Value["chat_requests[]"]...)
	prompts, err := chatRequestPrompts(raw)
	if err != nil {
		return handleError(c, err)
	}

	result, err := h.coord.BatchChat(c.Request().Context(), images, prompts)
	if err != nil {
		return handleError(c, err)
	}

	g := h.coord.Gate()
	created := time.Now().Unix()
	resp := core.BatchChatResponse{Responses: make([]core.BatchChatItem, len(result.Answers))}
	for i, answer := range result.Answers {
		prompt := g.DescribePrompt()
		if i < len(prompts) && prompts[i] != "" {
			prompt = prompts[i]
		}
		promptTokens := len(strings.Fields(prompt))
		completionTokens := len(strings.Fields(answer))
		resp.Responses[i] = core.BatchChatItem{
			ImageIndex: i,
			Model:      g.ModelName(),
			Created:    created,
			Response:   core.Message{Role: "assistant", Content: answer},
			Usage: core.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			},
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// chatRequestPrompts flattens the chat_requests fields into one prompt per request.
func chatRequestPrompts(fields []string) ([]string, error) {
	var prompts []string
	for _, field := range fields {
		if !gjson.Valid(field) {
			return nil, core.NewInvalidRequestError("chat_requests must hold JSON chat requests", nil)
		}
		parsed := gjson.Parse(field)
		requests := []gjson.Result{parsed}
		if parsed.IsArray() {
			requests = parsed.Array()
		}
		for _, req := range requests {
			if !req.IsObject() {
				return nil, core.NewInvalidRequestError("each chat request must be a JSON object", nil)
			}
			prompt, err := lastUserMessage(req.Get("messages").Raw)
			if err != nil {
				return nil, err
			}
			prompts = append(prompts, prompt)
		}
	}
	return prompts, nil
}

// formImages reads the "images" and "images[]" files of a multipart form in order.
func formImages(form *multipart.Form) ([]core.ImageInput, error) {
	var files []*multipart.FileHeader
	files = append(files, form.File["images"]...)
	files = append(files, form.File["images[]"]...)

	images := make([]core.ImageInput, 0, len(files))
	for _, fh := range files {
		data, err := readImage(fh)
		if err != nil {
			return nil, err
		}
		images = append(images, core.ImageInput{Name: fh.Filename, Data: data})
	}
	return images, nil
}

// ChatCompletion handles POST /v1/chat/completions. The request is multipart:
// "file" holds the image, "messages" a JSON array of OpenAI chat messages whose
// last user message is the prompt, plus optional "model", "temperature" and
// "max_tokens" fields.
func (h *Handler) ChatCompletion(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("multipart field 'file' is required", err))
	}
	data, err := readImage(file)
	if err != nil {
		return handleError(c, err)
	}

	prompt, err := lastUserMessage(c.FormValue("messages"))
	if err != nil {
		return handleError(c, err)
	}

	opts, err := generationOptions(c.FormValue("temperature"), c.FormValue("max_tokens"))
	if err != nil {
		return handleError(c, err)
	}

	ctx := core.WithGenerationOptions(c.Request().Context(), opts)
	answer, err := h.coord.Chat(ctx, data, prompt)
	if err != nil {
		return handleError(c, err)
	}

	model := c.FormValue("model")
	if model == "" {
		model = h.coord.Gate().ModelName()
	}
	promptTokens := len(strings.Fields(prompt))
	completionTokens := len(strings.Fields(answer))

	return c.JSON(http.StatusOK, core.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []core.Choice{{
			Index:        0,
			Message:      core.Message{Role: "assistant", Content: answer},
			FinishReason: "stop",
		}},
		Usage: core.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	})
}

// lastUserMessage extracts the prompt from a JSON messages array. Content may
// be a string or an array of parts, in which case text parts are joined.
// An absent messages field selects the default describe prompt.
func lastUserMessage(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return core.DefaultDescribePrompt, nil
	}
	if !gjson.Valid(raw) {
		return "", core.NewInvalidRequestError("messages must be a JSON array", nil)
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return "", core.NewInvalidRequestError("messages must be a JSON array", nil)
	}

	msgs := parsed.Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "user" {
			continue
		}
		content := msgs[i].Get("content")
		if content.IsArray() {
			var parts []string
			for _, part := range content.Array() {
				if part.Get("type").String() == "text" {
					parts = append(parts, part.Get("text").String())
				}
			}
			content = gjson.Result{Type: gjson.String, Str: strings.Join(parts, "\n")}
		}
		if text := strings.TrimSpace(content.String()); text != "" {
			return text, nil
		}
		break
	}
	return core.DefaultDescribePrompt, nil
}

func generationOptions(temperature, maxTokens string) (core.GenerationOptions, error) {
	var opts core.GenerationOptions
	if temperature != "" {
		v, err := strconv.ParseFloat(temperature, 64)
		if err != nil || v < 0 || v > 2 {
			return opts, core.NewInvalidRequestError("temperature must be a number between 0 and 2", err)
		}
		opts.Temperature = &v
	}
	if maxTokens != "" {
		v, err := strconv.Atoi(maxTokens)
		if err != nil || v <= 0 {
			return opts, core.NewInvalidRequestError("max_tokens must be a positive integer", err)
		}
		opts.MaxTokens = &v
	}
	return opts, nil
}

// readImage reads an uploaded file, rejecting parts that do not declare an image content type.
func readImage(fh *multipart.FileHeader) ([]byte, error) {
	if ct := fh.Header.Get(echo.HeaderContentType); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("file %q must be an image, got %s", fh.Filename, ct), nil)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to open upload", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to read upload", err)
	}
	if len(data) == 0 {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("file %q is empty", fh.Filename), nil)
	}
	return data, nil
}

// handleError converts inference errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var ie *core.InferenceError
	if errors.As(err, &ie) {
		return c.JSON(ie.HTTPStatusCode(), ie.ToJSON())
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, core.NewInvalidRequestErrorWithStatus(he.Code, fmt.Sprint(he.Message), err).ToJSON())
	}

	// Fallback for unexpected errors
	core.Logger(c.Request().Context()).Error("unhandled error", "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
