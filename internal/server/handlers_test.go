package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionchat/internal/coordinator"
	"visionchat/internal/core"
	"visionchat/internal/encstore"
	"visionchat/internal/gate"
	"visionchat/internal/version"
)

type testEncoding struct{ image string }

func (e *testEncoding) Size() int64 { return int64(len(e.image)) }
func (e *testEncoding) Release()    {}

// echoModel answers "<image>: <question>" and remembers the last generation options.
type echoModel struct {
	mu       sync.Mutex
	lastOpts core.GenerationOptions
	err      error
	checkErr error
}

func (m *echoModel) Name() string { return "test/echo" }

func (m *echoModel) Encode(_ context.Context, image []byte) (core.Encoding, error) {
	return &testEncoding{image: string(image)}, nil
}

func (m *echoModel) Answer(ctx context.Context, enc core.Encoding, q string) (string, error) {
	m.mu.Lock()
	m.lastOpts = core.GetGenerationOptions(ctx)
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return enc.(*testEncoding).image + ": " + q, nil
}

func (m *echoModel) CheckAvailability(context.Context) error { return m.checkErr }

func newTestServer(t *testing.T, model core.VisionModel, cfg *Config) *Server {
	t.Helper()
	g := gate.New(model, gate.Config{Slots: 1, CallTimeout: 5 * time.Second})
	coord := coordinator.New(g, encstore.New(encstore.Config{TTL: time.Minute}), coordinator.Config{})
	return New(coord, cfg)
}

type formFile struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, files []formFile, values map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.filename))
		h.Set("Content-Type", f.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	for k, vs := range values {
		for _, v := range vs {
			require.NoError(t, w.WriteField(k, v))
		}
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func do(t *testing.T, s *Server, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func describe(t *testing.T, s *Server, image string) core.DescribeResult {
	t.Helper()
	body, ct := multipartBody(t, []formFile{{"file", "cat.jpg", "image/jpeg", []byte(image)}}, nil)
	rec := do(t, s, http.MethodPost, "/describe", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res core.DescribeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Type
}

func TestDescribeAndAsk(t *testing.T) {
	s := newTestServer(t, &echoModel{}, nil)

	described := describe(t, s, "cat.jpg")
	assert.Equal(t, "cat.jpg: "+core.DefaultDescribePrompt, described.Description)
	require.NotEmpty(t, described.ImageKey)

	t.Run("json body", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]string{"image_key": described.ImageKey, "question": "what color is the cat?"})
		rec := do(t, s, http.MethodPost, "/ask", bytes.NewBuffer(payload), echo.MIMEApplicationJSON)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"answer":"cat.jpg: what color is the cat?"}`, rec.Body.String())
	})

	t.Run("form body", func(t *testing.T) {
		form := "image_key=" + described.ImageKey + "&question=how+many+cats%3F"
		rec := do(t, s, http.MethodPost, "/ask", bytes.NewBufferString(form), echo.MIMEApplicationForm)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"answer":"cat.jpg: how many cats?"}`, rec.Body.String())
	})

	t.Run("unknown key", func(t *testing.T) {
		payload := `{"image_key":"unknown-key","question":"x"}`
		rec := do(t, s, http.MethodPost, "/ask", bytes.NewBufferString(payload), echo.MIMEApplicationJSON)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, string(core.ErrorTypeExpiredOrUnknownKey), errorType(t, rec))
	})

	t.Run("missing question", func(t *testing.T) {
		payload := `{"image_key":"` + described.ImageKey + `"}`
		rec := do(t, s, http.MethodPost, "/ask", bytes.NewBufferString(payload), echo.MIMEApplicationJSON)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(core.ErrorTypeInvalidRequest), errorType(t, rec))
	})
}

func TestDescribe_Rejections(t *testing.T) {
	s := newTestServer(t, &echoModel{}, nil)

	t.Run("not an image", func(t *testing.T) {
		body, ct := multipartBody(t, []formFile{{"file", "notes.txt", "text/plain", []byte("hello")}}, nil)
		rec := do(t, s, http.MethodPost, "/describe", body, ct)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(core.ErrorTypeInvalidRequest), errorType(t, rec))
	})

	t.Run("missing file", func(t *testing.T) {
		body, ct := multipartBody(t, nil, map[string][]string{"other": {"x"}})
		rec := do(t, s, http.MethodPost, "/describe", body, ct)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("model error", func(t *testing.T) {
		failing := newTestServer(t, &echoModel{err: errors.New("cuda error")}, nil)
		body, ct := multipartBody(t, []formFile{{"file", "cat.jpg", "image/jpeg", []byte("cat")}}, nil)
		rec := do(t, failing, http.MethodPost, "/describe", body, ct)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, string(core.ErrorTypeModel), errorType(t, rec))
	})
}

func TestForget(t *testing.T) {
	s := newTestServer(t, &echoModel{}, nil)
	described := describe(t, s, "cat.jpg")

	rec := do(t, s, http.MethodDelete, "/v1/images/"+described.ImageKey, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodDelete, "/v1/images/"+described.ImageKey, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(core.ErrorTypeExpiredOrUnknownKey), errorType(t, rec))
}

func TestBatchDescribe(t *testing.T) {
	s := newTestServer(t, &echoModel{}, nil)
	files := []formFile{
		{"images", "a.jpg", "image/jpeg", []byte("a.jpg")},
		{"images", "b.png", "image/png", []byte("b.png")},
	}

	t.Run("default prompts", func(t *testing.T) {
		body, ct := multipartBody(t, files, nil)
		rec := do(t, s, http.MethodPost, "/batch_describe", body, ct)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res core.BatchResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, []string{
			"a.jpg: " + core.DefaultDescribePrompt,
			"b.png: " + core.DefaultDescribePrompt,
		}, res.Answers)
	})

	t.Run("explicit prompts", func(t *testing.T) {
		body, ct := multipartBody(t, files, map[string][]string{"prompts": {"count", "colors"}})
		rec := do(t, s, http.MethodPost, "/batch_describe", body, ct)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"answers":["a.jpg: count","b.png: colors"]}`, rec.Body.String())
	})

	t.Run("prompt count mismatch", func(t *testing.T) {
		body, ct := multipartBody(t, files, map[string][]string{"prompts": {"only one"}})
		rec := do(t, s, http.MethodPost, "/batch_describe", body, ct)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBatchChat(t *testing.T) {
	s := newTestServer(t, &echoModel{}, nil)
	files := []formFile{
		{"images", "a.jpg", "image/jpeg", []byte("a.jpg")},
		{"images", "b.png", "image/png", []byte("b.png")},
		{"images", "c.gif", "image/gif", []byte("c.gif")},
	}

	t.Run("one chat request per image", func(t *testing.T) {
		body, ct := multipartBody(t, files, map[string][]string{"chat_requests": {
			`{"messages":[{"role":"user","content":"how many cats"}]}`,
			`{"messages":[{"role":"user","content":"ignored"},{"role":"assistant","content":"ok"},{"role":"user","content":[{"type":"text","text":"what color"}]}]}`,
		}})
		rec := do(t, s, http.MethodPost, "/batch_chat", body, ct)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp core.BatchChatResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Responses, 3)

		want := []string{
			"a.jpg: how many cats",
			"b.png: what color",
			"c.gif: " + core.DefaultDescribePrompt,
		}
		for i, item := range resp.Responses {
			assert.Equal(t, i, item.ImageIndex)
			assert.Equal(t, "test/echo", item.Model)
			assert.NotZero(t, item.Created)
			assert.Equal(t, "assistant", item.Response.Role)
			assert.Equal(t, want[i], item.Response.Content)
		}
		assert.Equal(t, 3, resp.Responses[0].Usage.PromptTokens)
		assert.Equal(t, 4, resp.Responses[0].Usage.CompletionTokens)
		assert.Equal(t, 7, resp.Responses[0].Usage.TotalTokens)
		assert.Equal(t, 3, resp.Responses[2].Usage.PromptTokens)
	})

	t.Run("array of chat requests", func(t *testing.T) {
		body, ct := multipartBody(t, files[:2], map[string][]string{"chat_requests": {
			`[{"messages":[{"role":"user","content":"first"}]},{"messages":[]}]`,
		}})
		rec := do(t, s, http.MethodPost, "/batch_chat", body, ct)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp core.BatchChatResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Responses, 2)
		assert.Equal(t, "a.jpg: first", resp.Responses[0].Response.Content)
		assert.Equal(t, "b.png: "+core.DefaultDescribePrompt, resp.Responses[1].Response.Content)
	})

	t.Run("rejections", func(t *testing.T) {
		for name, values := range map[string]map[string][]string{
			"invalid json":      {"chat_requests": {"{nope"}},
			"not an object":     {"chat_requests": {`"describe"`}},
			"messages object":   {"chat_requests": {`{"messages":{"role":"user"}}`}},
			"too many requests": {"chat_requests": {`{}`, `{}`, `{}`, `{}`}},
		} {
			t.Run(name, func(t *testing.T) {
				body, ct := multipartBody(t, files, values)
				rec := do(t, s, http.MethodPost, "/batch_chat", body, ct)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Equal(t, string(core.ErrorTypeInvalidRequest), errorType(t, rec))
			})
		}
	})

	t.Run("no images", func(t *testing.T) {
		body, ct := multipartBody(t, nil, map[string][]string{"chat_requests": {`{}`}})
		rec := do(t, s, http.MethodPost, "/batch_chat", body, ct)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestChatCompletion(t *testing.T) {
	model := &echoModel{}
	s := newTestServer(t, model, nil)

	messages := `[
		{"role":"system","content":"You are helpful."},
		{"role":"user","content":"first question"},
		{"role":"assistant","content":"first answer"},
		{"role":"user","content":[{"type":"text","text":"What breed"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"is it?"}]}
	]`
	body, ct := multipartBody(t,
		[]formFile{{"file", "cat.jpg", "image/jpeg", []byte("cat.jpg")}},
		map[string][]string{"messages": {messages}, "temperature": {"0.5"}, "max_tokens": {"32"}, "model": {"moondream2"}},
	)
	rec := do(t, s, http.MethodPost, "/v1/chat/completions", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp core.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "moondream2", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "cat.jpg: What breed\nis it?", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 4, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
	assert.Equal(t, 9, resp.Usage.TotalTokens)

	model.mu.Lock()
	defer model.mu.Unlock()
	require.NotNil(t, model.lastOpts.Temperature)
	assert.InDelta(t, 0.5, *model.lastOpts.Temperature, 1e-9)
	require.NotNil(t, model.lastOpts.MaxTokens)
	assert.Equal(t, 32, *model.lastOpts.MaxTokens)
}

func TestChatCompletion_InvalidFields(t *testing.T) {
	s := newTestServer(t, &echoModel{}, nil)
	file := []formFile{{"file", "cat.jpg", "image/jpeg", []byte("cat.jpg")}}

	for name, values := range map[string]map[string][]string{
		"bad messages":    {"messages": {"{not json"}},
		"object messages": {"messages": {`{"role":"user"}`}},
		"bad temperature": {"temperature": {"hot"}},
		"bad max tokens":  {"max_tokens": {"-1"}},
	} {
		t.Run(name, func(t *testing.T) {
			body, ct := multipartBody(t, file, values)
			rec := do(t, s, http.MethodPost, "/v1/chat/completions", body, ct)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestLastUserMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", core.DefaultDescribePrompt},
		{"string content", `[{"role":"user","content":"hi there"}]`, "hi there"},
		{"last user wins", `[{"role":"user","content":"a"},{"role":"user","content":"b"}]`, "b"},
		{"assistant last", `[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]`, "a"},
		{"blank user content", `[{"role":"user","content":"  "}]`, core.DefaultDescribePrompt},
		{"no user", `[{"role":"system","content":"s"}]`, core.DefaultDescribePrompt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := lastUserMessage(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealth(t *testing.T) {
	model := &echoModel{}
	g := gate.New(model, gate.Config{Slots: 2})
	coord := coordinator.New(g, encstore.New(encstore.Config{}), coordinator.Config{})
	h := NewHandler(coord)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
	require.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test/echo", body["model"])
	assert.EqualValues(t, 2, body["gate"].(map[string]any)["slots"])
	assert.EqualValues(t, 0, body["store"].(map[string]any)["entries"])

	system := body["system_info"].(map[string]any)
	assert.Equal(t, runtime.Version(), system["go_version"])
	assert.Equal(t, runtime.GOOS, system["os"])
	assert.Equal(t, runtime.GOARCH, system["arch"])
	assert.Equal(t, version.Info(), system["build"])
	info := body["model_info"].(map[string]any)
	assert.Equal(t, "test/echo", info["name"])
	assert.Equal(t, false, info["describer"])

	model.checkErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/health?deep=true", nil), rec)
	require.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestServer_AuthAndMetrics(t *testing.T) {
	s := newTestServer(t, &echoModel{}, &Config{
		MasterKey:       "secret",
		MetricsEnabled:  true,
		MetricsEndpoint: "/metrics",
	})

	rec := do(t, s, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "visionchat_")

	body, ct := multipartBody(t, []formFile{{"file", "cat.jpg", "image/jpeg", []byte("cat")}}, nil)
	rec = do(t, s, http.MethodPost, "/describe", body, ct)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(core.ErrorTypeAuthentication), errorType(t, rec))
}

func TestServer_RequestID(t *testing.T) {
	s := newTestServer(t, &echoModel{}, nil)

	rec := do(t, s, http.MethodGet, "/health", nil, "")
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderXRequestID, "client-chosen-id")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "client-chosen-id", rec.Header().Get(echo.HeaderXRequestID))
}

func TestServer_BodyLimit(t *testing.T) {
	s := newTestServer(t, &echoModel{}, &Config{BodyLimit: "1K"})
	body, ct := multipartBody(t, []formFile{{"file", "big.jpg", "image/jpeg", bytes.Repeat([]byte("x"), 4096)}}, nil)
	rec := do(t, s, http.MethodPost, "/describe", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleError_Unexpected(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	require.NoError(t, handleError(c, errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", errorType(t, rec))
}
