package core

// DefaultDescribePrompt is the question used to produce a description when the
// backend has no dedicated captioning capability.
const DefaultDescribePrompt = "Describe this image."

// DescribeResult is returned by a successful describe call.
type DescribeResult struct {
	Description string `json:"description"`
	ImageKey    string `json:"image_key"`
	// Cached is true when the description was served from the description cache.
	Cached bool `json:"cached,omitempty"`
}

// AskResult is returned by a successful ask call.
type AskResult struct {
	Answer string `json:"answer"`
}

// ImageInput is one uploaded image in a batch request.
type ImageInput struct {
	Name string
	Data []byte
}

// BatchResult holds the answers of a batch describe call, in input order.
type BatchResult struct {
	Answers []string `json:"answers"`
}

// Message represents a chat message in an OpenAI-shaped conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the OpenAI-compatible chat completion object.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a single completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents approximate token usage
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BatchChatResponse is returned by the batch chat endpoint: one response per image.
type BatchChatResponse struct {
	Responses []BatchChatItem `json:"responses"`
}

// BatchChatItem is the answer for one image of a batch chat request.
type BatchChatItem struct {
	ImageIndex int     `json:"image_index"`
	Model      string  `json:"model"`
	Created    int64   `json:"created"`
	Response   Message `json:"response"`
	Usage      Usage   `json:"usage"`
}
