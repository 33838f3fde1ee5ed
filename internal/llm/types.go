package llm

import "context"

// Message is a single chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries one completion call. Zero Temperature and MaxTokens
// fall back to the client defaults. ResponseFormat "json_object" asks
// gateways that support it to force a JSON reply; others ignore it.
type Request struct {
	Messages       []Message
	Temperature    float64
	MaxTokens      int
	ResponseFormat string
}

// Usage is the token accounting reported by the gateway.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the assistant's reply plus accounting metadata.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Completer is the capability agents program against; tests substitute
// scripted fakes, production wires *Client.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// wireRequest is the OpenAI-compatible chat-completions payload.
type wireRequest struct {
	Model          string              `json:"model"`
	Messages       []Message           `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`
}

type wireResponseFormat struct {
	Type string `json:"type"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

type wireChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
