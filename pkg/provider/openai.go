package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/quizforge/llm-dispatch/pkg/dispatch"
	"github.com/quizforge/llm-dispatch/pkg/keypool"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com"
	openAIDefaultModel   = "gpt-4o-mini"
)

// OpenAICaller speaks the OpenAI chat completions wire format.
type OpenAICaller struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     zerolog.Logger
}

// OpenAIOption configures an OpenAICaller.
type OpenAIOption func(*OpenAICaller)

// WithOpenAIBaseURL overrides the API base URL (for testing).
func WithOpenAIBaseURL(u string) OpenAIOption {
	return func(c *OpenAICaller) { c.baseURL = u }
}

// WithOpenAIModel sets the default model for requests that omit one.
func WithOpenAIModel(m string) OpenAIOption {
	return func(c *OpenAICaller) { c.model = m }
}

// NewOpenAI creates an OpenAI caller.
func NewOpenAI(logger zerolog.Logger, opts ...OpenAIOption) *OpenAICaller {
	c := &OpenAICaller{
		httpClient: newHTTPClient(),
		baseURL:    openAIDefaultBaseURL,
		model:      openAIDefaultModel,
		logger:     logger.With().Str("provider", OpenAI).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenAI wire types.
type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

// Call implements dispatch.Caller.
func (c *OpenAICaller) Call(ctx context.Context, payload any, cred keypool.Credential) (any, error) {
	req, err := asGenerationRequest(payload)
	if err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: OpenAI, Message: "bad payload", Err: err}
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	var messages []openAIMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.UserPrompt})

	body := openAIRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: OpenAI, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: OpenAI, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(OpenAI, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(OpenAI, err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := classifyStatus(resp.StatusCode)
		c.logger.Debug().
			Int("status", resp.StatusCode).
			Str("error_kind", string(kind)).
			Msg("Provider returned error status")
		return nil, &dispatch.Error{
			Kind:     kind,
			Provider: OpenAI,
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw, 200)),
		}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: OpenAI, Message: "unparseable response body", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: OpenAI, Message: "response has no choices"}
	}

	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return &GenerationResponse{
		Text:     parsed.Choices[0].Message.Content,
		Model:    respModel,
		Provider: OpenAI,
	}, nil
}
