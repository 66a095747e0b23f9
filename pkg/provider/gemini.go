package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/quizforge/llm-dispatch/pkg/dispatch"
	"github.com/quizforge/llm-dispatch/pkg/keypool"
)

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"
	geminiDefaultModel   = "gemini-2.0-flash"
)

// GeminiCaller speaks the Gemini generateContent wire format.
type GeminiCaller struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     zerolog.Logger
}

// GeminiOption configures a GeminiCaller.
type GeminiOption func(*GeminiCaller)

// WithGeminiBaseURL overrides the API base URL (for testing).
func WithGeminiBaseURL(u string) GeminiOption {
	return func(c *GeminiCaller) { c.baseURL = u }
}

// WithGeminiModel sets the default model for requests that omit one.
func WithGeminiModel(m string) GeminiOption {
	return func(c *GeminiCaller) { c.model = m }
}

// NewGemini creates a Gemini caller.
func NewGemini(logger zerolog.Logger, opts ...GeminiOption) *GeminiCaller {
	c := &GeminiCaller{
		httpClient: newHTTPClient(),
		baseURL:    geminiDefaultBaseURL,
		model:      geminiDefaultModel,
		logger:     logger.With().Str("provider", Gemini).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gemini wire types.
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"system_instruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Call implements dispatch.Caller.
func (c *GeminiCaller) Call(ctx context.Context, payload any, cred keypool.Credential) (any, error) {
	req, err := asGenerationRequest(payload)
	if err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: Gemini, Message: "bad payload", Err: err}
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}}},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	if req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	raw, err := c.post(ctx, url, cred, body)
	if err != nil {
		return nil, err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: Gemini, Message: "unparseable response body", Err: err}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: Gemini, Message: "response has no candidates"}
	}

	return &GenerationResponse{
		Text:     parsed.Candidates[0].Content.Parts[0].Text,
		Model:    model,
		Provider: Gemini,
	}, nil
}

// post sends the request with the credential as a query parameter, the
// Gemini key-auth scheme.
func (c *GeminiCaller) post(ctx context.Context, url string, cred keypool.Credential, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: Gemini, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"?key="+cred.Key, bytes.NewReader(buf))
	if err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindInvalidResponse, Provider: Gemini, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(Gemini, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(Gemini, err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := classifyStatus(resp.StatusCode)
		c.logger.Debug().
			Int("status", resp.StatusCode).
			Str("error_kind", string(kind)).
			Msg("Provider returned error status")
		return nil, &dispatch.Error{
			Kind:     kind,
			Provider: Gemini,
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw, 200)),
		}
	}
	return raw, nil
}

// asGenerationRequest accepts both value and pointer payloads.
func asGenerationRequest(payload any) (*GenerationRequest, error) {
	switch p := payload.(type) {
	case *GenerationRequest:
		return p, nil
	case GenerationRequest:
		return &p, nil
	default:
		return nil, fmt.Errorf("payload must be provider.GenerationRequest, got %T", payload)
	}
}

// transportError maps network failures, keeping deadline expiry
// distinguishable as a timeout.
func transportError(providerName string, err error) error {
	kind := dispatch.KindTransportError
	if errors.Is(err, context.DeadlineExceeded) {
		kind = dispatch.KindTimeout
	}
	return &dispatch.Error{Kind: kind, Provider: providerName, Message: "request failed", Err: err}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
