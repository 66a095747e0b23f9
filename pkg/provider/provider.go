// Package provider implements the provider call capability consumed by
// the dispatcher: concrete HTTP callers for each supported LLM provider
// and a registry that selects one by provider identifier.
package provider

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/quizforge/llm-dispatch/pkg/dispatch"
)

// Supported provider identifiers.
const (
	Gemini = "gemini"
	OpenAI = "openai"
)

// GenerationRequest is the payload both built-in callers accept. The
// dispatcher never inspects it; callers assert the payload back to this
// type.
type GenerationRequest struct {
	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopP         float64 `json:"top_p,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// GenerationResponse is the normalized provider output.
type GenerationResponse struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// Registry maps provider identifiers to callers. Safe for concurrent
// use; registration normally happens once at startup.
type Registry struct {
	mu      sync.RWMutex
	callers map[string]dispatch.Caller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{callers: make(map[string]dispatch.Caller)}
}

// Register adds or replaces the caller for a provider identifier.
func (r *Registry) Register(name string, c dispatch.Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callers[name] = c
}

// Get returns the caller for a provider identifier.
func (r *Registry) Get(name string) (dispatch.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.callers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
	return c, nil
}

// Providers returns the registered provider identifiers, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.callers))
	for name := range r.callers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newHTTPClient returns the transport used by the built-in callers.
// Per-attempt deadlines come from the context, so no client timeout.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// classifyStatus maps an HTTP status to the dispatch error taxonomy.
func classifyStatus(status int) dispatch.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return dispatch.KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return dispatch.KindAuthError
	case status >= 400 && status < 500:
		return dispatch.KindInvalidResponse
	default:
		return dispatch.KindTransportError
	}
}
