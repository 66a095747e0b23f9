// Package testutil provides testing utilities for the dispatcher.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// KeyBehavior scripts how the mock provider treats requests carrying a
// specific API key.
type KeyBehavior struct {
	StatusCode int
	Text       string
	Delay      time.Duration
}

// MockLLM is a configurable mock LLM provider server. It speaks the
// Gemini generateContent shape and scripts responses per API key, so
// tests can make individual credentials healthy, slow, rate limited or
// revoked.
type MockLLM struct {
	server *httptest.Server

	mu        sync.RWMutex
	behaviors map[string]KeyBehavior
	counts    map[string]int
	total     int
}

// NewMockLLM creates a mock provider server. Keys without scripted
// behavior get a default 200 response.
func NewMockLLM() *MockLLM {
	mock := &MockLLM{
		behaviors: make(map[string]KeyBehavior),
		counts:    make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			// Bearer form used by the OpenAI-style caller.
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		mock.mu.Lock()
		mock.total++
		mock.counts[key]++
		behavior, scripted := mock.behaviors[key]
		mock.mu.Unlock()

		if !scripted {
			behavior = KeyBehavior{StatusCode: http.StatusOK, Text: "ok"}
		}

		if behavior.Delay > 0 {
			select {
			case <-time.After(behavior.Delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if behavior.StatusCode != http.StatusOK {
			w.WriteHeader(behavior.StatusCode)
			fmt.Fprintf(w, `{"error": {"code": %d}}`, behavior.StatusCode)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}],"modelVersion":"mock"}`,
			behavior.Text)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockLLM) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockLLM) Close() {
	m.server.Close()
}

// Script sets the behavior for requests carrying the given API key.
func (m *MockLLM) Script(key string, behavior KeyBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[key] = behavior
}

// Reset clears scripted behaviors and counters.
func (m *MockLLM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors = make(map[string]KeyBehavior)
	m.counts = make(map[string]int)
	m.total = 0
}

// RequestCount returns the total number of requests served.
func (m *MockLLM) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// KeyRequestCount returns how many requests carried the given key.
func (m *MockLLM) KeyRequestCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[key]
}

// Healthy scripts a 200 response returning the given text.
func Healthy(text string) KeyBehavior {
	return KeyBehavior{StatusCode: http.StatusOK, Text: text}
}

// RateLimited scripts a 429 response.
func RateLimited() KeyBehavior {
	return KeyBehavior{StatusCode: http.StatusTooManyRequests}
}

// Revoked scripts a 401 response.
func Revoked() KeyBehavior {
	return KeyBehavior{StatusCode: http.StatusUnauthorized}
}

// Slow scripts a 200 response delivered after the given delay.
func Slow(text string, delay time.Duration) KeyBehavior {
	return KeyBehavior{StatusCode: http.StatusOK, Text: text, Delay: delay}
}
