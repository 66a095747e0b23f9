package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizforge/llm-dispatch/internal/testutil"
	"github.com/quizforge/llm-dispatch/pkg/batch"
	"github.com/quizforge/llm-dispatch/pkg/config"
	"github.com/quizforge/llm-dispatch/pkg/dispatch"
	"github.com/quizforge/llm-dispatch/pkg/jobs"
	"github.com/quizforge/llm-dispatch/pkg/keypool"
	"github.com/quizforge/llm-dispatch/pkg/provider"
)

// testApp wires the service graph against a mock provider server.
func testApp(t *testing.T, mock *testutil.MockLLM) *app {
	t.Helper()

	cfg := config.Default()
	cfg.GeminiAPIKeys = []string{"key-0", "key-1", "key-2"}
	cfg.EnableAsyncJobs = true
	cfg.APICallTimeout = 5 * time.Second
	cfg.APIRetryTimeout = 2 * time.Second
	cfg.BatchTimeout = 10 * time.Second

	a := &app{
		cfg:          cfg,
		registry:     provider.NewRegistry(),
		pools:        make(map[string]*keypool.Pool),
		dispatchers:  make(map[string]*dispatch.Dispatcher),
		coordinators: make(map[string]*batch.Coordinator),
		logger:       zerolog.Nop(),
	}
	a.registry.Register(provider.Gemini,
		provider.NewGemini(zerolog.Nop(), provider.WithGeminiBaseURL(mock.URL())))

	if err := a.wireProvider(provider.Gemini, cfg.GeminiAPIKeys); err != nil {
		t.Fatalf("wireProvider() error = %v", err)
	}
	if err := a.wireJobs(); err != nil {
		t.Fatalf("wireJobs() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = a.jobSvc.Run(ctx, 2) }()

	return a
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w.Result()
}

func TestDispatchEndpoint(t *testing.T) {
	mock := testutil.NewMockLLM()
	defer mock.Close()
	mock.Script("key-0", testutil.Healthy("hello"))
	mock.Script("key-1", testutil.Healthy("hello"))
	mock.Script("key-2", testutil.Healthy("hello"))

	handler := testApp(t, mock).routes()

	resp := postJSON(t, handler, "/v1/dispatch", `{"request": {"user_prompt": "hi"}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200 (body: %s)", resp.StatusCode, body)
	}

	var result struct {
		State    string `json:"state"`
		Response struct {
			Text string `json:"text"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.State != string(dispatch.StateSucceeded) {
		t.Errorf("state = %s, want SUCCEEDED", result.State)
	}
	if result.Response.Text != "hello" {
		t.Errorf("text = %q, want %q", result.Response.Text, "hello")
	}
}

func TestDispatchUnknownProvider(t *testing.T) {
	mock := testutil.NewMockLLM()
	defer mock.Close()

	handler := testApp(t, mock).routes()

	resp := postJSON(t, handler, "/v1/dispatch",
		`{"provider": "anthropic", "request": {"user_prompt": "hi"}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDispatchRevokedKeysExhaustPool(t *testing.T) {
	mock := testutil.NewMockLLM()
	defer mock.Close()
	for _, k := range []string{"key-0", "key-1", "key-2"} {
		mock.Script(k, testutil.Revoked())
	}

	handler := testApp(t, mock).routes()

	resp := postJSON(t, handler, "/v1/dispatch", `{"request": {"user_prompt": "hi"}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestBatchEndpoint(t *testing.T) {
	mock := testutil.NewMockLLM()
	defer mock.Close()

	handler := testApp(t, mock).routes()

	resp := postJSON(t, handler, "/v1/dispatch/batch",
		`{"requests": [{"user_prompt": "a"}, {"user_prompt": "b"}, {"user_prompt": "c"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200 (body: %s)", resp.StatusCode, body)
	}

	var result struct {
		Results []struct {
			State string `json:"state"`
		} `json:"Results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3", len(result.Results))
	}
	for i, r := range result.Results {
		if r.State != string(dispatch.StateSucceeded) {
			t.Errorf("Results[%d].State = %s, want SUCCEEDED", i, r.State)
		}
	}
}

func TestBatchTooLarge(t *testing.T) {
	mock := testutil.NewMockLLM()
	defer mock.Close()

	handler := testApp(t, mock).routes()

	var reqs []string
	for i := 0; i < config.Default().MaxBatchSize+1; i++ {
		reqs = append(reqs, fmt.Sprintf(`{"user_prompt": "q%d"}`, i))
	}
	body := `{"requests": [` + strings.Join(reqs, ",") + `]}`

	resp := postJSON(t, handler, "/v1/dispatch/batch", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("provider requests = %d, want 0 for rejected batch", mock.RequestCount())
	}
}

func TestJobLifecycle(t *testing.T) {
	mock := testutil.NewMockLLM()
	defer mock.Close()

	handler := testApp(t, mock).routes()

	resp := postJSON(t, handler, "/v1/jobs",
		`{"requests": [{"user_prompt": "a"}, {"user_prompt": "b"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202 (body: %s)", resp.StatusCode, body)
	}

	var created jobs.Job
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if created.ID == "" {
		t.Fatal("job id is empty")
	}

	deadline := time.After(5 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+created.ID, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("GET job status = %d, want 200", w.Code)
		}

		var job jobs.Job
		if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status.Terminal() {
			if job.Status != jobs.StatusCompleted {
				t.Fatalf("job status = %s, want COMPLETED (error: %s)", job.Status, job.Error)
			}
			if len(job.Results) != 2 {
				t.Errorf("len(Results) = %d, want 2", len(job.Results))
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job still %s after 5s", job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestJobNotFound(t *testing.T) {
	mock := testutil.NewMockLLM()
	defer mock.Close()

	handler := testApp(t, mock).routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/no-such-job", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	mock := testutil.NewMockLLM()
	defer mock.Close()

	handler := testApp(t, mock).routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var health struct {
		Status string `json:"status"`
		Pools  map[string]struct {
			Healthy int `json:"healthy"`
			Total   int `json:"total"`
		} `json:"pools"`
	}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	pool, ok := health.Pools["gemini"]
	if !ok {
		t.Fatal("health is missing the gemini pool")
	}
	if pool.Healthy != 3 || pool.Total != 3 {
		t.Errorf("pool = %+v, want 3 healthy of 3", pool)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mock := testutil.NewMockLLM()
	defer mock.Close()

	handler := testApp(t, mock).routes()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("expected Prometheus format metrics output")
	}
	if !strings.Contains(body, "dispatch_pool_healthy_credentials") {
		t.Error("expected metrics output to contain dispatch_pool_healthy_credentials")
	}
}
