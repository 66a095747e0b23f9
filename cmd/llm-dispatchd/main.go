// llm-dispatchd serves LLM calls over HTTP, spreading load across a
// pool of provider API keys with retry, failover and batch execution.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quizforge/llm-dispatch/pkg/batch"
	"github.com/quizforge/llm-dispatch/pkg/config"
	"github.com/quizforge/llm-dispatch/pkg/dispatch"
	"github.com/quizforge/llm-dispatch/pkg/jobs"
	"github.com/quizforge/llm-dispatch/pkg/keypool"
	"github.com/quizforge/llm-dispatch/pkg/logging"
	"github.com/quizforge/llm-dispatch/pkg/provider"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	}).With().Str("component", "main").Logger()

	app, err := newApp(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if app.jobSvc != nil {
		go func() {
			if err := app.jobSvc.Run(ctx, cfg.MaxParallelAPIKeys); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("job worker stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Strs("providers", app.registry.Providers()).
		Bool("fast_failover", cfg.EnableFastFailover).
		Bool("async_jobs", app.jobSvc != nil).
		Msg("dispatcher listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

// app holds the wired service graph: one pool, dispatcher and batch
// coordinator per configured provider.
type app struct {
	cfg          config.Config
	registry     *provider.Registry
	pools        map[string]*keypool.Pool
	dispatchers  map[string]*dispatch.Dispatcher
	coordinators map[string]*batch.Coordinator
	jobSvc       *jobs.Service
	logger       zerolog.Logger
}

func newApp(cfg config.Config) (*app, error) {
	a := &app{
		cfg:          cfg,
		registry:     provider.NewRegistry(),
		pools:        make(map[string]*keypool.Pool),
		dispatchers:  make(map[string]*dispatch.Dispatcher),
		coordinators: make(map[string]*batch.Coordinator),
		logger:       logging.NewLogger("app"),
	}

	a.registry.Register(provider.Gemini, provider.NewGemini(logging.NewLogger("gemini")))
	a.registry.Register(provider.OpenAI, provider.NewOpenAI(logging.NewLogger("openai")))

	for _, id := range a.registry.Providers() {
		keys := cfg.ProviderKeys(id)
		if len(keys) == 0 {
			continue
		}
		if err := a.wireProvider(id, keys); err != nil {
			return nil, fmt.Errorf("wire provider %s: %w", id, err)
		}
	}
	if len(a.dispatchers) == 0 {
		return nil, errors.New("no provider has API keys configured")
	}
	if _, ok := a.dispatchers[cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("default provider %q has no API keys", cfg.DefaultProvider)
	}

	if cfg.EnableAsyncJobs {
		if err := a.wireJobs(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) wireProvider(id string, keys []string) error {
	pool, err := keypool.New(keypool.Config{
		Provider:         id,
		Strategy:         a.cfg.RotationStrategy,
		FailureThreshold: a.cfg.KeyFailureThreshold,
		Cooldown:         a.cfg.KeyQuarantineCooldown,
	}, keys, logging.NewLogger("keypool"))
	if err != nil {
		return err
	}

	caller, err := a.registry.Get(id)
	if err != nil {
		return err
	}

	d, err := dispatch.New(dispatch.Config{
		Provider:        id,
		CallTimeout:     a.cfg.APICallTimeout,
		RetryTimeout:    a.cfg.APIRetryTimeout,
		MaxAttempts:     a.cfg.MaxRetries,
		FastFailover:    a.cfg.EnableFastFailover,
		MaxParallelKeys: a.cfg.MaxParallelAPIKeys,
	}, pool, caller, logging.NewLogger("dispatch"))
	if err != nil {
		return err
	}

	coord, err := batch.New(batch.Config{
		MaxBatchSize:    a.cfg.MaxBatchSize,
		MaxParallelKeys: a.cfg.MaxParallelAPIKeys,
		Timeout:         a.cfg.BatchTimeout,
	}, d, logging.NewLogger("batch"))
	if err != nil {
		return err
	}

	a.pools[id] = pool
	a.dispatchers[id] = d
	a.coordinators[id] = coord
	a.logger.Info().Str("provider", id).Int("keys", len(keys)).Msg("provider wired")
	return nil
}

func (a *app) wireJobs() error {
	var queue jobs.Queue
	if a.cfg.RedisURL != "" {
		rq, err := jobs.NewRedisQueue(context.Background(), jobs.RedisQueueConfig{URL: a.cfg.RedisURL})
		if err != nil {
			return fmt.Errorf("redis queue: %w", err)
		}
		queue = rq
		a.logger.Info().Msg("async jobs backed by redis")
	} else {
		queue = jobs.NewMemoryQueue(0)
		a.logger.Info().Msg("async jobs backed by memory queue")
	}

	svc, err := jobs.NewService(jobs.NewMemoryStore(), queue, a.coordinators)
	if err != nil {
		return err
	}
	a.jobSvc = svc
	return nil
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/dispatch", a.dispatchHandler)
	mux.HandleFunc("POST /v1/dispatch/batch", a.batchHandler)
	mux.HandleFunc("POST /v1/jobs", a.createJobHandler)
	mux.HandleFunc("GET /v1/jobs/{id}", a.getJobHandler)
	mux.HandleFunc("GET /health", a.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// dispatchRequest is the wire form of a single call.
type dispatchRequest struct {
	Provider string                     `json:"provider,omitempty"`
	Request  provider.GenerationRequest `json:"request"`
}

// batchRequest is the wire form of a batch call.
type batchRequest struct {
	Provider    string                       `json:"provider,omitempty"`
	Requests    []provider.GenerationRequest `json:"requests"`
	Concurrency int                          `json:"concurrency,omitempty"`

	// CallbackURL is only honored by the async jobs endpoint.
	CallbackURL string `json:"callback_url,omitempty"`
}

func (a *app) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	d, ok := a.dispatcherFor(req.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", req.Provider))
		return
	}

	result := d.Dispatch(r.Context(), dispatch.CallRequest{Payload: req.Request})
	writeJSON(w, statusFor(result), result)
}

func (a *app) batchHandler(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	name := a.providerOrDefault(req.Provider)
	coord, ok := a.coordinators[name]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", req.Provider))
		return
	}

	result, err := coord.Run(r.Context(), batchJob(req))
	if err != nil {
		if errors.Is(err, dispatch.ErrBatchTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) createJobHandler(w http.ResponseWriter, r *http.Request) {
	if a.jobSvc == nil {
		writeError(w, http.StatusNotImplemented, "async jobs are disabled")
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Requests) > a.cfg.MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds maximum of %d", len(req.Requests), a.cfg.MaxBatchSize))
		return
	}

	job, err := a.jobSvc.Enqueue(r.Context(), a.providerOrDefault(req.Provider), batchJob(req), req.CallbackURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *app) getJobHandler(w http.ResponseWriter, r *http.Request) {
	if a.jobSvc == nil {
		writeError(w, http.StatusNotImplemented, "async jobs are disabled")
		return
	}

	job, err := a.jobSvc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// healthHandler reports per-provider pool health. The service is
// degraded, not down, while credentials are quarantined, so the status
// stays 200 as long as the process serves.
func (a *app) healthHandler(w http.ResponseWriter, _ *http.Request) {
	type poolHealth struct {
		Healthy     int                        `json:"healthy"`
		Total       int                        `json:"total"`
		Credentials []keypool.CredentialStatus `json:"credentials"`
	}

	health := struct {
		Status string                `json:"status"`
		Pools  map[string]poolHealth `json:"pools"`
	}{
		Status: "ok",
		Pools:  make(map[string]poolHealth),
	}

	for id, pool := range a.pools {
		snapshot := pool.Snapshot()
		health.Pools[id] = poolHealth{
			Healthy:     pool.HealthyCount(),
			Total:       len(snapshot),
			Credentials: snapshot,
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func (a *app) providerOrDefault(name string) string {
	if name == "" {
		return a.cfg.DefaultProvider
	}
	return name
}

func (a *app) dispatcherFor(name string) (*dispatch.Dispatcher, bool) {
	d, ok := a.dispatchers[a.providerOrDefault(name)]
	return d, ok
}

func batchJob(req batchRequest) batch.Job {
	job := batch.Job{
		Requests:    make([]dispatch.CallRequest, len(req.Requests)),
		Concurrency: req.Concurrency,
	}
	for i, r := range req.Requests {
		job.Requests[i] = dispatch.CallRequest{Payload: r}
	}
	return job
}

// statusFor maps a terminal dispatch state to an HTTP status.
func statusFor(result dispatch.CallResult) int {
	if result.OK() {
		return http.StatusOK
	}
	switch result.Err.Kind {
	case dispatch.KindInvalidResponse:
		return http.StatusBadRequest
	case dispatch.KindAuthError:
		return http.StatusUnauthorized
	case dispatch.KindRateLimited, dispatch.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case dispatch.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
