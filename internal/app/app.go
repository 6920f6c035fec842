// Package app wires the pipeline: store, breakers, clients, engine,
// orchestrator, queue, sweep, and HTTP surface.
package app

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalq/mailflow/internal/breaker"
	"github.com/postalq/mailflow/internal/gateway"
	"github.com/postalq/mailflow/internal/metrics"
	"github.com/postalq/mailflow/internal/middleware"
	"github.com/postalq/mailflow/internal/provider"
	"github.com/postalq/mailflow/internal/queue"
	"github.com/postalq/mailflow/internal/recon"
	"github.com/postalq/mailflow/internal/store"
	"github.com/postalq/mailflow/internal/submit"
	"github.com/postalq/mailflow/internal/sweep"
	httptransport "github.com/postalq/mailflow/internal/transport/http"
)

// Config collects the tunables. Zero values take the defaults noted on
// each field.
type Config struct {
	Addr           string        // listen address, default ":8080"
	DatabaseURL    string        // empty means the in-memory store
	GatewayURL     string        // payment gateway base URL
	ProviderURL    string        // mail provider base URL
	RequestTimeout time.Duration // per-request deadline, default 10s
	QueueWorkers   int           // default 4
	SweepInterval  time.Duration // default 5m
	SweepLookback  time.Duration // default 24h

	BreakerThreshold int           // default 5
	BreakerReset     time.Duration // default 60s
}

// ConfigFromEnv reads configuration from environment variables with
// sensible defaults for local runs.
func ConfigFromEnv() Config {
	return Config{
		Addr:             getEnv("ADDR", ":8080"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		GatewayURL:       getEnv("GATEWAY_URL", "http://localhost:9101"),
		ProviderURL:      getEnv("PROVIDER_URL", "http://localhost:9102"),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		QueueWorkers:     getEnvInt("QUEUE_WORKERS", 4),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepLookback:    getEnvDuration("SWEEP_LOOKBACK", 24*time.Hour),
		BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerReset:     getEnvDuration("BREAKER_RESET", 60*time.Second),
	}
}

// Deps are the injectable collaborators. Nil fields get live
// implementations built from Config.
type Deps struct {
	Store    store.Store
	Gateway  gateway.Client
	Provider provider.Client
}

// App is the assembled pipeline.
type App struct {
	Config       Config
	Handler      http.Handler
	Store        store.Store
	Queue        *queue.Memory
	Sweeper      *sweep.Sweeper
	Engine       *recon.Engine
	Orchestrator *submit.Orchestrator
}

// New assembles the pipeline. One breaker instance exists per external
// dependency and is shared by every caller.
func New(cfg Config, deps Deps) *App {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.QueueWorkers <= 0 {
		cfg.QueueWorkers = 4
	}

	breakerGauge := func(name string, s breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(s))
	}
	gatewayBreaker := breaker.New("payment-gateway", cfg.BreakerThreshold, cfg.BreakerReset,
		breaker.WithStateChange(breakerGauge))
	providerBreaker := breaker.New("mail-provider", cfg.BreakerThreshold, cfg.BreakerReset,
		breaker.WithStateChange(breakerGauge))

	st := deps.Store
	if st == nil {
		st = store.NewMemory()
	}
	gw := deps.Gateway
	if gw == nil {
		gw = gateway.NewHTTP(cfg.GatewayURL, gatewayBreaker)
	}
	pc := deps.Provider
	if pc == nil {
		pc = provider.NewHTTP(cfg.ProviderURL)
	}

	engine := recon.New(st)
	q := queue.NewMemory(cfg.QueueWorkers)
	orch := submit.New(st, q, pc, providerBreaker, submit.Config{})
	q.Register(submit.JobType, orch.Execute)
	q.OnDrop(orch.HandleExhausted)

	sw := sweep.New(st, gw, engine, orch, sweep.Config{Lookback: cfg.SweepLookback})

	mux := http.NewServeMux()
	httptransport.New(engine, orch, st, cfg.RequestTimeout).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &App{
		Config:       cfg,
		Handler:      middleware.Logging(mux),
		Store:        st,
		Queue:        q,
		Sweeper:      sw,
		Engine:       engine,
		Orchestrator: orch,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
