package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/0xMgwan/betuaa-sub000/pkg/circuitbreaker"
	"github.com/0xMgwan/betuaa-sub000/pkg/keeper"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

// SchedulerStatus is the scheduler state the server reports on
type SchedulerStatus interface {
	IsRunning() bool
	LastCycle() (keeper.CycleSummary, bool)
	LastSuccess() time.Time
	PollInterval() time.Duration
}

// ChainStatus is the chain connection the server reports on
type ChainStatus interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// BalanceSource reports the last known signer balance
type BalanceSource interface {
	LastBalance() *big.Int
}

// Deps are the components the server inspects. Any of them may be nil.
type Deps struct {
	Scheduler SchedulerStatus
	Chain     ChainStatus
	Tracker   *tracker.Tracker
	Breaker   *circuitbreaker.CircuitBreaker
	Balance   BalanceSource
	Signer    common.Address
	ChainID   int64
	DryRun    bool
}

// Server represents a health check HTTP server
type Server struct {
	port          string
	metricsAPIKey string
	deps          Deps
	now           func() time.Time
	logger        zerolog.Logger
}

// NewServer creates a new health check server
func NewServer(port, metricsAPIKey string, deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		port:          port,
		metricsAPIKey: metricsAPIKey,
		deps:          deps,
		now:           time.Now,
		logger:        logger.With().Str("component", "health").Logger(),
	}
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := s.ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.status(r.Context())); err != nil {
			s.logger.Error().Err(err).Msg("Error encoding status JSON")
		}
	})

	// Circuit breaker admin control endpoint
	mux.HandleFunc("/circuit/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.deps.Breaker == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("No circuit breaker configured"))
			return
		}
		s.deps.Breaker.Reset()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Circuit breaker reset"))
	})

	mux.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))
	return mux
}

// ready reports why the keeper is not ready, or nil
func (s *Server) ready(ctx context.Context) error {
	if s.deps.Chain != nil {
		if _, err := s.deps.Chain.BlockNumber(ctx); err != nil {
			return fmt.Errorf("chain not reachable: %v", err)
		}
	}
	if s.deps.Scheduler == nil {
		return nil
	}
	if !s.deps.Scheduler.IsRunning() {
		return errors.New("scheduler not running")
	}
	last := s.deps.Scheduler.LastSuccess()
	if last.IsZero() {
		return errors.New("no successful cycle yet")
	}
	if maxAge := 3 * s.deps.Scheduler.PollInterval(); s.now().Sub(last) > maxAge {
		return fmt.Errorf("last successful cycle %s ago", s.now().Sub(last).Round(time.Second))
	}
	return nil
}

func (s *Server) status(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"signer":   s.deps.Signer.Hex(),
		"chain_id": s.deps.ChainID,
		"dry_run":  s.deps.DryRun,
	}

	if s.deps.Chain != nil {
		chain := map[string]interface{}{"connected": false}
		if block, err := s.deps.Chain.BlockNumber(ctx); err == nil {
			chain["connected"] = true
			chain["latest_block"] = block
		}
		status["chain"] = chain
	}

	if s.deps.Balance != nil {
		if balance := s.deps.Balance.LastBalance(); balance != nil {
			status["balance_wei"] = balance.String()
			status["balance_eth"] = models.WeiToEther(balance).String()
		}
	}

	if s.deps.Scheduler != nil {
		sched := map[string]interface{}{
			"running":       s.deps.Scheduler.IsRunning(),
			"poll_interval": s.deps.Scheduler.PollInterval().String(),
		}
		if last := s.deps.Scheduler.LastSuccess(); !last.IsZero() {
			sched["last_success"] = last
		}
		if cycle, ok := s.deps.Scheduler.LastCycle(); ok {
			sched["last_cycle"] = cycle
		}
		status["scheduler"] = sched
	}

	if s.deps.Breaker != nil {
		status["circuit"] = s.deps.Breaker.GetState()
	}

	if s.deps.Tracker != nil {
		markets, err := s.deps.Tracker.Snapshot(ctx)
		if err != nil {
			status["tracker_error"] = err.Error()
		} else {
			status["markets"] = markets
		}
	}

	return status
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("port", s.port).Msg("Starting health and metrics server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health server shutdown: %w", err)
	}
	s.logger.Info().Msg("Health server stopped")
	return nil
}
