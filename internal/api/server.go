// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/internal/data"
	"github.com/nanlnjz1979/QWeSDK/internal/engine"
	"github.com/nanlnjz1979/QWeSDK/internal/report"
	"github.com/nanlnjz1979/QWeSDK/internal/strategy"
	"github.com/nanlnjz1979/QWeSDK/internal/workers"
	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Server is the HTTP/WebSocket API server. Each backtest run gets its own
// engine instance, so concurrent runs are independent.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	store      *data.Store
	registry   *strategy.Registry
	validator  *data.Validator
	calculator *report.Calculator
	metrics    *Metrics
	registerer *prometheus.Registry
	pool       *workers.Pool
	backtests  map[string]*RunState
}

// RunState tracks one backtest run through its lifecycle.
type RunState struct {
	ID      string                `json:"id"`
	Config  *types.BacktestConfig `json:"config"`
	Status  string                `json:"status"`
	Started time.Time             `json:"started"`
	Result  *types.BacktestResult `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`

	engine *engine.Engine
}

// NewServer creates the API server.
func NewServer(logger *zap.Logger, config *types.ServerConfig, store *data.Store, registry *strategy.Registry) *Server {
	promReg := prometheus.NewRegistry()
	server := &Server{
		logger:     logger,
		config:     config,
		router:     mux.NewRouter(),
		clients:    make(map[string]*Client),
		store:      store,
		registry:   registry,
		validator:  data.NewValidator(logger),
		calculator: report.NewCalculator(logger),
		metrics:    NewMetrics(promReg),
		registerer: promReg,
		pool:       workers.New(logger, "backtest", 0, 64),
		backtests:  make(map[string]*RunState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/data/instruments", s.handleListInstruments).Methods("GET")
	s.router.HandleFunc("/api/v1/data/history/{code}", s.handleGetHistory).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/report", s.handleGetReport).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registerer, promhttp.HandlerOpts{}))
	}

	path := s.config.WebSocketPath
	if path == "" {
		path = "/ws"
	}
	s.router.HandleFunc(path, s.handleWebSocket)
}

// Handler returns the full handler chain for tests and embedding.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	if err := s.pool.Stop(ctx); err != nil {
		s.logger.Warn("worker pool did not drain", zap.Error(err))
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies": s.registry.List(),
	})
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instruments": s.store.Instruments(),
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	start := time.Now().AddDate(-1, 0, 0)
	end := time.Now()
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	bars, err := s.store.LoadBars(r.Context(), code, start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":  code,
		"bars":  bars,
		"count": len(bars),
	})
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var config types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	if len(config.Instruments) == 0 {
		http.Error(w, "at least one instrument is required", http.StatusBadRequest)
		return
	}

	state, err := s.startBacktest(r.Context(), &config)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	})
}

// startBacktest validates, constructs and launches a run. Shared by the HTTP
// and WebSocket entry points.
func (s *Server) startBacktest(ctx context.Context, config *types.BacktestConfig) (*RunState, error) {
	strat, err := s.registry.Create(config.Strategy)
	if err != nil {
		return nil, err
	}

	series, err := s.store.LoadSeries(ctx, config.Instruments, config.StartDate, config.EndDate)
	if err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}
	for code, bars := range series {
		if quality := s.validator.Validate(code, bars); !quality.IsUsable {
			return nil, fmt.Errorf("data for %s failed quality checks (score %d)", code, quality.QualityScore)
		}
	}

	eng, err := engine.New(s.logger, config, series, strat)
	if err != nil {
		return nil, err
	}

	state := &RunState{
		ID:      config.ID,
		Config:  config,
		Status:  "running",
		Started: time.Now(),
		engine:  eng,
	}

	s.mu.Lock()
	if _, exists := s.backtests[config.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("backtest %s already exists", config.ID)
	}
	s.backtests[config.ID] = state
	s.mu.Unlock()

	submitErr := s.pool.Submit(workers.TaskFunc(func() error {
		result, err := eng.Run(context.Background())

		s.mu.Lock()
		if err != nil {
			state.Status = "failed"
			state.Error = err.Error()
			s.metrics.BacktestsFailed.Inc()
			s.logger.Error("backtest failed", zap.String("id", config.ID), zap.Error(err))
		} else {
			state.Status = "completed"
			state.Result = result
			s.metrics.BacktestsCompleted.Inc()
			s.metrics.TradesExecuted.Add(float64(len(result.Trades)))
			s.metrics.RunDuration.Observe(result.Duration.Seconds())
		}
		s.mu.Unlock()

		s.broadcast(&Message{
			ID:        uuid.New().String(),
			Type:      "event",
			Method:    "backtest:complete",
			Payload:   map[string]any{"id": config.ID, "status": state.Status},
			Timestamp: time.Now().UnixMilli(),
		})
		return err
	}))
	if submitErr != nil {
		s.mu.Lock()
		delete(s.backtests, config.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("too many concurrent backtests: %w", submitErr)
	}

	go func() {
		for progress := range eng.ProgressChan() {
			s.broadcast(&Message{
				ID:        uuid.New().String(),
				Type:      "event",
				Method:    "backtest:progress",
				Payload:   progress,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}()

	s.metrics.BacktestsStarted.Inc()

	return state, nil
}

func (s *Server) runState(id string) (*RunState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.backtests[id]
	return state, ok
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runState(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	response := map[string]any{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.Status == "running" {
		response["progress"] = state.engine.Progress()
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runState(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	result := state.Result
	s.mu.RUnlock()
	if result == nil {
		http.Error(w, "backtest not complete", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     state.ID,
		"trades": result.Trades,
		"count":  len(result.Trades),
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runState(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	result := state.Result
	capital := state.Config.InitialCapital
	s.mu.RUnlock()
	if result == nil {
		http.Error(w, "backtest not complete", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      state.ID,
		"summary": result.Summary,
		"metrics": s.calculator.Calculate(result, capital),
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runState(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	if state.Status != "running" {
		s.mu.Unlock()
		http.Error(w, "backtest not running", http.StatusBadRequest)
		return
	}
	state.engine.Cancel()
	state.Status = "cancelling"
	s.mu.Unlock()

	s.metrics.BacktestsCancelled.Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     state.ID,
		"status": "cancelling",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
