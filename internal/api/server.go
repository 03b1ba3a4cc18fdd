// Package api provides the HTTP and WebSocket surface over the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/portfolio-engine/internal/batch"
	"github.com/atlas-desktop/portfolio-engine/internal/config"
	"github.com/atlas-desktop/portfolio-engine/internal/engine"
	"github.com/atlas-desktop/portfolio-engine/internal/metrics"
	"github.com/atlas-desktop/portfolio-engine/internal/regime"
	"github.com/atlas-desktop/portfolio-engine/internal/scheduler"
	"github.com/atlas-desktop/portfolio-engine/internal/store"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	engine     *engine.Engine
	scheduler  *scheduler.Scheduler
	metrics    *metrics.Metrics
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the API server and wires its routes.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, eng *engine.Engine, sched *scheduler.Scheduler, m *metrics.Metrics) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		config:    cfg,
		engine:    eng,
		scheduler: sched,
		metrics:   m,
		hub:       NewHub(logger),
		router:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Hub exposes the WebSocket hub for event publishers.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/regime/classify", s.handleClassifyRegime).Methods("POST")
	v1.HandleFunc("/regime/{date}", s.handleGetRegime).Methods("GET")
	v1.HandleFunc("/strategy/select", s.handleSelectStrategy).Methods("POST")

	v1.HandleFunc("/accounts/{account}/health", s.handleAnalyzeHealth).Methods("GET")
	v1.HandleFunc("/accounts/{account}/batches", s.handleListBatches).Methods("GET")
	v1.HandleFunc("/recommendations", s.handleRecommendations).Methods("POST")

	v1.HandleFunc("/batches", s.handleCreateBatch).Methods("POST")
	v1.HandleFunc("/batches/{id}", s.handleGetBatch).Methods("GET")
	v1.HandleFunc("/batches/{id}/approve", s.handleApproveBatch).Methods("POST")
	v1.HandleFunc("/batches/{id}/reject", s.handleRejectBatch).Methods("POST")
	v1.HandleFunc("/batches/{id}/dry-run", s.handleDryRunBatch).Methods("POST")
	v1.HandleFunc("/batches/{id}/execute", s.handleExecuteBatch).Methods("POST")

	v1.HandleFunc("/analyses", s.handleSubmitAnalysis).Methods("POST")
	v1.HandleFunc("/analyses/stats", s.handleAnalysisStats).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the hub and the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	handler := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting API server", zap.String("addr", s.config.Addr()))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and the hub.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

type classifyRegimeRequest struct {
	Date    string              `json:"date"`
	History []regime.Indicators `json:"history"`
}

func (s *Server) handleClassifyRegime(w http.ResponseWriter, r *http.Request) {
	var req classifyRegimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	record, err := s.engine.ClassifyRegime(r.Context(), date, req.History)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.hub.BroadcastRegime(record)
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetRegime(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse("2006-01-02", mux.Vars(r)["date"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	record, err := s.engine.GetRegime(r.Context(), date)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type selectStrategyRequest struct {
	Date        string                      `json:"date"`
	Performance []types.StrategyPerformance `json:"performance"`
}

func (s *Server) handleSelectStrategy(w http.ResponseWriter, r *http.Request) {
	var req selectStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	selection, err := s.engine.SelectStrategy(r.Context(), date, req.Performance)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, selection)
}

func (s *Server) handleAnalyzeHealth(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	clientID := r.URL.Query().Get("clientId")
	strategyName := r.URL.Query().Get("strategy")
	if clientID == "" || strategyName == "" {
		s.writeError(w, http.StatusBadRequest, "clientId and strategy query params required")
		return
	}

	report, err := s.engine.AnalyzeHealth(r.Context(), clientID, account, strategyName)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.hub.BroadcastHealth(report)
	s.writeJSON(w, http.StatusOK, report)
}

type recommendationsRequest struct {
	ClientID     string              `json:"clientId"`
	Account      string              `json:"account"`
	RecentTrades []types.RecentTrade `json:"recentTrades,omitempty"`
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	var req recommendationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" || req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "clientId and account required")
		return
	}

	recs, err := s.engine.GenerateRecommendations(r.Context(), req.ClientID, req.Account, req.RecentTrades)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

// createBatchRequest targets the batch from one of three sources:
// targetAllocation wins over swaps, which win over the strategy's model
// allocation.
type createBatchRequest struct {
	ClientID         string                     `json:"clientId"`
	Account          string                     `json:"account"`
	Strategy         string                     `json:"strategy"`
	TargetAllocation map[string]float64         `json:"targetAllocation,omitempty"`
	Swaps            []types.SwapRecommendation `json:"swaps,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" || req.Account == "" || req.Strategy == "" {
		s.writeError(w, http.StatusBadRequest, "clientId, account and strategy required")
		return
	}

	b, err := s.engine.CreateBatch(r.Context(), engine.CreateBatchRequest{
		ClientID:         req.ClientID,
		Account:          req.Account,
		Strategy:         req.Strategy,
		TargetAllocation: req.TargetAllocation,
		Swaps:            req.Swaps,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.hub.BroadcastBatch(b)
	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	batches, err := s.engine.ListBatches(r.Context(), mux.Vars(r)["account"], limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

type clientRequest struct {
	ClientID string `json:"clientId"`
}

func (s *Server) handleApproveBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b, err := s.engine.ApproveBatch(r.Context(), req.ClientID, batchID)
	if err != nil {
		s.alertOnViolations(batchID, err)
		s.writeEngineError(w, err)
		return
	}
	s.hub.BroadcastBatch(b)
	s.writeJSON(w, http.StatusOK, b)
}

type rejectBatchRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectBatch(w http.ResponseWriter, r *http.Request) {
	var req rejectBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		s.writeError(w, http.StatusBadRequest, "reason required")
		return
	}

	b, err := s.engine.RejectBatch(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.hub.BroadcastBatch(b)
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDryRunBatch(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.DryRunBatch(r.Context(), req.ClientID, mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type executeBatchRequest struct {
	ClientID         string              `json:"clientId"`
	RecentTrades     []types.RecentTrade `json:"recentTrades,omitempty"`
	OverrideWashSale bool                `json:"overrideWashSale,omitempty"`
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	var req executeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b, err := s.engine.ExecuteBatch(r.Context(), req.ClientID, batchID, req.RecentTrades, req.OverrideWashSale)
	if err != nil {
		s.alertOnViolations(batchID, err)
		s.writeEngineError(w, err)
		return
	}
	s.hub.BroadcastBatch(b)
	s.writeJSON(w, http.StatusOK, b)
}

type submitAnalysisRequest struct {
	ClientID string `json:"clientId"`
	Account  string `json:"account"`
	Strategy string `json:"strategy"`
}

func (s *Server) handleSubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	var req submitAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.scheduler.Submit(scheduler.Job{
		ClientID: req.ClientID,
		Account:  req.Account,
		Strategy: req.Strategy,
	})
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (s *Server) handleAnalysisStats(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) alertOnViolations(batchID string, err error) {
	var verr *batch.ValidationError
	if errors.As(err, &verr) {
		s.hub.BroadcastRiskAlert(batchID, verr.Violations)
	}
}

// writeEngineError maps domain errors to HTTP status codes. Risk and
// wash-sale failures are 422: the request was well-formed, the content was
// not executable. Lifecycle conflicts are 409.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var verr *batch.ValidationError
	if errors.As(err, &verr) {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      "risk validation failed",
			"violations": verr.Violations,
		})
		return
	}
	var werr *batch.WashSaleError
	if errors.As(err, &werr) {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   werr.Error(),
			"symbols": werr.Symbols,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrConcurrentBatch),
		errors.Is(err, store.ErrStaleStatus),
		errors.Is(err, store.ErrDuplicateDate),
		errors.Is(err, batch.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrBatchNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, engine.ErrNoRegime):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, batch.ErrNoTrades):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}
