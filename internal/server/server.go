// Package server exposes the node's HTTP API: the public surface for
// DDL, transactions, queries and compute routing, and the internal
// surface peers use for partition operations and raft traffic.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/config"
	"github.com/zonedb/zonedb/internal/metrics"
	"github.com/zonedb/zonedb/internal/replica"
	"github.com/zonedb/zonedb/internal/replication"
	"github.com/zonedb/zonedb/internal/router"
	"github.com/zonedb/zonedb/internal/schema"
	"github.com/zonedb/zonedb/internal/service"
	"github.com/zonedb/zonedb/internal/store"
	"github.com/zonedb/zonedb/internal/zone"
)

// Server is the node's HTTP front end.
type Server struct {
	mux        *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	cfg        *config.Config

	zones    *zone.Registry
	catalog  *schema.Catalog
	tables   *service.TableService
	replicas *replica.Service
	router   *router.Router
	raft     *replication.RaftPrimitive
	meta     store.MetadataStore
}

// Deps carries everything the server serves.
type Deps struct {
	Zones    *zone.Registry
	Catalog  *schema.Catalog
	Tables   *service.TableService
	Replicas *replica.Service
	Router   *router.Router
	// Raft is nil when the node runs the in-memory primitive.
	Raft *replication.RaftPrimitive
	Meta store.MetadataStore
}

// New builds the server and registers all routes.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mux:      mux.NewRouter(),
		logger:   logger,
		cfg:      cfg,
		zones:    deps.Zones,
		catalog:  deps.Catalog,
		tables:   deps.Tables,
		replicas: deps.Replicas,
		router:   deps.Router,
		raft:     deps.Raft,
		meta:     deps.Meta,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port),
		Handler:      s.mux,
		ReadTimeout:  cfg.Node.ReadTimeout,
		WriteTimeout: cfg.Node.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Use(s.recovery, s.requestID, s.logging)

	s.mux.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		s.mux.Handle(s.cfg.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	// Internal peer surface.
	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/partitions/{zone}/{partition}/read", s.handlePartitionRead).Methods(http.MethodPost)
	internal.HandleFunc("/partitions/{zone}/{partition}/scan", s.handlePartitionScan).Methods(http.MethodPost)
	internal.HandleFunc("/partitions/{zone}/{partition}/write", s.handlePartitionWrite).Methods(http.MethodPost)
	internal.HandleFunc("/partitions/{zone}/{partition}/prepare", s.handlePartitionPrepare).Methods(http.MethodPost)
	internal.HandleFunc("/partitions/{zone}/{partition}/commit", s.handlePartitionCommit).Methods(http.MethodPost)
	internal.HandleFunc("/partitions/{zone}/{partition}/abort", s.handlePartitionAbort).Methods(http.MethodPost)
	internal.HandleFunc("/raft/step", s.handleRaftStep).Methods(http.MethodPost)

	v1 := s.mux.PathPrefix("/v1").Subrouter()

	// Zone and table DDL.
	v1.HandleFunc("/zones", s.handleCreateZone).Methods(http.MethodPost)
	v1.HandleFunc("/zones", s.handleListZones).Methods(http.MethodGet)
	v1.HandleFunc("/zones/{zone}", s.handleGetZone).Methods(http.MethodGet)
	v1.HandleFunc("/zones/{zone}", s.handleDropZone).Methods(http.MethodDelete)
	v1.HandleFunc("/zones/{zone}/assignment", s.handleAssignZone).Methods(http.MethodPost)
	v1.HandleFunc("/zones/{zone}/assignment", s.handleGetAssignment).Methods(http.MethodGet)
	v1.HandleFunc("/tables", s.handleCreateTable).Methods(http.MethodPost)
	v1.HandleFunc("/tables", s.handleListTables).Methods(http.MethodGet)
	v1.HandleFunc("/tables/{table}", s.handleGetTable).Methods(http.MethodGet)

	// Transactions and row operations.
	v1.HandleFunc("/transactions", s.handleBeginTxn).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{txn}/commit", s.handleCommitTxn).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{txn}/abort", s.handleAbortTxn).Methods(http.MethodPost)
	v1.HandleFunc("/tables/{table}/rows", s.handlePutRow).Methods(http.MethodPut)
	v1.HandleFunc("/tables/{table}/rows/get", s.handleGetRow).Methods(http.MethodPost)
	v1.HandleFunc("/tables/{table}/rows/delete", s.handleDeleteRow).Methods(http.MethodPost)

	// Query planning and execution.
	v1.HandleFunc("/query/plan", s.handlePlanQuery).Methods(http.MethodPost)
	v1.HandleFunc("/tables/{table}/scan", s.handleScanTable).Methods(http.MethodGet)
	v1.HandleFunc("/compute/route", s.handleRouteCompute).Methods(http.MethodPost)

	s.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Code: 0, Message: "endpoint not found"})
	})
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving request",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				writeJSON(w, http.StatusInternalServerError,
					errorEnvelope{Message: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestSeconds.
			WithLabelValues(route, fmt.Sprintf("%d", rec.status)).
			Observe(elapsed.Seconds())
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": s.cfg.Node.ID})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.meta.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "metadata store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
