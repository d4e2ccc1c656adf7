package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"

	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/metrics"
	"github.com/meftunca/indexsync/pkg/reindex"
	"github.com/meftunca/indexsync/pkg/types"
	"github.com/meftunca/indexsync/pkg/version"
)

// ModeReporter reports the node's disaster recovery mode
type ModeReporter interface {
	RecoveryMode() types.RecoveryMode
}

// ReindexController is the admin surface of the reindex service
type ReindexController interface {
	Start() (*reindex.Task, error)
	Pause()
	Cancel()
	State() reindex.State
	IndexerService() (*reindex.Task, bool)
}

// SnapshotService takes and restores index snapshots
type SnapshotService interface {
	BackupIndex(ctx context.Context, targetNodeID string) (string, error)
	RestoreIndex(ctx context.Context, snapshotFilename string) error
}

// IndexWriter applies local index mutations and logs them for peers
type IndexWriter interface {
	Add(ctx context.Context, idx types.AffectedIndex, entity types.EntityType, ids ...int64) (int64, error)
	Reindex(ctx context.Context, idx types.AffectedIndex, entity types.EntityType, ids ...int64) (int64, error)
	Deindex(ctx context.Context, idx types.AffectedIndex, entity types.EntityType, ids ...int64) (int64, error)
}

// RouteRegistrar adds routes to a router, e.g. the cluster messenger
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// Dependencies groups what the admin server exposes
type Dependencies struct {
	NodeID    string
	Launcher  ModeReporter
	Checker   reindex.ConsistencyChecker
	Reindex   ReindexController
	Snapshots SnapshotService
	Index     IndexWriter
	Metrics   *metrics.PrometheusMetrics
	Logger    *slog.Logger
}

// Server is the node admin HTTP API
type Server struct {
	deps    Dependencies
	router  *mux.Router
	server  *http.Server
	started time.Time
	logger  *slog.Logger
	json    sonic.API
}

// NewServer creates the admin API server listening on addr
func NewServer(addr string, deps Dependencies) *Server {
	s := &Server{
		deps:    deps,
		router:  mux.NewRouter(),
		started: time.Now(),
		logger:  common.OrDefault(deps.Logger).With("component", "admin-api"),
		json:    sonic.ConfigStd,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.deps.Metrics.MetricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/recovery/mode", s.handleRecoveryMode).Methods(http.MethodGet)
	s.router.HandleFunc("/consistency", s.handleConsistency).Methods(http.MethodGet)

	s.router.HandleFunc("/reindex", s.handleReindexStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/reindex/start", s.handleReindexStart).Methods(http.MethodPost)
	s.router.HandleFunc("/reindex/pause", s.handleReindexPause).Methods(http.MethodPost)
	s.router.HandleFunc("/reindex/cancel", s.handleReindexCancel).Methods(http.MethodPost)

	s.router.HandleFunc("/snapshots/backup", s.handleBackup).Methods(http.MethodPost)
	s.router.HandleFunc("/snapshots/restore", s.handleRestore).Methods(http.MethodPost)

	s.router.HandleFunc("/indexes/{index}/{operation}", s.handleIndexOperation).Methods(http.MethodPost)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.GetHTTPHandler()).Methods(http.MethodGet)
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting admin API", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		NodeID:  s.deps.NodeID,
		Version: version.GetVersionInfo(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Launcher != nil {
		resp.RecoveryMode = s.deps.Launcher.RecoveryMode().String()
	}
	if s.deps.Reindex != nil {
		resp.Reindex = s.deps.Reindex.State().String()
	}
	s.sendResponse(w, http.StatusOK, resp)
}

func (s *Server) handleRecoveryMode(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, http.StatusOK, map[string]string{
		"mode": s.deps.Launcher.RecoveryMode().String(),
	})
}

func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	if nodeID == "" {
		nodeID = s.deps.NodeID
	}

	v, err := s.deps.Checker.Check(r.Context(), nodeID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendResponse(w, http.StatusOK, ConsistencyResponse{
		NodeID:     nodeID,
		Consistent: v.Consistent,
		Reason:     v.Reason,
		StalePeer:  v.StalePeer,
		Watermark:  v.Watermark,
	})
}

func (s *Server) handleReindexStatus(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, http.StatusOK, s.reindexStatus())
}

func (s *Server) handleReindexStart(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Reindex.Start(); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendResponse(w, http.StatusAccepted, s.reindexStatus())
}

func (s *Server) handleReindexPause(w http.ResponseWriter, r *http.Request) {
	s.deps.Reindex.Pause()
	s.sendResponse(w, http.StatusOK, s.reindexStatus())
}

func (s *Server) handleReindexCancel(w http.ResponseWriter, r *http.Request) {
	s.deps.Reindex.Cancel()
	s.sendResponse(w, http.StatusOK, s.reindexStatus())
}

func (s *Server) reindexStatus() ReindexResponse {
	resp := ReindexResponse{State: s.deps.Reindex.State().String()}
	if task, ok := s.deps.Reindex.IndexerService(); ok {
		resp.TaskID = task.ID
		started := task.StartedAt
		resp.StartedAt = &started
	}
	return resp
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	filename, err := s.deps.Snapshots.BackupIndex(r.Context(), target)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendResponse(w, http.StatusCreated, SnapshotResponse{Snapshot: filename, Target: target})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		s.sendError(w, types.NewIndexError(types.ErrCodeSnapshotNotFound, "file parameter is required"))
		return
	}
	if err := s.deps.Snapshots.RestoreIndex(r.Context(), file); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendResponse(w, http.StatusOK, SnapshotResponse{Snapshot: file})
}

// handleIndexOperation takes ids=1,2,3 and an optional entity type
func (s *Server) handleIndexOperation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idx, err := types.ParseAffectedIndex(vars["index"])
	if err != nil {
		s.sendError(w, err)
		return
	}
	op, err := types.ParseOperation(vars["operation"])
	if err != nil {
		s.sendError(w, err)
		return
	}
	ids, err := types.ParseAffectedIDs(r.URL.Query().Get("ids"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	entity := types.ParseEntityType(r.URL.Query().Get("entity"))

	var id int64
	switch op {
	case types.OperationAdd:
		id, err = s.deps.Index.Add(r.Context(), idx, entity, ids...)
	case types.OperationUpdate:
		id, err = s.deps.Index.Reindex(r.Context(), idx, entity, ids...)
	default:
		id, err = s.deps.Index.Deindex(r.Context(), idx, entity, ids...)
	}
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendResponse(w, http.StatusAccepted, map[string]interface{}{
		"operation_id": id,
		"index":        idx.String(),
		"operation":    op.String(),
	})
}

func (s *Server) sendResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	s.write(w, statusCode, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	resp := APIResponse{
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now(),
	}
	var ie *types.IndexError
	if errors.As(err, &ie) {
		resp.Code = string(ie.Code)
	}
	statusCode := StatusFor(err)
	if statusCode >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", "error", err)
	}
	s.write(w, statusCode, resp)
}

func (s *Server) write(w http.ResponseWriter, statusCode int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := s.json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

// StatusFor maps an error to the HTTP status the admin API answers with
func StatusFor(err error) int {
	var ie *types.IndexError
	if !errors.As(err, &ie) {
		return http.StatusInternalServerError
	}
	switch ie.Code {
	case types.ErrCodeServiceTerminated, types.ErrCodeLockHeld:
		return http.StatusConflict
	case types.ErrCodeSnapshotNotFound, types.ErrCodeUnknownNode:
		return http.StatusNotFound
	case types.ErrCodeSnapshotInvalid, types.ErrCodeInvalidRecord, types.ErrCodeInvalidConfig:
		return http.StatusUnprocessableEntity
	case types.ErrCodeTransferFailure:
		return http.StatusBadGateway
	case types.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewClusterHandler builds the inter-node router served on the node port
func NewClusterHandler(nodeID string, routes ...RouteRegistrar) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = sonic.ConfigStd.NewEncoder(w).Encode(map[string]string{"status": "healthy", "node_id": nodeID})
	}).Methods(http.MethodGet)
	for _, reg := range routes {
		reg.RegisterRoutes(r)
	}
	return r
}
