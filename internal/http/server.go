package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/snapshot"
	"tablestore/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
)

type iTableStore interface {
	Write(m types.Mutation) error
	Read(pk types.Key) ([]types.Cell, bool, error)
	Flush(ctx context.Context, blocking bool) error
	MaybeCompact(ctx context.Context) error
	ForceMajorCompaction(ctx context.Context) error
	Snapshot(ctx context.Context, name string, ephemeral, skipFlush bool) (*snapshot.TableSnapshot, error)
	ListSnapshots() (map[string]*snapshot.TableSnapshot, error)
	ClearSnapshot(name string) error
	Truncate() error
}

// Server exposes the table store over HTTP: a small data API plus the
// operational endpoints (flush, compact, snapshot, truncate) and the
// Prometheus scrape handler.
type Server struct {
	store      iTableStore
	registry   prometheus.Gatherer
	httpServer *http.Server
	URL        string
	addr       string
	shutdown   time.Duration
}

// NewServer creates a new server instance.
func NewServer(store iTableStore, registry prometheus.Gatherer, port int, shutdownTimeout time.Duration) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		store:    store,
		registry: registry,
		URL:      fmt.Sprintf("http://localhost:%d", port),
		addr:     fmt.Sprintf(":%d", port),
		shutdown: shutdownTimeout,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Put("/api/cell", s.handlePut)
	r.Delete("/api/cell", s.handleDelete)
	r.Get("/api/partition", s.handleGet)

	r.Post("/api/ops/flush", s.handleFlush)
	r.Post("/api/ops/compact", s.handleCompact)
	r.Post("/api/ops/truncate", s.handleTruncate)
	r.Post("/api/ops/snapshot", s.handleSnapshotCreate)
	r.Get("/api/ops/snapshot", s.handleSnapshotList)
	r.Delete("/api/ops/snapshot", s.handleSnapshotClear)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrGuardrailRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, dberrors.ErrTableUnavailable), errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrDuplicateSnapshot):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

// timestampArg parses the caller-supplied write timestamp, defaulting to
// the current time in microseconds.
func timestampArg(r *http.Request) (int64, error) {
	raw := r.FormValue("timestamp")
	if raw == "" {
		return time.Now().UnixMicro(), nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	partition := r.FormValue("partition")
	clustering := r.FormValue("clustering")
	value := r.FormValue("value")
	if partition == "" || clustering == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing partition or clustering"))
		return
	}
	ts, err := timestampArg(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid timestamp"))
		return
	}

	err = s.store.Write(types.Mutation{
		Partition:  []byte(partition),
		Clustering: []byte(clustering),
		Value:      []byte(value),
		Timestamp:  ts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")
	clustering := r.URL.Query().Get("clustering")
	if partition == "" || clustering == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing partition or clustering"))
		return
	}
	ts, err := timestampArg(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid timestamp"))
		return
	}

	err = s.store.Write(types.Mutation{
		Partition:  []byte(partition),
		Clustering: []byte(clustering),
		Timestamp:  ts,
		Tombstone:  true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	cells, found, err := s.store.Read([]byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Partition not found"))
		return
	}

	out := make([]Cell, 0, len(cells))
	for _, c := range cells {
		out = append(out, Cell{
			Clustering: string(c.Clustering),
			Value:      string(c.Value),
			Timestamp:  c.Timestamp,
		})
	}
	s.writeJSON(w, http.StatusOK, NewCellsResponse(out))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Flush(r.Context(), true); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var err error
	if r.URL.Query().Get("major") == "true" {
		err = s.store.ForceMajorCompaction(r.Context())
	} else {
		err = s.store.MaybeCompact(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleTruncate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Truncate(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing name"))
		return
	}
	ephemeral := r.URL.Query().Get("ephemeral") == "true"
	skipFlush := r.URL.Query().Get("skip_flush") == "true"

	if _, err := s.store.Snapshot(r.Context(), name, ephemeral, skipFlush); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.store.ListSnapshots()
	if err != nil {
		s.writeError(w, err)
		return
	}
	names := make([]string, 0, len(snapshots))
	for name := range snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	s.writeJSON(w, http.StatusOK, NewSnapshotsResponse(names))
}

func (s *Server) handleSnapshotClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearSnapshot(r.URL.Query().Get("name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
