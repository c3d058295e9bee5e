// Package api serves the operator HTTP API next to the device-facing preset
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tinkerbelle-io/tb-speakerd/internal/agent"
	"github.com/tinkerbelle-io/tb-speakerd/internal/audit"
	"github.com/tinkerbelle-io/tb-speakerd/internal/catalog"
	"github.com/tinkerbelle-io/tb-speakerd/internal/events"
	"github.com/tinkerbelle-io/tb-speakerd/internal/inventory"
	"github.com/tinkerbelle-io/tb-speakerd/internal/metrics"
	"github.com/tinkerbelle-io/tb-speakerd/internal/resolver"
)

const maxRequestBody = 64 << 10

// DiscoveryRunner runs one discovery cycle.
type DiscoveryRunner interface {
	Run(ctx context.Context, dryRun bool) (*agent.Report, error)
}

// StationSearcher searches the catalog.
type StationSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]catalog.Station, error)
}

// Config holds what the server serves. Only Store is required.
type Config struct {
	Store    inventory.Store
	Editor   *Editor
	Resolver *resolver.Resolver
	Runner   DiscoveryRunner
	Catalog  StationSearcher
	Hub      *events.Hub
	Version  string
}

// Server routes the operator API, the preset endpoints, /metrics and the
// event feed.
type Server struct {
	cfg Config
	mux *http.ServeMux
	log *slog.Logger
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// PresetRequest is the body of PUT /api/devices/{id}/presets/{slot}.
type PresetRequest struct {
	StreamID   string `json:"stream_id,omitempty"`
	Name       string `json:"name,omitempty"`
	URL        string `json:"url,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
}

// NewServer creates the server and registers its routes.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Editor == nil {
		cfg.Editor = NewEditor(cfg.Store, nil, nil, cfg.Hub, logger)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux(), log: logger.With("component", "api")}
	s.registerRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleDeleteDevice)
	s.mux.HandleFunc("GET /api/devices/{id}/presets", s.handleListPresets)
	s.mux.HandleFunc("PUT /api/devices/{id}/presets/{slot}", s.handlePutPreset)
	s.mux.HandleFunc("DELETE /api/devices/{id}/presets/{slot}", s.handleDeletePreset)
	s.mux.HandleFunc("POST /api/discovery", s.handleDiscovery)
	s.mux.HandleFunc("GET /api/catalog/search", s.handleCatalogSearch)

	if s.cfg.Hub != nil {
		s.mux.Handle("GET /api/events", s.cfg.Hub)
	}
	if s.cfg.Resolver != nil {
		resolver.NewHandler(s.cfg.Resolver, s.log).Register(s.mux)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	devices, err := s.cfg.Store.ListDevices(ctx)
	if err != nil {
		s.log.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"version": s.cfg.Version,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"devices": len(devices),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.cfg.Store.ListDevices(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if devices == nil {
		devices = []inventory.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.cfg.Store.GetDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Editor.DeleteDevice(r.Context(), audit.ActorAPI, r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetDevice(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	presets, err := s.cfg.Store.ListPresets(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if presets == nil {
		presets = []inventory.Preset{}
	}
	writeJSON(w, http.StatusOK, presets)
}

func (s *Server) handlePutPreset(w http.ResponseWriter, r *http.Request) {
	slot, ok := parseSlot(w, r)
	if !ok {
		return
	}

	var req PresetRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	p := &inventory.Preset{
		DeviceID:   r.PathValue("id"),
		Slot:       slot,
		StreamID:   req.StreamID,
		Name:       req.Name,
		URL:        req.URL,
		ArtworkURL: req.ArtworkURL,
	}
	if err := s.cfg.Editor.SetPreset(r.Context(), audit.ActorAPI, p); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	slot, ok := parseSlot(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Editor.DeletePreset(r.Context(), audit.ActorAPI, r.PathValue("id"), slot); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDiscovery runs a cycle scoped to this request. Concurrent cycles are
// allowed; the synchronizer serializes writes per device.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runner == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "discovery is not configured", "")
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	rep, err := s.cfg.Runner.Run(r.Context(), dryRun)
	if err != nil {
		s.log.Warn("on-demand discovery failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  err.Error(),
			"report": rep,
		})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Catalog == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "catalog is not configured", "")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSONError(w, http.StatusBadRequest, "missing query parameter q", "")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	stations, err := s.cfg.Catalog.Search(r.Context(), q, limit)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, catalog.ErrUnavailable) {
			status = http.StatusBadGateway
		}
		writeJSONError(w, status, "catalog search failed", err.Error())
		return
	}
	if stations == nil {
		stations = []catalog.Station{}
	}
	writeJSON(w, http.StatusOK, stations)
}

func parseSlot(w http.ResponseWriter, r *http.Request) (int, bool) {
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil || !inventory.ValidSlot(slot) {
		writeJSONError(w, http.StatusBadRequest, "invalid slot",
			"slot must be between "+strconv.Itoa(inventory.MinSlot)+" and "+strconv.Itoa(inventory.MaxSlot))
		return 0, false
	}
	return slot, true
}

// writeStoreError maps inventory errors to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, inventory.ErrInvalid):
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid request", err.Error())
	case errors.Is(err, inventory.ErrConflict):
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.log.Error("store operation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}
