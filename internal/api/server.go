package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/zapcast/internal/campaign"
	"github.com/busybox42/zapcast/internal/metrics"
	"github.com/busybox42/zapcast/internal/quota"
)

// Config represents API server configuration
type Config struct {
	ListenAddr string `toml:"listen_addr"`
}

// Server exposes the campaign pipeline over HTTP: campaign CRUD and
// lifecycle actions for tenants, plus delivery stats, health and
// Prometheus metrics for operators.
type Server struct {
	listenAddr string
	svc        *campaign.Service
	tasks      campaign.TaskStore
	quota      *quota.Tracker
	stats      metrics.StatsStore
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(listenAddr string, svc *campaign.Service, tasks campaign.TaskStore,
	tracker *quota.Tracker, stats metrics.StatsStore) *Server {
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	s := &Server{
		listenAddr: listenAddr,
		svc:        svc,
		tasks:      tasks,
		quota:      tracker,
		stats:      stats,
		logger:     slog.Default().With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/campaigns", s.handleCreateCampaign).Methods("POST")
	api.HandleFunc("/campaigns", s.handleListCampaigns).Methods("GET")
	api.HandleFunc("/campaigns/{id}", s.handleGetCampaign).Methods("GET")
	api.HandleFunc("/campaigns/{id}", s.handleDeleteCampaign).Methods("DELETE")
	api.HandleFunc("/campaigns/{id}/recipients", s.handleSetRecipients).Methods("PUT")
	api.HandleFunc("/campaigns/{id}/submit", s.handleSubmitCampaign).Methods("POST")
	api.HandleFunc("/campaigns/{id}/pause", s.handlePauseCampaign).Methods("POST")
	api.HandleFunc("/campaigns/{id}/resume", s.handleResumeCampaign).Methods("POST")
	api.HandleFunc("/campaigns/{id}/cancel", s.handleCancelCampaign).Methods("POST")
	api.HandleFunc("/campaigns/{id}/flush-failed", s.handleFlushFailed).Methods("POST")
	api.HandleFunc("/campaigns/{id}/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/quota/{tenant_id}", s.handleGetQuota).Methods("GET")
	api.HandleFunc("/stats/delivery", s.handleDeliveryStats).Methods("GET")
	api.HandleFunc("/stats/hourly", s.handleHourlyStats).Methods("GET")
	api.HandleFunc("/stats/errors", s.handleRecentErrors).Methods("GET")

	return r
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.listenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createCampaignRequest struct {
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	msgType := campaign.MessageType(req.Type)
	if req.Type == "" {
		msgType = campaign.MessageText
	}
	c, err := s.svc.Create(r.Context(), req.TenantID, req.Name, req.SessionID, msgType, req.Body, req.MediaURL)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id query parameter is required")
		return
	}
	list, err := s.svc.List(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": list, "count": len(list)})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setRecipientsRequest struct {
	Recipients []campaign.Recipient `json:"recipients"`
}

func (s *Server) handleSetRecipients(w http.ResponseWriter, r *http.Request) {
	var req setRecipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	report, err := s.svc.SetRecipients(r.Context(), mux.Vars(r)["id"], req.Recipients)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type submitCampaignRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (s *Server) handleSubmitCampaign(w http.ResponseWriter, r *http.Request) {
	var req submitCampaignRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	c, err := s.svc.Submit(r.Context(), mux.Vars(r)["id"], req.ScheduledAt)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.Pause(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(campaign.StatusPaused)})
}

func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.Resume(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	c, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(campaign.StatusFailed)})
}

func (s *Server) handleFlushFailed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.svc.FlushFailed(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "requeued": n})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := campaign.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.tasks.ListTasks(r.Context(), mux.Vars(r)["id"], status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
	remaining, unlimited, err := s.quota.Remaining(r.Context(), tenantID, quota.KindMessages)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"kind":      string(quota.KindMessages),
		"remaining": remaining,
		"unlimited": unlimited,
	})
}

func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.GetHourlyStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hourly": stats})
}

func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.stats.GetRecentErrors(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load errors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs, "count": len(errs)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeServiceError maps service and store errors to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var badTransition *campaign.ErrBadTransition
	switch {
	case errors.Is(err, campaign.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, campaign.ErrConflict),
		errors.Is(err, campaign.ErrNotEditable),
		errors.Is(err, campaign.ErrStillRunning),
		errors.As(err, &badTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrQuotaExceeded),
		errors.Is(err, quota.ErrExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, campaign.ErrNoSubscription),
		errors.Is(err, quota.ErrNoSubscription):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
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
