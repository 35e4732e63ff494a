package httpapi

import (
	"crypto/subtle"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gamecast/broker/internal/archive"
	"gamecast/broker/internal/logging"
	"gamecast/broker/internal/scheduler"
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative broadcast and active game counts.
type StatsFunc func() (broadcasts, activeGames int)

// Exporter triggers an on-demand admin export of the buffered score records
// and returns the artefact's location. archive.Exporter writes every
// buffered record, whatever game it belongs to; gameID names the artefact and
// does not filter the records.
type Exporter interface {
	Export(gameID string) (string, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// SchedulerManager resolves and starts schedulers on behalf of admin
// control requests.
type SchedulerManager interface {
	Get(gameID string) (*scheduler.Scheduler, bool)
	CreateOrGet(ctx context.Context, gameID string) (*scheduler.Scheduler, error)
}

// Options configures the HandlerSet.
type Options struct {
	Logger         *logging.Logger
	Readiness      ReadinessProvider
	Stats          StatsFunc
	Exporter       Exporter
	AdminToken     string
	RateLimiter    RateLimiter
	TimeSource     func() time.Time
	ArchiveStats   func() archive.ExportStats
	ArchiveStorage func() archive.StorageStats
	Schedulers     SchedulerManager
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger         *logging.Logger
	readiness      ReadinessProvider
	stats          StatsFunc
	exporter       Exporter
	adminToken     string
	rateLimiter    RateLimiter
	now            func() time.Time
	archiveStats   func() archive.ExportStats
	archiveStorage func() archive.StorageStats
	schedulers     SchedulerManager
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:         logger,
		readiness:      opts.Readiness,
		stats:          opts.Stats,
		exporter:       opts.Exporter,
		adminToken:     strings.TrimSpace(opts.AdminToken),
		rateLimiter:    opts.RateLimiter,
		now:            now,
		archiveStats:   opts.ArchiveStats,
		archiveStorage: opts.ArchiveStorage,
		schedulers:     opts.Schedulers,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/admin/export", h.ExportHandler())
	if h.schedulers != nil {
		mux.HandleFunc("/admin/games/control", h.GameControlHandler())
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including client counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		broadcasts, activeGames := h.metricsStats()
		pending, uptime := h.pendingAndUptime()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP broker_uptime_seconds Broker uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE broker_uptime_seconds gauge\n")
		fmt.Fprintf(w, "broker_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP broker_clients Current connected WebSocket clients.\n")
		fmt.Fprintf(w, "# TYPE broker_clients gauge\n")
		fmt.Fprintf(w, "broker_clients %d\n", h.clientCount())

		fmt.Fprintf(w, "# HELP broker_pending_clients Pending WebSocket handshakes awaiting upgrade.\n")
		fmt.Fprintf(w, "# TYPE broker_pending_clients gauge\n")
		fmt.Fprintf(w, "broker_pending_clients %d\n", pending)

		fmt.Fprintf(w, "# HELP broker_broadcasts_total Total score updates published.\n")
		fmt.Fprintf(w, "# TYPE broker_broadcasts_total counter\n")
		fmt.Fprintf(w, "broker_broadcasts_total %d\n", broadcasts)

		fmt.Fprintf(w, "# HELP broker_active_games Games with a currently running scheduler.\n")
		fmt.Fprintf(w, "# TYPE broker_active_games gauge\n")
		fmt.Fprintf(w, "broker_active_games %d\n", activeGames)

		if h.archiveStats != nil {
			stats := h.archiveStats()
			fmt.Fprintf(w, "# HELP broker_export_buffered_records Buffered score records awaiting export.\n")
			fmt.Fprintf(w, "# TYPE broker_export_buffered_records gauge\n")
			fmt.Fprintf(w, "broker_export_buffered_records %d\n", stats.BufferedRecords)
			fmt.Fprintf(w, "# HELP broker_export_buffered_bytes Buffered score payload size in bytes.\n")
			fmt.Fprintf(w, "# TYPE broker_export_buffered_bytes gauge\n")
			fmt.Fprintf(w, "broker_export_buffered_bytes %d\n", stats.BufferedBytes)
			fmt.Fprintf(w, "# HELP broker_exports_total Admin exports completed successfully.\n")
			fmt.Fprintf(w, "# TYPE broker_exports_total counter\n")
			fmt.Fprintf(w, "broker_exports_total %d\n", stats.Exports)
		}
		if h.archiveStorage != nil {
			storage := h.archiveStorage()
			fmt.Fprintf(w, "# HELP broker_archive_storage_games Archived games currently retained.\n")
			fmt.Fprintf(w, "# TYPE broker_archive_storage_games gauge\n")
			fmt.Fprintf(w, "broker_archive_storage_games %d\n", storage.Games)
			fmt.Fprintf(w, "# HELP broker_archive_storage_headers Archive header documents currently present.\n")
			fmt.Fprintf(w, "# TYPE broker_archive_storage_headers gauge\n")
			fmt.Fprintf(w, "broker_archive_storage_headers %d\n", storage.Headers)
			fmt.Fprintf(w, "# HELP broker_archive_storage_bytes Total on-disk size of retained archives in bytes.\n")
			fmt.Fprintf(w, "# TYPE broker_archive_storage_bytes gauge\n")
			fmt.Fprintf(w, "broker_archive_storage_bytes %d\n", storage.Bytes)
			if !storage.LastSweep.IsZero() {
				fmt.Fprintf(w, "# HELP broker_archive_storage_last_sweep_timestamp_seconds Unix timestamp of the last archive retention sweep.\n")
				fmt.Fprintf(w, "# TYPE broker_archive_storage_last_sweep_timestamp_seconds gauge\n")
				fmt.Fprintf(w, "broker_archive_storage_last_sweep_timestamp_seconds %d\n", storage.LastSweep.Unix())
			}
		}
	}
}

// ExportHandler authorises and triggers an on-demand admin export named after
// the requested game_id.
func (h *HandlerSet) ExportHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "export"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("export denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("export denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("export denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.exporter == nil {
			reqLogger.Warn("export denied: no exporter configured")
			http.Error(w, "export is unavailable", http.StatusServiceUnavailable)
			return
		}
		gameID := strings.TrimSpace(r.URL.Query().Get("game_id"))
		if gameID == "" {
			http.Error(w, "game_id is required", http.StatusBadRequest)
			return
		}
		location, err := h.exporter.Export(gameID)
		if err != nil {
			reqLogger.Error("export trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger export", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("export triggered", logging.String("game_id", gameID))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

// GameControlHandler authorises and applies a control command directly to a
// running game's scheduler, bypassing the websocket control channel.
func (h *HandlerSet) GameControlHandler() http.HandlerFunc {
	type request struct {
		GameID  string  `json:"game_id"`
		Action  string  `json:"action"`
		Seconds float64 `json:"seconds,omitempty"`
	}
	type response struct {
		Status string `json:"status"`
		State  string `json:"state,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(
			logging.String("handler", "game_control"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			logger.Warn("control denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			logger.Warn("control denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("control denied: invalid payload", logging.Error(err))
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		if req.GameID == "" {
			http.Error(w, "game_id is required", http.StatusBadRequest)
			return
		}

		if req.Action == "start" {
			s, err := h.schedulers.CreateOrGet(r.Context(), req.GameID)
			if err != nil {
				logger.Error("control denied: failed to start scheduler", logging.Error(err))
				http.Error(w, "failed to start game", http.StatusInternalServerError)
				return
			}
			s.Start()
			logger.Info("game control applied", logging.String("game_id", req.GameID), logging.String("action", req.Action))
			writeJSON(w, http.StatusOK, response{Status: "ok", State: string(s.State())})
			return
		}

		s, ok := h.schedulers.Get(req.GameID)
		if !ok {
			http.Error(w, "game has no active scheduler", http.StatusNotFound)
			return
		}
		switch req.Action {
		case "pause":
			s.Pause()
		case "resume":
			s.Resume()
		case "speed":
			s.AdjustSpeed(req.Seconds)
		default:
			http.Error(w, fmt.Sprintf("unknown action %q", req.Action), http.StatusBadRequest)
			return
		}
		logger.Info("game control applied", logging.String("game_id", req.GameID), logging.String("action", req.Action))
		writeJSON(w, http.StatusOK, response{Status: "ok", State: string(s.State())})
	}
}

func (h *HandlerSet) metricsStats() (broadcasts, activeGames int) {
	if h.stats != nil {
		return h.stats()
	}
	return
}

func (h *HandlerSet) clientCount() int {
	if h.readiness == nil {
		return 0
	}
	clients, _ := h.readiness.SnapshotClientCounts()
	return clients
}

func (h *HandlerSet) pendingAndUptime() (pending int, uptime float64) {
	if h.readiness == nil {
		return 0, 0
	}
	_, pending = h.readiness.SnapshotClientCounts()
	return pending, h.readiness.Uptime().Seconds()
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
