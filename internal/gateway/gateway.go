// Package gateway implements the control surface: a small, mostly
// read-only HTTP API for operating the orchestrator from outside the chat
// transport — health checks, model catalog introspection, routing-mode
// mutation, and ops report retrieval. Grounded on the teacher's
// internal/gateway package's middleware stack (auth, CORS, rate limiting)
// and health endpoint shape, trimmed from its JSON-RPC/WebSocket task-and-
// session surface down to the plain REST routes this domain calls for.
package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Pavua/krab/internal/bus"
	"github.com/Pavua/krab/internal/corekit"
	"github.com/Pavua/krab/internal/ops"
	"github.com/Pavua/krab/internal/policy"
	"github.com/Pavua/krab/internal/router"
)

// globalChatID is the Policy key the control surface mutates via
// POST /api/model/apply — a process-wide routing-mode override distinct
// from any real chat's own per-ChatId Policy.
const globalChatID corekit.ChatId = "__global__"

// ModelCatalog is the read interface Server needs from the Router.
type ModelCatalog interface {
	Catalog() []router.CatalogEntry
}

// OpsView is the read interface Server needs from Ops Telemetry.
type OpsView interface {
	Snapshot() ops.Snapshot
	Alerts() []ops.Alert
}

// HealthView reports the deep health snapshot for GET /health. Implemented
// by *watchdog.Supervisor.
type HealthView interface {
	Snapshot() HealthSnapshot
}

// HealthSnapshot is the deep health payload for GET /health.
type HealthSnapshot struct {
	Degraded bool                    `json:"degraded"`
	Reason   string                  `json:"reason,omitempty"`
	Sources  []HealthSourceSnapshot  `json:"sources"`
}

// HealthSourceSnapshot is one health source's observed state.
type HealthSourceSnapshot struct {
	Name      string        `json:"name"`
	Up        bool          `json:"up"`
	LatencyMS int64         `json:"latency_ms"`
	Reason    string        `json:"reason,omitempty"`
}

// Config wires Server's dependencies. Every field is optional; a route
// whose backing view is nil reports 503 rather than panicking, so a
// deployment can run the control surface with only the pieces it needs.
type Config struct {
	Models ModelCatalog
	Ops    OpsView
	Health HealthView
	Policy *policy.Store
	Bus    *bus.Bus

	StartedAt time.Time

	// WebAPIKey is the shared secret write endpoints require. Empty
	// disables write authentication (local/dev use only).
	WebAPIKey string

	CORS      CORSConfig
	RateLimit RateLimitConfig
}

// Server serves the control surface HTTP API.
type Server struct {
	cfg  Config
	auth *AuthMiddleware
	cors func(http.Handler) http.Handler
	rate *RateLimitMiddleware
}

// New constructs a Server. Call Handler to obtain the wrapped mux.
func New(cfg Config) *Server {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Server{
		cfg:  cfg,
		auth: NewAuthMiddleware(cfg.WebAPIKey),
		cors: NewCORSMiddleware(cfg.CORS),
		rate: NewRateLimitMiddleware(cfg.RateLimit),
	}
}

// Handler builds the route table wrapped with rate limiting, CORS, and
// shared-secret auth, in that order (outermost to innermost), mirroring the
// teacher's middleware composition order.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/lite", s.handleHealthLite)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/model/catalog", s.handleModelCatalog)
	mux.HandleFunc("/api/model/apply", s.handleModelApply)
	mux.HandleFunc("/api/ops/reports/catalog", s.handleOpsReportsCatalog)
	mux.HandleFunc("/api/ops/reports/latest/", s.handleOpsReportLatest)
	if s.cfg.Bus != nil {
		mux.HandleFunc("/api/stream", s.handleRequestStream)
	}

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.cors(h)
	h = s.rate.Wrap(h)
	return h
}

func (s *Server) handleHealthLite(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptime_s": int(time.Since(s.cfg.StartedAt).Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "health supervisor unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Health.Snapshot())
}

func (s *Server) handleModelCatalog(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Models == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "model catalog unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.cfg.Models.Catalog()})
}

// modelApplyRequest mutates the global routing-mode Policy: force_mode
// selects auto/local/cloud; persona is optional free text applied alongside
// it. "Slot/preset" from the abstract control-surface description maps
// onto this domain's single routing knob, ForceMode — there is no model
// slot concept to mutate separately.
type modelApplyRequest struct {
	ForceMode string `json:"force_mode"`
	Persona   string `json:"persona,omitempty"`
}

func (s *Server) handleModelApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Policy == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "policy store unavailable"})
		return
	}

	var req modelApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	mode := corekit.ForceMode(req.ForceMode)
	if mode != corekit.ForceModeAuto && mode != corekit.ForceModeLocal && mode != corekit.ForceModeCloud {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "force_mode must be one of auto, local, cloud"})
		return
	}

	err := s.cfg.Policy.Mutate(globalChatID, func(p *policy.Policy) {
		p.ForceMode = mode
		if req.Persona != "" {
			p.Persona = req.Persona
		}
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, s.cfg.Policy.Snapshot(globalChatID))
}

// reportDescriptor is one entry in the ops reports catalog: a named,
// read-only artifact kind the control surface can serve.
type reportDescriptor struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

func (s *Server) handleOpsReportsCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"reports": []reportDescriptor{
		{ID: "usage", Description: "current UsageLedger snapshot, per (tier, model_id)"},
		{ID: "alerts", Description: "current soft-cap and health alerts"},
	}})
}

func (s *Server) handleOpsReportLatest(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/ops/reports/latest/")
	if s.cfg.Ops == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "ops telemetry unavailable"})
		return
	}
	switch id {
	case "usage":
		writeJSON(w, http.StatusOK, s.cfg.Ops.Snapshot())
	case "alerts":
		writeJSON(w, http.StatusOK, map[string]any{"alerts": s.cfg.Ops.Alerts()})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown report id " + id})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
