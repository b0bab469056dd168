// Package server exposes the agent engine over a small JSON HTTP API.
//
// Routes:
//
//	GET  /healthz                     liveness probe
//	GET  /metrics                     Prometheus metrics
//	GET    /api/agents                            list registered agents
//	POST   /api/agents                            create an agent
//	DELETE /api/agents/{id}                       delete an agent and its memory
//	POST   /api/agents/{id}/interact              run one conversation turn
//	PUT    /api/agents/{id}/prompt                replace an agent's system prompt
//	GET    /api/agents/{id}/conversations         list user ids with history
//	GET    /api/agents/{id}/conversations/{user}  fetch one conversation tail
//
// The {id} segment accepts an agent id or a display name. Unknown references
// get a 404 whose error message carries a "did you mean" suggestion when a
// registered name is a near miss.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hollowmere/parley/internal/agent"
	"github.com/hollowmere/parley/internal/manager"
	"github.com/hollowmere/parley/internal/observe"
)

// defaultConversationLimit bounds conversation fetches without an explicit
// limit query parameter.
const defaultConversationLimit = 50

// Server serves the HTTP API for one agent manager.
type Server struct {
	agents  *manager.Manager
	metrics *observe.Metrics
	logger  *slog.Logger
	router  chi.Router
}

// New builds the server and its route table.
func New(agents *manager.Manager, metrics *observe.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{agents: agents, metrics: metrics, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", s.handleHealthz)
	if reg := metrics.Registry(); reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Route("/api/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/", s.handleCreateAgent)
		r.Delete("/{agentID}", s.handleDeleteAgent)
		r.Post("/{agentID}/interact", s.handleInteract)
		r.Put("/{agentID}/prompt", s.handleSetPrompt)
		r.Get("/{agentID}/conversations", s.handleListConversations)
		r.Get("/{agentID}/conversations/{userID}", s.handleGetConversation)
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// lookup resolves the {agentID} path segment against the manager, first as an
// id and then as a display name. On a miss it writes a 404 whose body carries
// the manager's "did you mean" suggestion when one exists, and returns nil.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *agent.Agent {
	ref := chi.URLParam(r, "agentID")
	if a := s.agents.ByID(ref); a != nil {
		return a
	}
	a, err := s.agents.Resolve(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil
	}
	return a
}

// ─────────────────────────────────────────────────────────────────────────────
// Request/response bodies
// ─────────────────────────────────────────────────────────────────────────────

type agentInfo struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	State     string `json:"state"`
}

type createAgentRequest struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`
}

type interactRequest struct {
	UserID       string `json:"userId"`
	Message      string `json:"message"`
	ExtraContext string `json:"extraContext"`
}

type interactResponse struct {
	Reply string `json:"reply"`
}

type setPromptRequest struct {
	SystemPrompt string `json:"systemPrompt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	all := s.agents.Agents()
	infos := make([]agentInfo, 0, len(all))
	for _, a := range all {
		infos = append(infos, agentInfo{AgentID: a.ID(), AgentName: a.Name(), State: a.State().String()})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	a, err := s.agents.Create(r.Context(), req.Name, req.SystemPrompt)
	switch {
	case errors.Is(err, manager.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, agent.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("agent creation failed", "agentName", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "agent creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, agentInfo{AgentID: a.ID(), AgentName: a.Name(), State: a.State().String()})
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	a := s.lookup(w, r)
	if a == nil {
		return
	}

	var req interactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	reply, err := a.Interact(r.Context(), req.UserID, req.Message, req.ExtraContext)
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, agent.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		// The user always gets a reply: completion failures surface as the
		// canned apology rather than a bare error code.
		s.logger.Error("interaction failed", "agentId", a.ID(), "error", err)
		writeJSON(w, http.StatusBadGateway, interactResponse{Reply: agent.Apology})
		return
	}
	writeJSON(w, http.StatusOK, interactResponse{Reply: reply})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	a := s.lookup(w, r)
	if a == nil {
		return
	}
	err := s.agents.Delete(r.Context(), a.ID())
	switch {
	case errors.Is(err, manager.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("agent deletion failed", "error", err)
		writeError(w, http.StatusInternalServerError, "agent deletion failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	a := s.lookup(w, r)
	if a == nil {
		return
	}
	users := a.ConversationUsers()
	sort.Strings(users)
	writeJSON(w, http.StatusOK, map[string][]string{"userIds": users})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	a := s.lookup(w, r)
	if a == nil {
		return
	}

	limit := defaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, a.Conversation(chi.URLParam(r, "userID"), limit))
}

func (s *Server) handleSetPrompt(w http.ResponseWriter, r *http.Request) {
	a := s.lookup(w, r)
	if a == nil {
		return
	}

	var req setPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.SetSystemPrompt(req.SystemPrompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
