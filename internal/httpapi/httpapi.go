// Package httpapi exposes the deployment pipeline and registry over
// HTTP, in the teacher's ServeMux + PathValue + writeJSON idiom.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neult/oken/internal/deploy"
	"github.com/neult/oken/internal/events"
	"github.com/neult/oken/internal/logging"
	"github.com/neult/oken/internal/registry"
	"github.com/neult/oken/internal/runnererr"
)

// Server is the public HTTP surface over the agent lifecycle engine.
type Server struct {
	mux      *http.ServeMux
	pipeline *deploy.Pipeline
	registry *registry.Registry
	bus      *events.Bus
	log      *logging.Logger
}

// New builds the routed mux. metricsEnabled controls whether /metrics is
// exposed, per the OKEN_METRICS setting.
func New(pipeline *deploy.Pipeline, reg *registry.Registry, bus *events.Bus, log *logging.Logger, metricsEnabled bool) *Server {
	s := &Server{mux: http.NewServeMux(), pipeline: pipeline, registry: reg, bus: bus, log: log}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /deploy", s.handleDeploy)
	s.mux.HandleFunc("POST /invoke/{agent_id}", s.handleInvoke)
	s.mux.HandleFunc("POST /stop/{agent_id}", s.handleStop)
	s.mux.HandleFunc("GET /agents", s.handleListAgents)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	if metricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	s.log.With("request_id", reqID, "method", r.Method, "path", r.URL.Path).Info("request received")
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRunnerErr(w http.ResponseWriter, err error) {
	if rerr, ok := runnererr.As(err); ok {
		writeJSON(w, rerr.HTTPStatus(), map[string]string{"error": rerr.Message, "code": string(rerr.Kind)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"agents_running": s.registry.CountRunning(),
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form: " + err.Error()})
		return
	}
	agentID := r.FormValue("agent_id")

	file, _, err := r.FormFile("tarball")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing tarball field"})
		return
	}
	defer file.Close()

	result, err := s.pipeline.Deploy(r.Context(), agentID, file)
	if err != nil {
		writeRunnerErr(w, err)
		return
	}

	// A readiness timeout comes back as Result{Status: agent.Error}, not an
	// error return — it's still a 200 with a structured body.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	var req struct {
		Input map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}

	output, err := s.pipeline.Invoke(r.Context(), agentID, req.Input)
	if err != nil {
		writeRunnerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": output})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := s.pipeline.Stop(r.Context(), agentID); err != nil {
		writeRunnerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "status": "stopped"})
}

type agentSummary struct {
	AgentID      string  `json:"agent_id"`
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	LastInvoked  *string `json:"last_invoked"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	states := s.registry.List()
	agents := make([]agentSummary, 0, len(states))
	for _, st := range states {
		var lastInvoked *string
		if st.HasBeenInvoked() {
			v := st.LastInvoked.Format(time.RFC3339)
			lastInvoked = &v
		}
		agents = append(agents, agentSummary{
			AgentID:     st.AgentID,
			Name:        st.Config.Name,
			Status:      string(st.Status),
			CreatedAt:   st.CreatedAt.Format(time.RFC3339),
			LastInvoked: lastInvoked,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// handleEvents streams lifecycle transitions as Server-Sent Events,
// supplementing the original's request/response surface with the
// observability the dashboard-style teacher repo expects of its bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
