package manager

import (
	"encoding/json"
	"net/http"

	"github.com/pixelated/dispatcher/internal/apperr"
	"github.com/pixelated/dispatcher/internal/backend"
	"github.com/pixelated/dispatcher/internal/lifecycle"
	"github.com/pixelated/dispatcher/internal/users"
)

// handleListAgents unions the registry's full user list with whatever live
// state the supervisor has observed, so a registered-but-never-started user
// still appears with state "stopped" rather than being omitted.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Registry.List()
	agents := make([]map[string]any, 0, len(names))
	for _, name := range names {
		inst, err := s.deps.Supervisor.Status(r.Context(), name)
		if err != nil {
			writeErr(w, err)
			return
		}
		agents = append(agents, agentState(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

type addAgentRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// handleAddAgent registers a new user, stores a salt+verifier for the local
// authenticate check, and stages the plaintext password for the agent's next
// start; it does not start the agent.
func (s *Server) handleAddAgent(w http.ResponseWriter, r *http.Request) {
	var req addAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := users.ValidateName(req.Name); err != nil {
		writeErr(w, err)
		return
	}
	if _, err := s.deps.Registry.Add(req.Name); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.deps.Registry.SetCredential(req.Name, req.Password); err != nil {
		writeErr(w, err)
		return
	}
	s.creds.stage(req.Name, req.Password)

	s.deps.Log.Info("agent added", "name", req.Name)
	writeJSON(w, http.StatusCreated, agentState(lifecycle.AgentInstance{UserName: req.Name, State: lifecycle.StateStopped}))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.deps.Registry.Get(name); err != nil {
		writeErr(w, err)
		return
	}
	inst, err := s.deps.Supervisor.Status(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentState(inst))
}

func (s *Server) handleGetRuntime(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.deps.Registry.Get(name); err != nil {
		writeErr(w, err)
		return
	}
	inst, err := s.deps.Supervisor.Status(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runtimeState(inst))
}

type setStateRequest struct {
	State string `json:"state"`
}

// handleSetState drives a start or stop transition. Starting hands the
// password staged at "add" time, if still pending, to the backend for the
// agent's stdin handshake. The staged password is consumed by the first start
// request, so later starts send an empty password.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var inst lifecycle.AgentInstance
	var err error
	switch req.State {
	case string(lifecycle.StateRunning):
		password, _ := s.creds.takeOnce(name)
		inst, err = s.deps.Supervisor.Start(r.Context(), name, backend.Credential{
			User:                 name,
			Password:             password,
			LeapProviderHostname: s.deps.Provider.ServerName,
		}, s.deps.Provider)
	case string(lifecycle.StateStopped):
		inst, err = s.deps.Supervisor.Stop(r.Context(), name)
	default:
		writeError(w, http.StatusBadRequest, "state must be \"running\" or \"stopped\"")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runtimeState(inst))
}

type resetDataRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleResetData(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req resetDataRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.deps.Supervisor.ResetData(r.Context(), name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

type authenticateRequest struct {
	Password string `json:"password"`
}

// handleAuthenticate checks a submitted password against the SRP verifier
// staged at "add" time. Per §4.6 this is the one endpoint whose failure
// status is 403, not the generic 401 apperr.HTTPStatus maps AuthFailed to.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ok, err := s.deps.Registry.CheckPassword(name, req.Password)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			writeErr(w, err)
			return
		}
		writeError(w, http.StatusInternalServerError, "credential check failed")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "authentication failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMemoryUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.deps.Supervisor.MemoryUsage(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	agents := make([]map[string]any, 0, len(usage.PerAgent))
	for _, a := range usage.PerAgent {
		agents = append(agents, map[string]any{"name": a.Name, "memory_usage": a.Bytes})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_usage":   usage.TotalBytes,
		"average_usage": usage.AverageBytes,
		"agents":        agents,
	})
}
