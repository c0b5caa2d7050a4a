package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hivegrid/hivegrid/internal/swarm"
)

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.coord.GetStatus()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jsonResponse(w, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    formatUptime(time.Since(s.startedAt)),
		"durable":   report.Durable,
		"swarm":     report.Swarm,
		"agents":    report.Agents,
		"tasks":     report.Tasks,
		"memory":    report.Memory,
		"health":    report.Health,
		"comms":     report.Comms,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	report, err := s.coord.GetStatus()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var swarmID string
	if report.Swarm != nil {
		swarmID = report.Swarm.ID
	}
	records, err := s.st.ListAgents(swarmID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	live := make(map[string]swarm.AgentView, len(report.Agents))
	for _, v := range report.Agents {
		live[v.ID] = v
	}

	out := make([]map[string]any, 0, len(records))
	for _, a := range records {
		entry := map[string]any{
			"id":            a.ID,
			"name":          a.Name,
			"role":          a.Type,
			"status":        a.Status,
			"capabilities":  a.Capabilities,
			"success_count": a.SuccessCount,
			"error_count":   a.ErrorCount,
			"message_count": a.MessageCount,
			"last_active":   a.LastActiveAt.UTC(),
		}
		if v, ok := live[a.ID]; ok {
			entry["responsive"] = v.Responsive
			if v.CurrentTask != "" {
				entry["current_task"] = v.CurrentTask
			}
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Role == "" {
		jsonError(w, "role is required", http.StatusBadRequest)
		return
	}

	id, err := s.coord.SpawnAgent(r.Context(), body.Role, body.Capabilities)
	if err != nil {
		switch {
		case errors.Is(err, swarm.ErrInvalidRole):
			jsonError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, swarm.ErrSwarmFull):
			jsonError(w, err.Error(), http.StatusConflict)
		default:
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	jsonResponse(w, map[string]string{"id": id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	report, err := s.coord.GetStatus()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var swarmID string
	if report.Swarm != nil {
		swarmID = report.Swarm.ID
	}

	var tasks any
	if status := r.URL.Query().Get("status"); status != "" {
		tasks, err = s.st.ListTasksByStatus(swarmID, status)
	} else {
		tasks, err = s.st.ListTasks(swarmID)
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, tasks)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var spec swarm.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if spec.Description == "" {
		jsonError(w, "description is required", http.StatusBadRequest)
		return
	}

	id, err := s.coord.SubmitTask(spec)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"id": id})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.CancelTask(id); err != nil {
		switch {
		case errors.Is(err, swarm.ErrTaskNotFound):
			jsonError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, swarm.ErrTaskTerminal):
			jsonError(w, err.Error(), http.StatusConflict)
		default:
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	jsonResponse(w, map[string]string{"status": "cancelled"})
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	retryID, err := s.coord.RetryTask(id)
	if err != nil {
		if errors.Is(err, swarm.ErrTaskNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
		} else {
			jsonError(w, err.Error(), http.StatusConflict)
		}
		return
	}
	jsonResponse(w, map[string]string{"id": retryID})
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.eng.ListPending()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, proposals)
}

// listMemory summarizes a namespace's entries without exposing the
// stored values.
func (s *Server) listMemory(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = "default"
	}
	entries, err := s.st.ListMemory(namespace)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"key":          e.Key,
			"size":         len(e.Value),
			"compressed":   e.Compressed,
			"access_count": e.AccessCount,
			"created_at":   e.CreatedAt.UTC(),
			"accessed_at":  e.AccessedAt.UTC(),
		})
	}
	jsonResponse(w, out)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
