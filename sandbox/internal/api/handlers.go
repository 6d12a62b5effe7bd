package api

import (
	"encoding/json"
	"net/http"
	"os/exec"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/schema"
)

// probedCommands is the toolchain inventory reported by /api/commands.
var probedCommands = []string{
	"sh", "bash", "node", "npm", "npx", "python", "python3", "pip",
	"git", "curl", "wget", "tar", "zstd", "unzip", "make", "gcc", "go",
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierror.Validation(apierror.FieldError{Field: "body", Message: "invalid JSON body"})
	}
	return nil
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.healthy.Load() {
		schema.WriteError(w, apierror.New(apierror.CodeUnavailable, "sandbox is unhealthy"))
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handlePing handles GET /api/ping.
func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	schema.WriteSuccess(w, http.StatusOK, map[string]any{"message": "pong"})
}

// handleCommands handles GET /api/commands: which common tools are on PATH.
func (s *Server) handleCommands(w http.ResponseWriter, _ *http.Request) {
	available := make([]string, 0, len(probedCommands))
	for _, name := range probedCommands {
		if _, err := exec.LookPath(name); err == nil {
			available = append(available, name)
		}
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"availableCommands": available,
		"count":             len(available),
	})
}
