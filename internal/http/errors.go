package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mistakeknot/harbor/internal/core"
)

func statusForCode(code string) int {
	switch code {
	case core.CodeInvalidParams:
		return http.StatusBadRequest
	case core.CodeForbidden:
		return http.StatusForbidden
	case core.CodeSessionNotFound, core.CodeMachineNotFound, core.CodeAccountNotFound:
		return http.StatusNotFound
	case core.CodeVersionMismatch:
		return http.StatusConflict
	case core.CodeCursorGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders an error as {"error": code} plus whatever recovery
// fields the error carries (current lane state, current cursor).
func writeError(w http.ResponseWriter, err error) {
	code := core.ErrorCode(err)
	body := map[string]any{"error": code}

	var vm *core.VersionMismatchError
	if errors.As(err, &vm) {
		body["version"] = vm.Version
		body["value"] = vm.Value
	}
	var pm *core.PatchMismatchError
	if errors.As(err, &pm) {
		if pm.Metadata != nil {
			body["metadata"] = laneJSON{Version: pm.Metadata.Version, Value: pm.Metadata.Value}
		}
		if pm.AgentState != nil {
			body["agentState"] = laneJSON{Version: pm.AgentState.Version, Value: pm.AgentState.Value}
		}
	}
	var cg *core.CursorGoneError
	if errors.As(err, &cg) {
		body["currentCursor"] = cg.CurrentCursor
	}

	writeJSON(w, statusForCode(code), body)
}

type laneJSON struct {
	Version int64   `json:"version"`
	Value   *string `json:"value"`
}
