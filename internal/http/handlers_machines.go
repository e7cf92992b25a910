package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/events"
)

type createMachineRequest struct {
	ID          string  `json:"id"`
	Metadata    string  `json:"metadata"`
	DaemonState *string `json:"daemonState,omitempty"`
}

type listMachinesResponse struct {
	Machines []events.MachinePayload `json:"machines"`
}

func (s *Service) handleMachines(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		machines, err := s.store.ListMachines(r.Context(), accountID)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]events.MachinePayload, 0, len(machines))
		for _, m := range machines {
			out = append(out, events.MachineWire(m))
		}
		writeJSON(w, http.StatusOK, listMachinesResponse{Machines: out})
	case http.MethodPost:
		var req createMachineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Metadata == "" {
			writeError(w, core.ErrInvalidParams)
			return
		}
		machine, err := s.relay.CreateMachine(r.Context(), accountID, req.ID, req.Metadata, req.DaemonState)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"machine": events.MachineWire(machine)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleMachineByID(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	machineID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v2/machines/"), "/")
	if machineID == "" || strings.Contains(machineID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	machine, err := s.store.GetMachine(r.Context(), accountID, machineID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": events.MachineWire(machine)})
}
