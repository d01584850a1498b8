package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sabarelay.org/internal/audit"
	"sabarelay.org/internal/authn"
	"sabarelay.org/internal/relay"
)

type pollResponse struct {
	Commands []relay.CommandEntry `json:"commands"`
}

type resultRequest struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type heartbeatRequest struct {
	AgentVersion string          `json:"agent_version,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// handlePoll hands the node its pending commands, blocking up to the
// requested wait. 204 means the poll drained nothing; reconnect and retry.
// The wait rides in the query string so the signed canonical path stays
// stable across polls.
func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	nodeID, ok := authn.NodeFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			writeError(w, r, http.StatusBadRequest, "wait_seconds must be a non-negative integer")
			return
		}
		wait = time.Duration(secs) * time.Second
	}
	if wait > a.deps.MaxPollWait {
		wait = a.deps.MaxPollWait
	}

	entries, err := a.deps.Queue.Poll(r.Context(), nodeID, wait)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-poll; nothing to write.
			return
		}
		handleRelayError(w, r, err)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Commands: entries})
}

func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	nodeID, ok := authn.NodeFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}

	entryID := strings.TrimPrefix(r.URL.Path, "/v1/result/")
	if entryID == "" || strings.Contains(entryID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	var req resultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entry, err := a.deps.Queue.Report(r.Context(), entryID, nodeID, req.Success, req.Data)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	a.record(r, audit.Event{
		Action:  "result_reported",
		NodeID:  nodeID,
		Outcome: string(entry.Status),
		Detail:  map[string]any{"request_id": entry.ID},
	})
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	nodeID, ok := authn.NodeFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}

	var req heartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	advise, err := a.deps.Hosts.Heartbeat(r.Context(), nodeID, req.AgentVersion, req.Metadata)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"upgrade_advised": advise,
	})
}
