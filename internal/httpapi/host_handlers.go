package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"sabarelay.org/internal/audit"
	"sabarelay.org/internal/relay"
)

type registerRequest struct {
	OwnerID   string `json:"owner_id"`
	OwnerName string `json:"owner_name"`
	Name      string `json:"name"`
}

type registerResponse struct {
	Node  relay.Node `json:"node"`
	Token string     `json:"token"`
}

type rotateRequest struct {
	UserID string `json:"user_id"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	node, raw, err := a.deps.Hosts.Register(r.Context(), req.OwnerID, req.OwnerName, req.Name)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	a.record(r, audit.Event{
		Action:  "node_registered",
		NodeID:  node.ID,
		ActorID: node.OwnerID,
		Detail:  map[string]any{"name": node.Name},
	})

	w.Header().Set("Location", "/v1/hosts/"+node.ID)
	// The raw credential appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, registerResponse{Node: node, Token: raw})
}

func (a *API) handleHostResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/hosts/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "node not found")
		return
	}

	switch rest {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getHost(w, r, id)
	case "metadata":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.producerAuthorized(w, r) {
			return
		}
		a.getHostMetadata(w, r, id)
	case "rotate-token":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.producerAuthorized(w, r) {
			return
		}
		a.rotateHostToken(w, r, id)
	case "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.producerAuthorized(w, r) {
			return
		}
		a.listHostAudit(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getHost(w http.ResponseWriter, r *http.Request, id string) {
	node, err := a.deps.Hosts.Get(r.Context(), id)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	// Unauthenticated endpoint: status fields only, no metadata snapshot.
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                node.ID,
		"name":              node.Name,
		"status":            node.Status,
		"last_heartbeat_at": node.LastHeartbeatAt,
		"agent_version":     node.AgentVersion,
	})
}

func (a *API) getHostMetadata(w http.ResponseWriter, r *http.Request, id string) {
	meta, err := a.deps.Hosts.Metadata(r.Context(), id)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":  id,
		"metadata": meta,
	})
}

func (a *API) rotateHostToken(w http.ResponseWriter, r *http.Request, id string) {
	var req rotateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	raw, err := a.deps.Hosts.RotateToken(r.Context(), req.UserID, id)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	a.record(r, audit.Event{
		Action:  "token_rotated",
		NodeID:  id,
		ActorID: strings.TrimSpace(req.UserID),
	})
	writeJSON(w, http.StatusOK, map[string]any{"token": raw})
}

func (a *API) listHostAudit(w http.ResponseWriter, r *http.Request, id string) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	rows, err := a.deps.Recorder.ListForNode(r.Context(), id, limit)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

// record appends an audit event; failures are already logged by the
// recorder and never fail the request.
func (a *API) record(r *http.Request, ev audit.Event) {
	if a.deps.Recorder == nil {
		return
	}
	_ = a.deps.Recorder.Record(r.Context(), ev)
}
