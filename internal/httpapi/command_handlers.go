package httpapi

import (
	"encoding/json"
	"net/http"

	"sabarelay.org/internal/audit"
	"sabarelay.org/internal/queue"
	"sabarelay.org/internal/relay"
)

type commandRequest struct {
	NodeID         string          `json:"node_id"`
	RequesterID    string          `json:"requester_id"`
	GuildID        string          `json:"guild_id,omitempty"`
	ChannelID      string          `json:"channel_id,omitempty"`
	OriginRef      string          `json:"origin_ref,omitempty"`
	RequesterRoles []string        `json:"requester_roles,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

type commandResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// handleCommand authorizes the requester against the node's ACL and enqueues
// the command. Acceptance means queued, not executed, hence 202.
func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req commandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	level, err := a.deps.ACL.Resolve(r.Context(), req.RequesterID, req.NodeID, req.GuildID, req.RequesterRoles)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	if level < relay.LevelUser {
		a.record(r, audit.Event{
			Action:  "command_denied",
			NodeID:  req.NodeID,
			GuildID: req.GuildID,
			ActorID: req.RequesterID,
			Outcome: "denied",
		})
		writeError(w, r, http.StatusForbidden, "permission denied")
		return
	}

	entry, err := a.deps.Queue.Submit(r.Context(), queue.SubmitRequest{
		NodeID:      req.NodeID,
		RequesterID: req.RequesterID,
		GuildID:     req.GuildID,
		ChannelID:   req.ChannelID,
		OriginRef:   req.OriginRef,
		Payload:     req.Payload,
	})
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	a.record(r, audit.Event{
		Action:  "command_submitted",
		NodeID:  entry.NodeID,
		GuildID: entry.GuildID,
		ActorID: entry.RequesterID,
		Detail:  map[string]any{"request_id": entry.ID},
	})
	writeJSON(w, http.StatusAccepted, commandResponse{RequestID: entry.ID, Status: "queued"})
}
