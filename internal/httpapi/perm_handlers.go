package httpapi

import (
	"net/http"
	"strings"

	"sabarelay.org/internal/audit"
	"sabarelay.org/internal/relay"
)

type directPermissionRequest struct {
	ActorID    string   `json:"actor_id"`
	NodeID     string   `json:"node_id"`
	UserID     string   `json:"user_id"`
	Level      string   `json:"level,omitempty"`
	GuildID    string   `json:"guild_id,omitempty"`
	ActorRoles []string `json:"actor_roles,omitempty"`
}

type rolePermissionRequest struct {
	ActorID    string   `json:"actor_id"`
	NodeID     string   `json:"node_id"`
	GuildID    string   `json:"guild_id"`
	RoleID     string   `json:"role_id"`
	Level      string   `json:"level,omitempty"`
	ActorRoles []string `json:"actor_roles,omitempty"`
}

type linkGuildRequest struct {
	ActorID    string   `json:"actor_id"`
	NodeID     string   `json:"node_id"`
	GuildID    string   `json:"guild_id"`
	ActorRoles []string `json:"actor_roles,omitempty"`
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	var req directPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	switch r.Method {
	case http.MethodPut:
		level, ok := relay.ParseLevel(req.Level)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "level must be none, user or admin")
			return
		}
		err := a.deps.ACL.Grant(r.Context(), req.ActorID, req.NodeID, req.UserID, level, req.GuildID, req.ActorRoles)
		if err != nil {
			handleRelayError(w, r, err)
			return
		}
		a.record(r, audit.Event{
			Action:  "permission_granted",
			NodeID:  req.NodeID,
			ActorID: req.ActorID,
			Detail:  map[string]any{"user_id": req.UserID, "level": level.String()},
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "granted"})
	case http.MethodDelete:
		err := a.deps.ACL.Revoke(r.Context(), req.ActorID, req.NodeID, req.UserID, req.GuildID, req.ActorRoles)
		if err != nil {
			handleRelayError(w, r, err)
			return
		}
		a.record(r, audit.Event{
			Action:  "permission_revoked",
			NodeID:  req.NodeID,
			ActorID: req.ActorID,
			Detail:  map[string]any{"user_id": req.UserID},
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	var roles []string
	if raw := strings.TrimSpace(q.Get("roles")); raw != "" {
		for _, role := range strings.Split(raw, ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
	}
	level, err := a.deps.ACL.Resolve(r.Context(), q.Get("user_id"), q.Get("node_id"), q.Get("guild_id"), roles)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"level": level.String()})
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	switch r.Method {
	case http.MethodPut:
		level, ok := relay.ParseLevel(req.Level)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "level must be none, user or admin")
			return
		}
		err := a.deps.ACL.GrantRole(r.Context(), req.ActorID, req.NodeID, req.GuildID, req.RoleID, level, req.ActorRoles)
		if err != nil {
			handleRelayError(w, r, err)
			return
		}
		a.record(r, audit.Event{
			Action:  "role_permission_granted",
			NodeID:  req.NodeID,
			GuildID: req.GuildID,
			ActorID: req.ActorID,
			Detail:  map[string]any{"role_id": req.RoleID, "level": level.String()},
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "granted"})
	case http.MethodDelete:
		err := a.deps.ACL.RevokeRole(r.Context(), req.ActorID, req.NodeID, req.GuildID, req.RoleID, req.ActorRoles)
		if err != nil {
			handleRelayError(w, r, err)
			return
		}
		a.record(r, audit.Event{
			Action:  "role_permission_revoked",
			NodeID:  req.NodeID,
			GuildID: req.GuildID,
			ActorID: req.ActorID,
			Detail:  map[string]any{"role_id": req.RoleID},
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleGuilds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req linkGuildRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.deps.ACL.LinkGuild(r.Context(), req.ActorID, req.NodeID, req.GuildID, req.ActorRoles)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	a.record(r, audit.Event{
		Action:  "guild_linked",
		NodeID:  req.NodeID,
		GuildID: req.GuildID,
		ActorID: req.ActorID,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"status": "linked"})
}
