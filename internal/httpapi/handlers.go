// Package httpapi is the HTTP surface of the relay. It owns routing,
// middleware and the error-to-status mapping; all domain decisions live in
// the services it fronts.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"sabarelay.org/internal/acl"
	"sabarelay.org/internal/audit"
	"sabarelay.org/internal/authn"
	"sabarelay.org/internal/hosts"
	"sabarelay.org/internal/obs"
	"sabarelay.org/internal/queue"
	"sabarelay.org/internal/relay"
)

// ReadyProbe checks backing-store readiness, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries the services the API fronts.
type Deps struct {
	Hosts    *hosts.Service
	ACL      *acl.Resolver
	Queue    *queue.Service
	Auth     *authn.Authenticator
	Producer *authn.Producer
	Recorder *audit.Recorder

	ReadyProbe  ReadyProbe
	Version     string
	MaxPollWait time.Duration
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
}

// New builds the router. Producer endpoints require a service token; node
// endpoints require a signed node credential.
func New(deps Deps) *API {
	if deps.MaxPollWait <= 0 {
		deps.MaxPollWait = 25 * time.Second
	}
	a := &API{mux: http.NewServeMux(), deps: deps}

	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.ready)
	a.mux.HandleFunc("/v1/info", a.info)
	a.mux.Handle("/metrics", obs.Handler())

	producer := a.withProducerAuth
	a.mux.Handle("/v1/hosts/register", producer(http.HandlerFunc(a.handleRegister)))
	// Host status is public; the other host sub-resources enforce producer
	// auth per branch inside the dispatcher.
	a.mux.HandleFunc("/v1/hosts/", a.handleHostResource)
	a.mux.Handle("/v1/permissions", producer(http.HandlerFunc(a.handlePermissions)))
	a.mux.Handle("/v1/permissions/resolve", producer(http.HandlerFunc(a.handleResolve)))
	a.mux.Handle("/v1/role-permissions", producer(http.HandlerFunc(a.handleRolePermissions)))
	a.mux.Handle("/v1/guilds", producer(http.HandlerFunc(a.handleGuilds)))
	a.mux.Handle("/v1/command", producer(http.HandlerFunc(a.handleCommand)))

	node := a.withNodeAuth
	a.mux.Handle("/v1/poll", node(http.HandlerFunc(a.handlePoll)))
	a.mux.Handle("/v1/result/", node(http.HandlerFunc(a.handleResult)))
	a.mux.Handle("/v1/heartbeat", node(http.HandlerFunc(a.handleHeartbeat)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = LoggingJSON(h)
	h = RequestID(h)
	h = SecurityHeaders(h)
	h = CORS(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sabarelay",
		"version": a.deps.Version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.ReadyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "sabarelay",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func handleRelayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, relay.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, relay.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, relay.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, relay.ErrNodeOffline):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
