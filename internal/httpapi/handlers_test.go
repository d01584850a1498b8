package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"sabarelay.org/internal/acl"
	"sabarelay.org/internal/audit"
	"sabarelay.org/internal/authn"
	"sabarelay.org/internal/hosts"
	"sabarelay.org/internal/queue"
	"sabarelay.org/internal/relay"
	"sabarelay.org/internal/token"
)

type apiClient struct {
	t             *testing.T
	srv           *httptest.Server
	producerToken string
}

func newTestAPI(t *testing.T) (*apiClient, relay.Store) {
	t.Helper()
	store := relay.NewInMemory()

	codec, err := token.NewCodec("sbr")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	auth, err := authn.NewAuthenticator(store, codec,
		authn.WithSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	hostSvc, err := hosts.NewService(store, codec, hosts.WithCacheInvalidator(auth))
	if err != nil {
		t.Fatalf("hosts.NewService: %v", err)
	}
	resolver, err := acl.NewResolver(store)
	if err != nil {
		t.Fatalf("acl.NewResolver: %v", err)
	}
	queueSvc, err := queue.NewService(store)
	if err != nil {
		t.Fatalf("queue.NewService: %v", err)
	}
	recorder, err := audit.NewRecorder(store.Audit())
	if err != nil {
		t.Fatalf("audit.NewRecorder: %v", err)
	}
	producer, err := authn.NewProducer("test-producer-secret")
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	api := New(Deps{
		Hosts:    hostSvc,
		ACL:      resolver,
		Queue:    queueSvc,
		Auth:     auth,
		Producer: producer,
		Recorder: recorder,
		Version:  "test",
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	svcToken, err := producer.GenerateToken("discord-bot", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return &apiClient{t: t, srv: srv, producerToken: svcToken}, store
}

func (c *apiClient) producerDo(method, path string, body any) *http.Response {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, reader)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.producerToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// nodeDo signs the request the way the agent does.
func (c *apiClient) nodeDo(method, path, credential string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = b
	}

	dot := strings.LastIndex(credential, ".")
	if dot < 0 {
		c.t.Fatalf("credential has no secret portion: %s", credential)
	}
	secret := credential[dot+1:]
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	// The canonical string covers the path without the query.
	signPath := path
	if i := strings.Index(signPath, "?"); i >= 0 {
		signPath = signPath[:i]
	}

	req, err := http.NewRequest(method, c.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Timestamp", ts)
	req.Header.Set("X-Relay-Signature", authn.Sign(method, signPath, ts, payload, secret))
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, code int) {
	t.Helper()
	if resp.StatusCode != code {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", code, resp.StatusCode, b)
	}
}

func TestCommandLifecycle(t *testing.T) {
	c, _ := newTestAPI(t)

	// Owner registers their node through the producer.
	resp := c.producerDo(http.MethodPost, "/v1/hosts/register", registerRequest{
		OwnerID: "owner-1", OwnerName: "Alice", Name: "game box",
	})
	wantStatus(t, resp, http.StatusCreated)
	var reg registerResponse
	decodeBody(t, resp, &reg)
	if reg.Token == "" || reg.Node.ID == "" {
		t.Fatalf("registration must return node and raw token: %+v", reg)
	}

	// The agent heartbeats, bringing the node online.
	resp = c.nodeDo(http.MethodPost, "/v1/heartbeat", reg.Token, heartbeatRequest{
		AgentVersion: "1.4.0",
		Metadata:     json.RawMessage(`{"modules":["minecraft"]}`),
	})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Owner grants user-2 access.
	resp = c.producerDo(http.MethodPut, "/v1/permissions", directPermissionRequest{
		ActorID: "owner-1", NodeID: reg.Node.ID, UserID: "user-2", Level: "user",
	})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// user-2 submits a command; acceptance means queued.
	resp = c.producerDo(http.MethodPost, "/v1/command", commandRequest{
		NodeID:      reg.Node.ID,
		RequesterID: "user-2",
		ChannelID:   "chan-9",
		Payload:     json.RawMessage(`{"op":"server_restart","instance":"main"}`),
	})
	wantStatus(t, resp, http.StatusAccepted)
	var submitted commandResponse
	decodeBody(t, resp, &submitted)
	if submitted.RequestID == "" || submitted.Status != "queued" {
		t.Fatalf("acceptance must return request_id and queued status: %+v", submitted)
	}

	// The node polls and receives the command, now delivered.
	resp = c.nodeDo(http.MethodGet, "/v1/poll", reg.Token, nil)
	wantStatus(t, resp, http.StatusOK)
	var polled pollResponse
	decodeBody(t, resp, &polled)
	if len(polled.Commands) != 1 || polled.Commands[0].ID != submitted.RequestID {
		t.Fatalf("poll did not deliver the submission: %+v", polled.Commands)
	}
	if polled.Commands[0].Status != relay.StatusDelivered {
		t.Fatalf("delivered entry should be marked delivered, got %s", polled.Commands[0].Status)
	}

	// The node reports success.
	resp = c.nodeDo(http.MethodPost, "/v1/result/"+submitted.RequestID, reg.Token, resultRequest{
		Success: true,
		Data:    json.RawMessage(`{"detail":"restarted in 4s"}`),
	})
	wantStatus(t, resp, http.StatusOK)
	var done relay.CommandEntry
	decodeBody(t, resp, &done)
	if done.Status != relay.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	// A duplicate report is a conflict, not a silent success.
	resp = c.nodeDo(http.MethodPost, "/v1/result/"+submitted.RequestID, reg.Token, resultRequest{Success: true})
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	// The audit trail covers the lifecycle.
	resp = c.producerDo(http.MethodGet, "/v1/hosts/"+reg.Node.ID+"/audit", nil)
	wantStatus(t, resp, http.StatusOK)
	var trail struct {
		Items []relay.AuditEntry `json:"items"`
	}
	decodeBody(t, resp, &trail)
	if len(trail.Items) < 3 {
		t.Fatalf("expected audit rows for the lifecycle, got %d", len(trail.Items))
	}
}

func TestCommandDeniedWithoutGrant(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.producerDo(http.MethodPost, "/v1/hosts/register", registerRequest{
		OwnerID: "owner-1", OwnerName: "Alice", Name: "box",
	})
	wantStatus(t, resp, http.StatusCreated)
	var reg registerResponse
	decodeBody(t, resp, &reg)

	resp = c.nodeDo(http.MethodPost, "/v1/heartbeat", reg.Token, heartbeatRequest{})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.producerDo(http.MethodPost, "/v1/command", commandRequest{
		NodeID:      reg.Node.ID,
		RequesterID: "stranger",
		Payload:     json.RawMessage(`{"op":"server_stop"}`),
	})
	wantStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestCommandToOfflineNodeRejected(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.producerDo(http.MethodPost, "/v1/hosts/register", registerRequest{
		OwnerID: "owner-1", OwnerName: "Alice", Name: "box",
	})
	wantStatus(t, resp, http.StatusCreated)
	var reg registerResponse
	decodeBody(t, resp, &reg)

	// No heartbeat yet: the node is offline and submission fails fast.
	resp = c.producerDo(http.MethodPost, "/v1/command", commandRequest{
		NodeID:      reg.Node.ID,
		RequesterID: "owner-1",
		Payload:     json.RawMessage(`{"op":"server_start"}`),
	})
	wantStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestPollReturnsNoContentWhenIdle(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.producerDo(http.MethodPost, "/v1/hosts/register", registerRequest{
		OwnerID: "owner-1", OwnerName: "Alice", Name: "box",
	})
	wantStatus(t, resp, http.StatusCreated)
	var reg registerResponse
	decodeBody(t, resp, &reg)

	// GET with the wait in the query, per the agent contract.
	resp = c.nodeDo(http.MethodGet, "/v1/poll?wait_seconds=0", reg.Token, nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	// POST is not part of the poll contract.
	resp = c.nodeDo(http.MethodPost, "/v1/poll", reg.Token, nil)
	wantStatus(t, resp, http.StatusMethodNotAllowed)
	resp.Body.Close()
}

func TestNodeEndpointsRejectBadSignature(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.producerDo(http.MethodPost, "/v1/hosts/register", registerRequest{
		OwnerID: "owner-1", OwnerName: "Alice", Name: "box",
	})
	wantStatus(t, resp, http.StatusCreated)
	var reg registerResponse
	decodeBody(t, resp, &reg)

	req, err := http.NewRequest(http.MethodGet, c.srv.URL+"/v1/poll", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	req.Header.Set("X-Relay-Timestamp", ts)
	req.Header.Set("X-Relay-Signature", "deadbeef")
	resp, err = c.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestProducerEndpointsRequireServiceToken(t *testing.T) {
	c, _ := newTestAPI(t)

	req, err := http.NewRequest(http.MethodPost, c.srv.URL+"/v1/hosts/register",
		strings.NewReader(`{"owner_id":"o","name":"n"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestHostStatusIsPublic(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.producerDo(http.MethodPost, "/v1/hosts/register", registerRequest{
		OwnerID: "owner-1", OwnerName: "Alice", Name: "box",
	})
	wantStatus(t, resp, http.StatusCreated)
	var reg registerResponse
	decodeBody(t, resp, &reg)

	// Status needs no auth at all.
	resp, err := c.srv.Client().Get(c.srv.URL + "/v1/hosts/" + reg.Node.ID)
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var status map[string]any
	decodeBody(t, resp, &status)
	if status["id"] != reg.Node.ID || status["status"] != "offline" {
		t.Fatalf("unexpected status payload %v", status)
	}
	if _, leaked := status["metadata"]; leaked {
		t.Fatal("public status must not expose the metadata snapshot")
	}

	// The metadata snapshot stays producer-only.
	resp, err = c.srv.Client().Get(c.srv.URL + "/v1/hosts/" + reg.Node.ID + "/metadata")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestRotatedTokenSupersedesOld(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.producerDo(http.MethodPost, "/v1/hosts/register", registerRequest{
		OwnerID: "owner-1", OwnerName: "Alice", Name: "box",
	})
	wantStatus(t, resp, http.StatusCreated)
	var reg registerResponse
	decodeBody(t, resp, &reg)

	// Prime the credential cache, then rotate.
	resp = c.nodeDo(http.MethodPost, "/v1/heartbeat", reg.Token, heartbeatRequest{})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.producerDo(http.MethodPost, "/v1/hosts/"+reg.Node.ID+"/rotate-token", rotateRequest{UserID: "owner-1"})
	wantStatus(t, resp, http.StatusOK)
	var rotated struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &rotated)
	if rotated.Token == reg.Token {
		t.Fatal("rotation returned the old credential")
	}

	// The old credential stops working immediately, the new one works.
	resp = c.nodeDo(http.MethodPost, "/v1/heartbeat", reg.Token, heartbeatRequest{})
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.nodeDo(http.MethodPost, "/v1/heartbeat", rotated.Token, heartbeatRequest{})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	c, _ := newTestAPI(t)

	resp, err := c.srv.Client().Get(c.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp, err = c.srv.Client().Get(c.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp, err = c.srv.Client().Get(c.srv.URL + "/v1/info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var info struct {
		Name string `json:"name"`
	}
	decodeBody(t, resp, &info)
	if info.Name != "sabarelay" {
		t.Fatalf("unexpected service name %q", info.Name)
	}
}
