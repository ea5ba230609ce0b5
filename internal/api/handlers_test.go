package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gorillaws "github.com/gorilla/websocket"
	"github.com/savegress/medledger/internal/access"
	"github.com/savegress/medledger/internal/cache"
	"github.com/savegress/medledger/internal/config"
	"github.com/savegress/medledger/internal/consent"
	"github.com/savegress/medledger/internal/events"
	"github.com/savegress/medledger/internal/identity"
	"github.com/savegress/medledger/internal/records"
	"github.com/savegress/medledger/internal/websocket"
	"github.com/savegress/medledger/pkg/models"
)

var (
	patientAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	doctorAddr  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newTestServer(t *testing.T) (*Server, *consent.Service) {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Environment: "development"},
		Auth:   config.AuthConfig{JWTSecret: "test-secret", TokenTTLMinutes: 5},
	}

	registry := identity.NewRegistry()
	ledger := access.NewLedger(registry)
	store := records.NewStore(registry, ledger)
	eventLog := events.NewLog(&config.EventsConfig{BufferSize: 64})
	svc := consent.NewService(registry, ledger, store, eventLog)

	c, err := cache.New(&config.RedisConfig{Enabled: false})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	hub := websocket.NewHub()
	return NewServer(cfg, svc, eventLog, hub, c), svc
}

func bearerToken(t *testing.T, s *Server, addr common.Address) string {
	t.Helper()

	token, err := IssueToken(&s.config.Auth, addr)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, s *Server, method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func registerBoth(t *testing.T, s *Server) {
	t.Helper()

	w := doJSON(t, s, http.MethodPost, "/api/v1/medledger/registry/register",
		bearerToken(t, s, patientAddr), map[string]string{"role": "patient"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register patient: status %d body %s", w.Code, w.Body.String())
	}
	w = doJSON(t, s, http.MethodPost, "/api/v1/medledger/registry/register",
		bearerToken(t, s, doctorAddr), map[string]string{"role": "doctor"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register doctor: status %d body %s", w.Code, w.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %s", body["status"])
	}
}

func TestRegister(t *testing.T) {
	s, svc := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/medledger/registry/register",
		bearerToken(t, s, patientAddr), map[string]string{"role": "patient"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if svc.GetRole(patientAddr) != models.RolePatient {
		t.Error("expected patient role in service")
	}

	// Duplicate registration
	w = doJSON(t, s, http.MethodPost, "/api/v1/medledger/registry/register",
		bearerToken(t, s, patientAddr), map[string]string{"role": "doctor"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", w.Code)
	}

	// Invalid role
	w = doJSON(t, s, http.MethodPost, "/api/v1/medledger/registry/register",
		bearerToken(t, s, doctorAddr), map[string]string{"role": "admin"})
	if w.Code != http.StatusForbidden && w.Code != http.StatusBadRequest {
		t.Errorf("expected rejection for invalid role, got %d", w.Code)
	}
}

func TestRegister_RequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/medledger/registry/register", "", map[string]string{"role": "patient"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/api/v1/medledger/registry/register", "Bearer garbage", map[string]string{"role": "patient"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad token, got %d", w.Code)
	}
}

func TestGetRole(t *testing.T) {
	s, _ := newTestServer(t)
	registerBoth(t, s)

	w := doJSON(t, s, http.MethodGet, "/api/v1/medledger/registry/"+patientAddr.Hex()+"/role", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["role"] != "patient" {
		t.Errorf("expected patient, got %v", body["role"])
	}

	// Never-seen account reports unregistered, not an error
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/registry/"+unknown.Hex()+"/role", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["role"] != "unregistered" {
		t.Errorf("expected unregistered, got %v", body["role"])
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/medledger/registry/"+patientAddr.Hex(), "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/registry/not-an-address", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad address, got %d", w.Code)
	}
}

func TestGrantRevokeFlow(t *testing.T) {
	s, svc := newTestServer(t)
	registerBoth(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/medledger/access/grant",
		bearerToken(t, s, patientAddr), map[string]string{"doctor": doctorAddr.Hex()})
	if w.Code != http.StatusOK {
		t.Fatalf("grant: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !svc.HasAccess(patientAddr, doctorAddr) {
		t.Error("expected access after grant")
	}

	// Check endpoint
	checkPath := fmt.Sprintf("/api/v1/medledger/access/check?patient=%s&doctor=%s", patientAddr.Hex(), doctorAddr.Hex())
	w = doJSON(t, s, http.MethodGet, checkPath, "", nil)
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["has_access"] != true {
		t.Errorf("expected has_access true, got %v", body["has_access"])
	}

	// Doctor-side revoke
	w = doJSON(t, s, http.MethodPost, "/api/v1/medledger/access/revoke",
		bearerToken(t, s, doctorAddr), map[string]string{"patient": patientAddr.Hex(), "doctor": doctorAddr.Hex()})
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if svc.HasAccess(patientAddr, doctorAddr) {
		t.Error("expected no access after revoke")
	}

	// Double revoke conflicts
	w = doJSON(t, s, http.MethodPost, "/api/v1/medledger/access/revoke",
		bearerToken(t, s, patientAddr), map[string]string{"patient": patientAddr.Hex(), "doctor": doctorAddr.Hex()})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for double revoke, got %d", w.Code)
	}
}

func TestGrant_RoleMismatch(t *testing.T) {
	s, _ := newTestServer(t)
	registerBoth(t, s)

	// Doctor calling grant puts a doctor in the patient position
	w := doJSON(t, s, http.MethodPost, "/api/v1/medledger/access/grant",
		bearerToken(t, s, doctorAddr), map[string]string{"doctor": doctorAddr.Hex()})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["code"] != "ROLE_MISMATCH" {
		t.Errorf("expected ROLE_MISMATCH code, got %s", body["code"])
	}
}

func TestListings(t *testing.T) {
	s, _ := newTestServer(t)
	registerBoth(t, s)

	doJSON(t, s, http.MethodPost, "/api/v1/medledger/access/grant",
		bearerToken(t, s, patientAddr), map[string]string{"doctor": doctorAddr.Hex()})

	w := doJSON(t, s, http.MethodGet, "/api/v1/medledger/access/doctor/"+doctorAddr.Hex()+"/patients", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var patients []string
	json.Unmarshal(w.Body.Bytes(), &patients)
	if len(patients) != 1 {
		t.Errorf("expected 1 patient, got %v", patients)
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/access/patient/"+patientAddr.Hex()+"/doctors", "", nil)
	var doctors []string
	json.Unmarshal(w.Body.Bytes(), &doctors)
	if len(doctors) != 1 {
		t.Errorf("expected 1 doctor, got %v", doctors)
	}
}

func TestRecordEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	registerBoth(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/medledger/records/",
		bearerToken(t, s, patientAddr), map[string]string{"pointer": "ipfs://aaa"})
	if w.Code != http.StatusCreated {
		t.Fatalf("initialize: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Second initialize conflicts
	w = doJSON(t, s, http.MethodPost, "/api/v1/medledger/records/",
		bearerToken(t, s, patientAddr), map[string]string{"pointer": "ipfs://bbb"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for re-initialize, got %d", w.Code)
	}

	// Unauthorized doctor write
	w = doJSON(t, s, http.MethodPut, "/api/v1/medledger/records/"+patientAddr.Hex()+"/pointer",
		bearerToken(t, s, doctorAddr), map[string]string{"pointer": "ipfs://bbb"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for unauthorized doctor, got %d", w.Code)
	}

	// Patient write
	w = doJSON(t, s, http.MethodPut, "/api/v1/medledger/records/"+patientAddr.Hex()+"/pointer",
		bearerToken(t, s, patientAddr), map[string]string{"pointer": "ipfs://bbb"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Current pointer
	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/records/"+patientAddr.Hex()+"/pointer", "", nil)
	var pointer map[string]string
	json.Unmarshal(w.Body.Bytes(), &pointer)
	if pointer["pointer"] != "ipfs://bbb" {
		t.Errorf("expected ipfs://bbb, got %s", pointer["pointer"])
	}

	// History oldest first
	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/records/"+patientAddr.Hex()+"/history", "", nil)
	var history []string
	json.Unmarshal(w.Body.Bytes(), &history)
	if len(history) != 1 || history[0] != "ipfs://aaa" {
		t.Errorf("expected [ipfs://aaa], got %v", history)
	}

	// Full chain
	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/records/"+patientAddr.Hex(), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("chain: expected 200, got %d", w.Code)
	}
	var chain models.RecordChain
	json.Unmarshal(w.Body.Bytes(), &chain)
	if chain.Current != "ipfs://bbb" {
		t.Errorf("expected current ipfs://bbb, got %s", chain.Current)
	}
}

func TestRecordEndpoints_NoChain(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/medledger/records/"+patientAddr.Hex()+"/pointer", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestEventEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	registerBoth(t, s)

	doJSON(t, s, http.MethodPost, "/api/v1/medledger/access/grant",
		bearerToken(t, s, patientAddr), map[string]string{"doctor": doctorAddr.Hex()})

	w := doJSON(t, s, http.MethodGet, "/api/v1/medledger/events/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list []models.Event
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 3 {
		t.Fatalf("expected 3 events, got %d", len(list))
	}

	// Filter by kind
	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/events/?kind="+models.EventAccessGranted, "", nil)
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("expected 1 grant event, got %d", len(list))
	}

	// Lookup by ID
	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/events/"+list[0].ID, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for event lookup, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/events/no-such-id", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown event, got %d", w.Code)
	}

	// Chain verification
	w = doJSON(t, s, http.MethodGet, "/api/v1/medledger/events/verify", "", nil)
	var verify map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &verify)
	if verify["valid"] != true {
		t.Errorf("expected valid chain, got %v", verify)
	}
}

func TestGetStats(t *testing.T) {
	s, _ := newTestServer(t)
	registerBoth(t, s)

	w := doJSON(t, s, http.MethodGet, "/api/v1/medledger/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var stats consent.Stats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.Registry == nil || stats.Registry.TotalAccounts != 2 {
		t.Errorf("unexpected stats: %+v", stats.Registry)
	}
}

func TestListEvents_EmptyIsArray(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/medledger/events/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

func TestServeWS_DeliversEvents(t *testing.T) {
	s, _ := newTestServer(t)

	hub := s.handlers.hub
	eventLog := s.handlers.events

	go hub.Run()
	defer hub.Stop()
	eventLog.AddSink(hub.BroadcastEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eventLog.Start(ctx); err != nil {
		t.Fatalf("start event log: %v", err)
	}
	defer eventLog.Stop()

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscribe to the firehose and wait for the ack
	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "channel": websocket.SubAll}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]interface{}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["type"] != "ack" {
		t.Fatalf("expected ack, got %v", ack)
	}

	// An emitted event reaches the subscribed client through the hub.
	// The connection must outlive the upgrade request, so delivery here
	// also proves the pumps are not tied to the request context.
	emitted := eventLog.Emit(&events.EmitRequest{
		Kind:    models.EventAccessGranted,
		Patient: patientAddr,
		Doctor:  &doctorAddr,
		Actor:   patientAddr,
	})

	var msg struct {
		Type string       `json:"type"`
		Data models.Event `json:"data"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != websocket.TypeEvent {
		t.Errorf("expected event message, got %s", msg.Type)
	}
	if msg.Data.ID != emitted.ID {
		t.Errorf("expected event %s, got %s", emitted.ID, msg.Data.ID)
	}
}

func TestIssueDevToken(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/auth/token", "", map[string]string{"address": patientAddr.Hex()})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["token"] == "" {
		t.Fatal("expected token in response")
	}

	// Issued token authenticates against a protected route
	w = doJSON(t, s, http.MethodPost, "/api/v1/medledger/registry/register",
		"Bearer "+body["token"], map[string]string{"role": "patient"})
	if w.Code != http.StatusCreated {
		t.Errorf("expected issued token to authenticate, got %d: %s", w.Code, w.Body.String())
	}
}
