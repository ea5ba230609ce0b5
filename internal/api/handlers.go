package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/savegress/medledger/internal/config"
	"github.com/savegress/medledger/internal/consent"
	"github.com/savegress/medledger/internal/events"
	"github.com/savegress/medledger/internal/websocket"
	"github.com/savegress/medledger/pkg/models"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	config   *config.Config
	service  *consent.Service
	events   *events.Log
	hub      *websocket.Hub
	upgrader gorillaws.Upgrader
}

// NewHandlers creates new handlers
func NewHandlers(cfg *config.Config, svc *consent.Service, eventLog *events.Log, hub *websocket.Hub) *Handlers {
	return &Handlers{
		config:  cfg,
		service: svc,
		events:  eventLog,
		hub:     hub,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "medledger",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Registry handlers

// Register assigns a role to the calling account
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "No authenticated caller")
		return
	}

	var req struct {
		Role      string `json:"role"`
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	role, err := models.ParseRole(req.Role)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	account, err := h.service.Register(r.Context(), caller, role, common.FromHex(req.PublicKey))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respond(w, http.StatusCreated, account)
}

// GetAccount returns a registered account
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddressParam(w, r, "address")
	if !ok {
		return
	}

	account, found := h.service.GetAccount(addr)
	if !found {
		respondError(w, http.StatusNotFound, "Account not registered")
		return
	}
	respond(w, http.StatusOK, account)
}

// GetRole returns the role of an account. Never-seen accounts report
// unregistered rather than an error.
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddressParam(w, r, "address")
	if !ok {
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"address": addr,
		"role":    h.service.GetRole(addr),
	})
}

// Access handlers

// Grant activates the caller's authorization for a doctor
func (h *Handlers) Grant(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "No authenticated caller")
		return
	}

	var req struct {
		Doctor string `json:"doctor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	doctor, ok := parseAddress(w, req.Doctor)
	if !ok {
		return
	}

	record, err := h.service.Grant(r.Context(), caller, doctor)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, record)
}

// Revoke deactivates a (patient, doctor) authorization
func (h *Handlers) Revoke(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "No authenticated caller")
		return
	}

	var req struct {
		Patient string `json:"patient"`
		Doctor  string `json:"doctor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	patient, ok := parseAddress(w, req.Patient)
	if !ok {
		return
	}
	doctor, ok := parseAddress(w, req.Doctor)
	if !ok {
		return
	}

	record, err := h.service.Revoke(r.Context(), caller, patient, doctor)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, record)
}

// CheckAccess reports whether a doctor currently holds access to a patient
func (h *Handlers) CheckAccess(w http.ResponseWriter, r *http.Request) {
	patient, ok := parseAddress(w, r.URL.Query().Get("patient"))
	if !ok {
		return
	}
	doctor, ok := parseAddress(w, r.URL.Query().Get("doctor"))
	if !ok {
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"patient":    patient,
		"doctor":     doctor,
		"has_access": h.service.HasAccess(patient, doctor),
	})
}

// ListPatientsForDoctor lists patients that currently authorize a doctor
func (h *Handlers) ListPatientsForDoctor(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddressParam(w, r, "address")
	if !ok {
		return
	}
	respond(w, http.StatusOK, h.service.ListActiveForDoctor(addr))
}

// ListDoctorsForPatient lists doctors a patient currently authorizes
func (h *Handlers) ListDoctorsForPatient(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddressParam(w, r, "address")
	if !ok {
		return
	}
	respond(w, http.StatusOK, h.service.ListActiveForPatient(addr))
}

// Record handlers

// InitializeRecord creates the caller's record chain
func (h *Handlers) InitializeRecord(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "No authenticated caller")
		return
	}

	var req struct {
		Pointer string `json:"pointer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	chain, err := h.service.InitializeRecord(r.Context(), caller, req.Pointer)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respond(w, http.StatusCreated, chain)
}

// UpdatePointer appends a new version to a patient's chain
func (h *Handlers) UpdatePointer(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "No authenticated caller")
		return
	}

	patient, ok := parseAddressParam(w, r, "patient")
	if !ok {
		return
	}

	var req struct {
		Pointer string `json:"pointer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	chain, err := h.service.UpdatePointer(r.Context(), caller, patient, req.Pointer)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, chain)
}

// GetChain returns a patient's full record chain
func (h *Handlers) GetChain(w http.ResponseWriter, r *http.Request) {
	patient, ok := parseAddressParam(w, r, "patient")
	if !ok {
		return
	}

	chain, found := h.service.GetChain(patient)
	if !found {
		respondError(w, http.StatusNotFound, "No record chain for this patient")
		return
	}
	respond(w, http.StatusOK, chain)
}

// GetCurrentPointer returns the latest pointer for a patient
func (h *Handlers) GetCurrentPointer(w http.ResponseWriter, r *http.Request) {
	patient, ok := parseAddressParam(w, r, "patient")
	if !ok {
		return
	}

	pointer, err := h.service.GetCurrentPointer(patient)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"pointer": pointer})
}

// GetHistory returns prior pointers oldest first
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	patient, ok := parseAddressParam(w, r, "patient")
	if !ok {
		return
	}

	history, err := h.service.GetHistory(patient)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, history)
}

// Event handlers

// ListEvents returns committed events, oldest first
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter := events.Filter{
		Kind: r.URL.Query().Get("kind"),
	}

	if p := r.URL.Query().Get("patient"); p != "" {
		addr, ok := parseAddress(w, p)
		if !ok {
			return
		}
		filter.Patient = &addr
	}
	if d := r.URL.Query().Get("doctor"); d != "" {
		addr, ok := parseAddress(w, d)
		if !ok {
			return
		}
		filter.Doctor = &addr
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid since timestamp")
			return
		}
		filter.Since = ts
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = n
	}

	respond(w, http.StatusOK, h.events.ListEvents(filter))
}

// GetEvent returns one event by ID
func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := h.events.GetEvent(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "Event not found")
		return
	}
	respond(w, http.StatusOK, event)
}

// VerifyEvents walks the event hash chain
func (h *Handlers) VerifyEvents(w http.ResponseWriter, r *http.Request) {
	valid, brokenAt := h.events.Verify()
	respond(w, http.StatusOK, map[string]interface{}{
		"valid":     valid,
		"broken_at": brokenAt,
	})
}

// GetStats returns aggregated service statistics
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.service.GetStats())
}

// IssueDevToken mints a caller token. Registered only in development
// environments, where no wallet identity provider is available.
func (h *Handlers) IssueDevToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}

	token, err := IssueToken(&h.config.Auth, addr)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	respond(w, http.StatusOK, map[string]string{"token": token})
}

// ServeWS upgrades the connection and attaches the client to the hub
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := websocket.NewClient(h.hub, conn, uuid.New().String())
	h.hub.Register(client)

	// The request context is cancelled as soon as this handler returns;
	// the pumps live with the connection, which the hub closes on Stop.
	go client.WritePump(context.Background())
	go client.ReadPump(context.Background())
}

// Helpers

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}

// respondDomainError maps consent-layer errors to HTTP statuses
func respondDomainError(w http.ResponseWriter, err error) {
	var domainErr *models.Error
	if !errors.As(err, &domainErr) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusBadRequest
	switch domainErr.Code {
	case "ALREADY_REGISTERED", "ALREADY_INITIALIZED", "NOT_ACTIVE":
		status = http.StatusConflict
	case "ROLE_MISMATCH", "UNAUTHORIZED", "FORBIDDEN":
		status = http.StatusForbidden
	case "NO_SUCH_RECORD":
		status = http.StatusNotFound
	}

	respond(w, status, map[string]string{
		"error": domainErr.Message,
		"code":  domainErr.Code,
	})
}

func parseAddress(w http.ResponseWriter, value string) (common.Address, bool) {
	if !common.IsHexAddress(value) {
		respondError(w, http.StatusBadRequest, "Invalid account address")
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}

func parseAddressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	return parseAddress(w, chi.URLParam(r, name))
}
