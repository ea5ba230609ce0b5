package consent

import (
	"context"
	"log"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/savegress/medledger/internal/access"
	"github.com/savegress/medledger/internal/events"
	"github.com/savegress/medledger/internal/identity"
	"github.com/savegress/medledger/internal/records"
	"github.com/savegress/medledger/pkg/models"
)

// Journal persists committed state transitions. Implementations must
// tolerate being called after the in-memory commit; the in-memory
// stores stay authoritative.
type Journal interface {
	SaveAccount(ctx context.Context, account *models.Account) error
	SaveAuthorization(ctx context.Context, record *models.AuthorizationRecord) error
	SaveChain(ctx context.Context, chain *models.RecordChain) error
	SaveEvent(ctx context.Context, event *models.Event) error
}

// Service is the consent enforcement surface. Every mutating operation
// runs under one mutation lock, so role and access checks are atomic
// with the state write they guard: nothing another caller commits can
// slip between a check and its mutation. A rejected operation leaves
// the registry, ledger and store exactly as they were.
type Service struct {
	registry *identity.Registry
	ledger   *access.Ledger
	store    *records.Store
	log      *events.Log
	journal  Journal
	mu       sync.Mutex
}

// NewService creates a new consent service
func NewService(registry *identity.Registry, ledger *access.Ledger, store *records.Store, eventLog *events.Log) *Service {
	return &Service{
		registry: registry,
		ledger:   ledger,
		store:    store,
		log:      eventLog,
	}
}

// WithJournal sets a persistence journal
func (s *Service) WithJournal(journal Journal) *Service {
	s.journal = journal
	return s
}

// Register assigns a role to the calling account
func (s *Service) Register(ctx context.Context, caller common.Address, role models.Role, publicKey []byte) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.registry.Register(caller, role, publicKey)
	if err != nil {
		return nil, err
	}

	event := s.log.Emit(&events.EmitRequest{
		Kind:    models.EventRegistered,
		Patient: caller,
		Actor:   caller,
	})
	s.persist(ctx, event, func(ctx context.Context) error {
		return s.journal.SaveAccount(ctx, account)
	})
	return account, nil
}

// GetRole returns the current role of an account
func (s *Service) GetRole(addr common.Address) models.Role {
	return s.registry.GetRole(addr)
}

// GetAccount retrieves a registered account
func (s *Service) GetAccount(addr common.Address) (*models.Account, bool) {
	return s.registry.GetAccount(addr)
}

// Grant activates the caller's authorization for a doctor. The caller
// is the patient side of the pair; nobody else can grant on a
// patient's behalf.
func (s *Service) Grant(ctx context.Context, caller, doctor common.Address) (*models.AuthorizationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.ledger.Grant(caller, doctor)
	if err != nil {
		return nil, err
	}

	event := s.log.Emit(&events.EmitRequest{
		Kind:    models.EventAccessGranted,
		Patient: caller,
		Doctor:  &doctor,
		Actor:   caller,
	})
	s.persist(ctx, event, func(ctx context.Context) error {
		return s.journal.SaveAuthorization(ctx, record)
	})
	return record, nil
}

// Revoke deactivates the (patient, doctor) authorization. The patient
// or the doctor may revoke; third parties are rejected.
func (s *Service) Revoke(ctx context.Context, caller, patient, doctor common.Address) (*models.AuthorizationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.ledger.Revoke(caller, patient, doctor)
	if err != nil {
		return nil, err
	}

	event := s.log.Emit(&events.EmitRequest{
		Kind:    models.EventAccessRevoked,
		Patient: patient,
		Doctor:  &doctor,
		Actor:   caller,
	})
	s.persist(ctx, event, func(ctx context.Context) error {
		return s.journal.SaveAuthorization(ctx, record)
	})
	return record, nil
}

// HasAccess reports whether a doctor currently holds access to a
// patient. The result reflects this instant only; record writes
// re-check inside their own critical section.
func (s *Service) HasAccess(patient, doctor common.Address) bool {
	return s.ledger.HasAccess(patient, doctor)
}

// GetAuthorization retrieves the authorization record for a pair
func (s *Service) GetAuthorization(patient, doctor common.Address) (*models.AuthorizationRecord, bool) {
	return s.ledger.GetRecord(patient, doctor)
}

// ListActiveForDoctor returns patients that currently authorize the doctor
func (s *Service) ListActiveForDoctor(doctor common.Address) []common.Address {
	return s.ledger.ListActiveForDoctor(doctor)
}

// ListActiveForPatient returns doctors the patient currently authorizes
func (s *Service) ListActiveForPatient(patient common.Address) []common.Address {
	return s.ledger.ListActiveForPatient(patient)
}

// InitializeRecord creates the caller's record chain
func (s *Service) InitializeRecord(ctx context.Context, caller common.Address, initialPointer string) (*models.RecordChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.store.Initialize(caller, initialPointer)
	if err != nil {
		return nil, err
	}

	event := s.log.Emit(&events.EmitRequest{
		Kind:    models.EventChainInitialized,
		Patient: caller,
		Actor:   caller,
		Pointer: initialPointer,
	})
	s.persist(ctx, event, func(ctx context.Context) error {
		return s.journal.SaveChain(ctx, chain)
	})
	return chain, nil
}

// UpdatePointer appends a new version to a patient's chain. Access is
// evaluated atomically with the write: a doctor whose grant was revoked
// after an earlier HasAccess read is still rejected here.
func (s *Service) UpdatePointer(ctx context.Context, caller, patient common.Address, newPointer string) (*models.RecordChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.store.UpdatePointer(caller, patient, newPointer)
	if err != nil {
		return nil, err
	}

	event := s.log.Emit(&events.EmitRequest{
		Kind:    models.EventPointerUpdated,
		Patient: patient,
		Actor:   caller,
		Pointer: newPointer,
	})
	s.persist(ctx, event, func(ctx context.Context) error {
		return s.journal.SaveChain(ctx, chain)
	})
	return chain, nil
}

// GetCurrentPointer returns the latest pointer for a patient
func (s *Service) GetCurrentPointer(patient common.Address) (string, error) {
	return s.store.GetCurrentPointer(patient)
}

// GetHistory returns prior pointers oldest first
func (s *Service) GetHistory(patient common.Address) ([]string, error) {
	return s.store.GetHistory(patient)
}

// GetChain retrieves a patient's full chain
func (s *Service) GetChain(patient common.Address) (*models.RecordChain, bool) {
	return s.store.GetChain(patient)
}

// HasChain reports whether a chain exists for the patient
func (s *Service) HasChain(patient common.Address) bool {
	return s.store.HasChain(patient)
}

// persist writes the committed mutation and its event to the journal.
// Journal failures are logged, not surfaced: the in-memory commit has
// already happened and is authoritative.
func (s *Service) persist(ctx context.Context, event *models.Event, save func(ctx context.Context) error) {
	if s.journal == nil {
		return
	}
	if err := save(ctx); err != nil {
		log.Printf("warning: failed to journal state: %v", err)
	}
	if err := s.journal.SaveEvent(ctx, event); err != nil {
		log.Printf("warning: failed to journal event: %v", err)
	}
}

// GetStats returns aggregated statistics across all components
func (s *Service) GetStats() *Stats {
	return &Stats{
		Registry: s.registry.GetStats(),
		Ledger:   s.ledger.GetStats(),
		Records:  s.store.GetStats(),
		Events:   s.log.GetStats(),
	}
}

// Stats aggregates component statistics
type Stats struct {
	Registry *identity.Stats `json:"registry"`
	Ledger   *access.Stats   `json:"access"`
	Records  *records.Stats  `json:"records"`
	Events   *events.Stats   `json:"events"`
}
