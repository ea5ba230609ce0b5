package records

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/savegress/medledger/pkg/models"
	"golang.org/x/crypto/sha3"
)

// RoleSource resolves the current role of an account
type RoleSource interface {
	GetRole(addr common.Address) models.Role
}

// AccessChecker reports whether a doctor currently holds access to a
// patient's record. The store consults it inside the same critical
// section as the pointer write, so access revoked after an earlier read
// still blocks the write.
type AccessChecker interface {
	HasAccess(patient, doctor common.Address) bool
}

// Store keeps one versioned chain of content pointers per patient.
// Pointers are opaque scheme-prefixed strings; the store never parses
// them. History is append-only and never shrinks.
type Store struct {
	roles   RoleSource
	acl     AccessChecker
	chains  map[common.Address]*models.RecordChain
	counter uint64
	mu      sync.RWMutex
	now     func() int64
}

// NewStore creates a new record pointer store
func NewStore(roles RoleSource, acl AccessChecker) *Store {
	return &Store{
		roles:  roles,
		acl:    acl,
		chains: make(map[common.Address]*models.RecordChain),
		now:    func() int64 { return time.Now().Unix() },
	}
}

// WithClock sets a custom clock (for testing)
func (s *Store) WithClock(now func() int64) *Store {
	s.now = now
	return s
}

// Initialize creates the chain for a patient. Each patient gets at most
// one chain.
func (s *Store) Initialize(patient common.Address, initialPointer string) (*models.RecordChain, error) {
	if initialPointer == "" {
		return nil, models.ErrEmptyPointer
	}
	if s.roles.GetRole(patient) != models.RolePatient {
		return nil, models.ErrRoleMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chains[patient]; ok {
		return nil, models.ErrAlreadyInitialized
	}

	tokenID := s.counter
	s.counter++

	now := s.now()
	chain := &models.RecordChain{
		Patient:   patient,
		TokenID:   tokenID,
		Handle:    chainHandle(patient, tokenID),
		Current:   initialPointer,
		History:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.chains[patient] = chain
	return chain, nil
}

// UpdatePointer appends a new version to the patient's chain. The
// caller must be the patient or a doctor whose access is active at the
// moment of the write; the access check happens under the store lock,
// atomically with the mutation.
func (s *Store) UpdatePointer(caller, patient common.Address, newPointer string) (*models.RecordChain, error) {
	if newPointer == "" {
		return nil, models.ErrEmptyPointer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain, ok := s.chains[patient]
	if !ok {
		return nil, models.ErrNoSuchRecord
	}

	if caller != patient && !s.acl.HasAccess(patient, caller) {
		return nil, models.ErrForbidden
	}

	chain.History = append(chain.History, chain.Current)
	chain.Current = newPointer
	chain.UpdatedAt = s.now()
	return chain, nil
}

// GetCurrentPointer returns the latest pointer for a patient
func (s *Store) GetCurrentPointer(patient common.Address) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.chains[patient]
	if !ok {
		return "", models.ErrNoSuchRecord
	}
	return chain.Current, nil
}

// GetHistory returns prior pointers oldest first. Callers that display
// most-recent-first must reverse.
func (s *Store) GetHistory(patient common.Address) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.chains[patient]
	if !ok {
		return nil, models.ErrNoSuchRecord
	}

	history := make([]string, len(chain.History))
	copy(history, chain.History)
	return history, nil
}

// GetChain retrieves a patient's full chain
func (s *Store) GetChain(patient common.Address) (*models.RecordChain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, ok := s.chains[patient]
	return chain, ok
}

// HasChain reports whether a chain exists for the patient
func (s *Store) HasChain(patient common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chains[patient]
	return ok
}

// chainHandle derives the opaque handle for a chain from the patient
// address and token ID
func chainHandle(patient common.Address, tokenID uint64) string {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], tokenID)

	hash := sha3.NewLegacyKeccak256()
	hash.Write(patient.Bytes())
	hash.Write(id[:])
	return "0x" + hex.EncodeToString(hash.Sum(nil))
}

// Restore loads a previously persisted chain and advances the token
// counter past it. Used only when rebuilding state from the journal at
// startup.
func (s *Store) Restore(chain *models.RecordChain) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chains[chain.Patient] = chain
	if chain.TokenID >= s.counter {
		s.counter = chain.TokenID + 1
	}
}

// GetStats returns store statistics
func (s *Store) GetStats() *Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{}
	for _, chain := range s.chains {
		stats.TotalChains++
		stats.TotalVersions += len(chain.History) + 1
	}
	return stats
}

// Stats contains store statistics
type Stats struct {
	TotalChains   int `json:"total_chains"`
	TotalVersions int `json:"total_versions"`
}
