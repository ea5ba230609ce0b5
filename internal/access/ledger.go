package access

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/savegress/medledger/pkg/models"
)

// RoleSource resolves the current role of an account. Roles are checked
// at call time on every grant, never cached in the ledger.
type RoleSource interface {
	GetRole(addr common.Address) models.Role
}

type pairKey struct {
	patient common.Address
	doctor  common.Address
}

// Ledger tracks authorization records per (patient, doctor) pair.
// Revoked records are kept as tombstones; an incremental index of
// active counterparts keeps listing proportional to active pairs.
type Ledger struct {
	roles     RoleSource
	records   map[pairKey]*models.AuthorizationRecord
	byPatient map[common.Address]map[common.Address]struct{}
	byDoctor  map[common.Address]map[common.Address]struct{}
	mu        sync.RWMutex
	now       func() int64
}

// NewLedger creates a new access ledger
func NewLedger(roles RoleSource) *Ledger {
	return &Ledger{
		roles:     roles,
		records:   make(map[pairKey]*models.AuthorizationRecord),
		byPatient: make(map[common.Address]map[common.Address]struct{}),
		byDoctor:  make(map[common.Address]map[common.Address]struct{}),
		now:       func() int64 { return time.Now().Unix() },
	}
}

// WithClock sets a custom clock (for testing)
func (l *Ledger) WithClock(now func() int64) *Ledger {
	l.now = now
	return l
}

// Grant activates the (patient, doctor) authorization. Only a patient
// may grant, and only to a doctor; both roles are resolved against the
// registry at call time. Granting an already-active pair refreshes
// GrantedAt, re-affirming consent.
func (l *Ledger) Grant(patient, doctor common.Address) (*models.AuthorizationRecord, error) {
	if l.roles.GetRole(patient) != models.RolePatient {
		return nil, models.ErrRoleMismatch
	}
	if l.roles.GetRole(doctor) != models.RoleDoctor {
		return nil, models.ErrRoleMismatch
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey{patient: patient, doctor: doctor}
	record, ok := l.records[key]
	if !ok {
		record = &models.AuthorizationRecord{Patient: patient, Doctor: doctor}
		l.records[key] = record
	}

	record.Active = true
	record.GrantedAt = l.now()
	record.RevokedAt = 0
	l.indexAdd(patient, doctor)

	return record, nil
}

// Revoke deactivates an active authorization. The patient may revoke
// any of their grants; the doctor may drop their own access. Any other
// caller is rejected, and revoking a pair that is not active is an
// error rather than a silent no-op.
func (l *Ledger) Revoke(caller, patient, doctor common.Address) (*models.AuthorizationRecord, error) {
	if caller != patient && caller != doctor {
		return nil, models.ErrUnauthorized
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[pairKey{patient: patient, doctor: doctor}]
	if !ok || !record.Active {
		return nil, models.ErrNotActive
	}

	record.Active = false
	record.RevokedAt = l.now()
	l.indexRemove(patient, doctor)

	return record, nil
}

// HasAccess reports whether the (patient, doctor) authorization is
// currently active
func (l *Ledger) HasAccess(patient, doctor common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.records[pairKey{patient: patient, doctor: doctor}]
	return ok && record.Active
}

// GetRecord retrieves the authorization record for a pair, including
// tombstoned revocations
func (l *Ledger) GetRecord(patient, doctor common.Address) (*models.AuthorizationRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.records[pairKey{patient: patient, doctor: doctor}]
	return record, ok
}

// ListActiveForDoctor returns the patients that currently authorize the
// doctor. Order is unspecified.
func (l *Ledger) ListActiveForDoctor(doctor common.Address) []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return indexKeys(l.byDoctor[doctor])
}

// ListActiveForPatient returns the doctors the patient currently
// authorizes. Order is unspecified.
func (l *Ledger) ListActiveForPatient(patient common.Address) []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return indexKeys(l.byPatient[patient])
}

func (l *Ledger) indexAdd(patient, doctor common.Address) {
	if l.byPatient[patient] == nil {
		l.byPatient[patient] = make(map[common.Address]struct{})
	}
	l.byPatient[patient][doctor] = struct{}{}

	if l.byDoctor[doctor] == nil {
		l.byDoctor[doctor] = make(map[common.Address]struct{})
	}
	l.byDoctor[doctor][patient] = struct{}{}
}

func (l *Ledger) indexRemove(patient, doctor common.Address) {
	delete(l.byPatient[patient], doctor)
	delete(l.byDoctor[doctor], patient)
}

func indexKeys(set map[common.Address]struct{}) []common.Address {
	results := make([]common.Address, 0, len(set))
	for addr := range set {
		results = append(results, addr)
	}
	return results
}

// Restore loads a previously persisted authorization record. Used only
// when rebuilding state from the journal at startup.
func (l *Ledger) Restore(record *models.AuthorizationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[pairKey{patient: record.Patient, doctor: record.Doctor}] = record
	if record.Active {
		l.indexAdd(record.Patient, record.Doctor)
	}
}

// GetStats returns ledger statistics
func (l *Ledger) GetStats() *Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{}
	for _, record := range l.records {
		stats.TotalPairs++
		if record.Active {
			stats.ActivePairs++
		} else {
			stats.RevokedPairs++
		}
	}
	return stats
}

// Stats contains ledger statistics
type Stats struct {
	TotalPairs   int `json:"total_pairs"`
	ActivePairs  int `json:"active_pairs"`
	RevokedPairs int `json:"revoked_pairs"`
}
