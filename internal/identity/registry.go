package identity

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/savegress/medledger/pkg/models"
)

// Registry maps accounts to their registered role and public key.
// Role assignment is one-way: an account registers once as patient or
// doctor and keeps that role for its lifetime.
type Registry struct {
	accounts map[common.Address]*models.Account
	mu       sync.RWMutex
	now      func() int64
}

// NewRegistry creates a new identity registry
func NewRegistry() *Registry {
	return &Registry{
		accounts: make(map[common.Address]*models.Account),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// WithClock sets a custom clock (for testing)
func (r *Registry) WithClock(now func() int64) *Registry {
	r.now = now
	return r
}

// Register assigns a role to a previously unregistered account. The
// public key is stored opaquely for later record key exchange and may
// be empty.
func (r *Registry) Register(caller common.Address, role models.Role, publicKey []byte) (*models.Account, error) {
	if role != models.RolePatient && role != models.RoleDoctor {
		return nil, models.ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[caller]; ok {
		return nil, models.ErrAlreadyRegistered
	}

	account := &models.Account{
		Address:      caller,
		Role:         role,
		PublicKey:    publicKey,
		RegisteredAt: r.now(),
	}
	r.accounts[caller] = account
	return account, nil
}

// GetRole returns the role of an account. Never-seen accounts are
// unregistered.
func (r *Registry) GetRole(addr common.Address) models.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if account, ok := r.accounts[addr]; ok {
		return account.Role
	}
	return models.RoleUnregistered
}

// GetAccount retrieves a registered account
func (r *Registry) GetAccount(addr common.Address) (*models.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[addr]
	return account, ok
}

// GetPublicKey returns the public key stored at registration
func (r *Registry) GetPublicKey(addr common.Address) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[addr]
	if !ok || len(account.PublicKey) == 0 {
		return nil, false
	}
	return account.PublicKey, true
}

// IsRegistered reports whether an account holds any role
func (r *Registry) IsRegistered(addr common.Address) bool {
	return r.GetRole(addr) != models.RoleUnregistered
}

// Restore loads a previously persisted account, bypassing registration
// checks. Used only when rebuilding state from the journal at startup.
func (r *Registry) Restore(account *models.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.Address] = account
}

// GetStats returns registry statistics
func (r *Registry) GetStats() *Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &Stats{}
	for _, account := range r.accounts {
		stats.TotalAccounts++
		switch account.Role {
		case models.RolePatient:
			stats.Patients++
		case models.RoleDoctor:
			stats.Doctors++
		}
	}
	return stats
}

// Stats contains registry statistics
type Stats struct {
	TotalAccounts int `json:"total_accounts"`
	Patients      int `json:"patients"`
	Doctors       int `json:"doctors"`
}
