package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/savegress/medledger/pkg/models"
)

// ErrNotFound is returned for lookups with no matching row
var ErrNotFound = errors.New("not found")

// SaveAccount upserts a registered account
func (db *DB) SaveAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (address, role, public_key, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET role = $2, public_key = $3
	`
	_, err := db.pool.Exec(ctx, query,
		account.Address.Hex(), int16(account.Role), account.PublicKey, account.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// SaveAuthorization upserts an authorization record
func (db *DB) SaveAuthorization(ctx context.Context, record *models.AuthorizationRecord) error {
	query := `
		INSERT INTO authorizations (patient, doctor, active, granted_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient, doctor) DO UPDATE SET active = $3, granted_at = $4, revoked_at = $5
	`
	_, err := db.pool.Exec(ctx, query,
		record.Patient.Hex(), record.Doctor.Hex(), record.Active, record.GrantedAt, record.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to save authorization: %w", err)
	}
	return nil
}

// SaveChain upserts a record chain
func (db *DB) SaveChain(ctx context.Context, chain *models.RecordChain) error {
	history, err := json.Marshal(chain.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	query := `
		INSERT INTO record_chains (patient, token_id, handle, current_pointer, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (patient) DO UPDATE SET current_pointer = $4, history = $5, updated_at = $7
	`
	_, err = db.pool.Exec(ctx, query,
		chain.Patient.Hex(), int64(chain.TokenID), chain.Handle, chain.Current, history,
		chain.CreatedAt, chain.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save record chain: %w", err)
	}
	return nil
}

// SaveEvent inserts a committed event
func (db *DB) SaveEvent(ctx context.Context, event *models.Event) error {
	var doctor *string
	if event.Doctor != nil {
		hex := event.Doctor.Hex()
		doctor = &hex
	}

	query := `
		INSERT INTO events (id, kind, patient, doctor, actor, pointer, ts, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := db.pool.Exec(ctx, query,
		event.ID, event.Kind, event.Patient.Hex(), doctor, event.Actor.Hex(),
		event.Pointer, event.Timestamp, event.Hash, event.PrevHash)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by address
func (db *DB) GetAccount(ctx context.Context, addr common.Address) (*models.Account, error) {
	query := `SELECT address, role, public_key, registered_at FROM accounts WHERE address = $1`

	var hexAddr string
	var role int16
	account := &models.Account{}
	err := db.pool.QueryRow(ctx, query, addr.Hex()).Scan(
		&hexAddr, &role, &account.PublicKey, &account.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.Address = common.HexToAddress(hexAddr)
	account.Role = models.Role(role)
	return account, nil
}

// ListAccounts returns all registered accounts
func (db *DB) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	query := `SELECT address, role, public_key, registered_at FROM accounts`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		var hexAddr string
		var role int16
		account := &models.Account{}
		if err := rows.Scan(&hexAddr, &role, &account.PublicKey, &account.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		account.Address = common.HexToAddress(hexAddr)
		account.Role = models.Role(role)
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// ListAuthorizations returns all authorization records
func (db *DB) ListAuthorizations(ctx context.Context) ([]*models.AuthorizationRecord, error) {
	query := `SELECT patient, doctor, active, granted_at, revoked_at FROM authorizations`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	defer rows.Close()

	var results []*models.AuthorizationRecord
	for rows.Next() {
		var patient, doctor string
		record := &models.AuthorizationRecord{}
		if err := rows.Scan(&patient, &doctor, &record.Active, &record.GrantedAt, &record.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan authorization: %w", err)
		}
		record.Patient = common.HexToAddress(patient)
		record.Doctor = common.HexToAddress(doctor)
		results = append(results, record)
	}
	return results, rows.Err()
}

// ListChains returns all record chains
func (db *DB) ListChains(ctx context.Context) ([]*models.RecordChain, error) {
	query := `SELECT patient, token_id, handle, current_pointer, history, created_at, updated_at FROM record_chains`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list record chains: %w", err)
	}
	defer rows.Close()

	var chains []*models.RecordChain
	for rows.Next() {
		var patient string
		var tokenID int64
		var history []byte
		chain := &models.RecordChain{}
		if err := rows.Scan(&patient, &tokenID, &chain.Handle, &chain.Current, &history,
			&chain.CreatedAt, &chain.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record chain: %w", err)
		}
		if err := json.Unmarshal(history, &chain.History); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		chain.Patient = common.HexToAddress(patient)
		chain.TokenID = uint64(tokenID)
		chains = append(chains, chain)
	}
	return chains, rows.Err()
}
