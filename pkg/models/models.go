package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Role represents the registered role of an account
type Role uint8

// Role values match the on-chain registry enum of the original deployment.
const (
	RoleUnregistered Role = 0
	RolePatient      Role = 1
	RoleDoctor       Role = 2
)

// String returns the human-readable role name
func (r Role) String() string {
	switch r {
	case RoleUnregistered:
		return "unregistered"
	case RolePatient:
		return "patient"
	case RoleDoctor:
		return "doctor"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the closed role set
func (r Role) Valid() bool {
	switch r {
	case RoleUnregistered, RolePatient, RoleDoctor:
		return true
	}
	return false
}

// ParseRole parses a role name into a Role
func ParseRole(s string) (Role, error) {
	switch s {
	case "patient":
		return RolePatient, nil
	case "doctor":
		return RoleDoctor, nil
	case "unregistered":
		return RoleUnregistered, nil
	}
	return RoleUnregistered, ErrInvalidRole
}

// MarshalJSON encodes the role as its name
func (r Role) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// UnmarshalJSON decodes a role from its name
func (r *Role) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Account represents a registered identity
type Account struct {
	Address      common.Address `json:"address"`
	Role         Role           `json:"role"`
	PublicKey    []byte         `json:"public_key,omitempty"`
	RegisteredAt int64          `json:"registered_at"`
}

// AuthorizationRecord tracks consent state for one (patient, doctor) pair.
// Records are never deleted; revocation flips Active and stamps RevokedAt.
type AuthorizationRecord struct {
	Patient   common.Address `json:"patient"`
	Doctor    common.Address `json:"doctor"`
	Active    bool           `json:"active"`
	GrantedAt int64          `json:"granted_at"`
	RevokedAt int64          `json:"revoked_at,omitempty"`
}

// RecordChain is a patient's versioned chain of content pointers.
// History is append-only, oldest first; Current is always the latest value.
type RecordChain struct {
	Patient   common.Address `json:"patient"`
	TokenID   uint64         `json:"token_id"`
	Handle    string         `json:"handle"`
	Current   string         `json:"current"`
	History   []string       `json:"history"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// Event kinds emitted by the consent service
const (
	EventRegistered       = "identity.registered"
	EventAccessGranted    = "access.granted"
	EventAccessRevoked    = "access.revoked"
	EventChainInitialized = "record.initialized"
	EventPointerUpdated   = "record.updated"
)

// Event is a durable record of one committed state transition
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Patient   common.Address  `json:"patient"`
	Doctor    *common.Address `json:"doctor,omitempty"`
	Actor     common.Address  `json:"actor"`
	Pointer   string          `json:"pointer,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash"`
}

// Error represents a precondition violation surfaced to callers.
// These are not retryable: each one reflects state or input the caller
// must change before resubmitting.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errors
var (
	ErrAlreadyRegistered  = &Error{Code: "ALREADY_REGISTERED", Message: "account is already registered"}
	ErrInvalidRole        = &Error{Code: "INVALID_ROLE", Message: "requested role is not registrable"}
	ErrRoleMismatch       = &Error{Code: "ROLE_MISMATCH", Message: "account does not hold the required role"}
	ErrUnauthorized       = &Error{Code: "UNAUTHORIZED", Message: "caller is not a party to this authorization"}
	ErrNotActive          = &Error{Code: "NOT_ACTIVE", Message: "authorization is not active"}
	ErrAlreadyInitialized = &Error{Code: "ALREADY_INITIALIZED", Message: "record chain already exists for this patient"}
	ErrNoSuchRecord       = &Error{Code: "NO_SUCH_RECORD", Message: "no record chain exists for this patient"}
	ErrForbidden          = &Error{Code: "FORBIDDEN", Message: "caller has no active access to this record"}
	ErrEmptyPointer       = &Error{Code: "EMPTY_POINTER", Message: "content pointer must not be empty"}
)
