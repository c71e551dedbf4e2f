package store

import (
	"github.com/confab-io/confab/pkg/model"
)

// DataStore defines the credential store interface the server
// authenticates against. Implementations include the default SQLite
// store and an in-memory store for testing.
//
// The store is only a pass/fail credential gate: duplicate-login
// rejection and liveness are the registry's job, not the store's.
type DataStore interface {
	// Close closes the underlying storage connection.
	Close() error

	// CreateUser registers a username with a password. The password is
	// hashed with a per-user random salt before it is stored.
	CreateUser(username, password string) (*model.User, error)

	// GetUserByUsername retrieves a user by username. Returns (nil, nil) if not found.
	GetUserByUsername(username string) (*model.User, error)

	// Authenticate reports whether the username/password pair matches a
	// stored credential. Unknown users authenticate as false, not error.
	Authenticate(username, password string) (bool, error)

	// DeleteUser removes a user by username. Unknown users are a no-op.
	DeleteUser(username string) error

	// ListUsers returns all users ordered by ID.
	ListUsers() ([]model.User, error)
}

// Compile-time check: *Store implements DataStore.
var _ DataStore = (*Store)(nil)
