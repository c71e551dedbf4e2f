package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/confab-io/confab/pkg/crypto"
	"github.com/confab-io/confab/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID int64
	users      map[string]*memoryUser // keyed by username
}

type memoryUser struct {
	user model.User
	hash []byte
	salt []byte
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:        now,
		nextUserID: 1,
		users:      make(map[string]*memoryUser),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser registers a username with a password.
func (s *MemoryStore) CreateUser(username, password string) (*model.User, error) {
	if err := model.ValidateName(username); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	if password == "" {
		return nil, fmt.Errorf("store: create user: password must not be empty")
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return nil, fmt.Errorf("store: create user: constraint failed: UNIQUE constraint failed: users.username")
	}
	u := &memoryUser{
		user: model.User{
			ID:        s.nextUserID,
			Username:  username,
			CreatedAt: s.now().UTC(),
		},
		hash: crypto.HashPassword(password, salt),
		salt: salt,
	}
	s.nextUserID++
	s.users[username] = u
	copyUser := u.user
	return &copyUser, nil
}

// GetUserByUsername retrieves a user by username.
func (s *MemoryStore) GetUserByUsername(username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	copyUser := u.user
	return &copyUser, nil
}

// Authenticate reports whether the username/password pair matches.
func (s *MemoryStore) Authenticate(username, password string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return false, nil
	}
	return crypto.VerifyPassword(password, u.salt, u.hash), nil
}

// DeleteUser removes a user by username.
func (s *MemoryStore) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
	return nil
}

// ListUsers returns all users ordered by ID.
func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u.user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// Compile-time check: *MemoryStore implements DataStore.
var _ DataStore = (*MemoryStore)(nil)
