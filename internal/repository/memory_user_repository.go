package repository

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/auth-session-api/internal/models"
)

// MemoryUserRepository is a read-mostly user directory kept in process.
type MemoryUserRepository struct {
	mu         sync.RWMutex
	byID       map[string]*models.User
	byUsername map[string]*models.User
}

// NewMemoryUserRepository indexes the given users by id and username.
func NewMemoryUserRepository(users ...models.User) *MemoryUserRepository {
	r := &MemoryUserRepository{
		byID:       make(map[string]*models.User, len(users)),
		byUsername: make(map[string]*models.User, len(users)),
	}
	for i := range users {
		r.Put(users[i])
	}
	return r
}

// Put inserts or replaces a user.
func (r *MemoryUserRepository) Put(user models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := user
	r.byID[u.ID] = &u
	r.byUsername[u.Username] = &u
}

// Delete removes the user with id. Tokens already issued to it stay valid until
// they expire.
func (r *MemoryUserRepository) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[id]; ok {
		delete(r.byUsername, u.Username)
		delete(r.byID, id)
	}
}

// FindByUsername returns a copy of the user with the given login name.
func (r *MemoryUserRepository) FindByUsername(_ context.Context, username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byUsername[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *u
	return &clone, nil
}

// FindByID returns a copy of the user with the given id.
func (r *MemoryUserRepository) FindByID(_ context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *u
	return &clone, nil
}

// DemoUsers returns the two seed accounts, both with the credential
// "password", hashed at the given bcrypt cost.
func DemoUsers(cost int) ([]models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte("password"), cost)
	if err != nil {
		return nil, fmt.Errorf("hash demo credential: %w", err)
	}
	return []models.User{
		{ID: "1", Username: "demo", Email: "demo@example.com", PasswordHash: string(hash), Role: models.RoleAdmin},
		{ID: "2", Username: "user", Email: "user@example.com", PasswordHash: string(hash), Role: models.RoleUser},
	}, nil
}
