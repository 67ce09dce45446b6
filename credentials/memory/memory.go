// Package memory implements credentials.Store over a fixed list of users,
// typically loaded from the server configuration.
package memory

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-core/credentials"
)

// User is a statically configured user.
type User struct {
	ID            string            `yaml:"id"`
	Username      string            `yaml:"username"`
	PasswordHash  string            `yaml:"password_hash"`
	Name          string            `yaml:"name"`
	Email         string            `yaml:"email"`
	EmailVerified bool              `yaml:"email_verified"`
	OwnedProjects []string          `yaml:"owned_projects"`
	Claims        map[string]string `yaml:"claims"`
}

// Store holds users in memory. It is read-only after New.
type Store struct {
	byUsername map[string]*User
	byID       map[string]*User

	// dummyHash is compared against for unknown usernames so that unknown
	// and known users take the same time to reject.
	dummyHash []byte
}

var _ credentials.Store = (*Store)(nil)

// New validates users and builds a store. A user without an ID uses its username.
func New(users []User) (*Store, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare store: %w", err)
	}

	s := &Store{
		byUsername: make(map[string]*User, len(users)),
		byID:       make(map[string]*User, len(users)),
		dummyHash:  dummy,
	}

	var errs []error
	for i := range users {
		u := users[i]
		if u.Username == "" {
			errs = append(errs, fmt.Errorf("user #%d: username is required", i))
			continue
		}
		if u.ID == "" {
			u.ID = u.Username
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			errs = append(errs, fmt.Errorf("user %q: password_hash is not a bcrypt hash", u.Username))
			continue
		}
		if _, dup := s.byUsername[u.Username]; dup {
			errs = append(errs, fmt.Errorf("user %q: defined twice", u.Username))
			continue
		}
		if _, dup := s.byID[u.ID]; dup {
			errs = append(errs, fmt.Errorf("user id %q: defined twice", u.ID))
			continue
		}
		s.byUsername[u.Username] = &u
		s.byID[u.ID] = &u
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// Verify implements credentials.Store.
func (s *Store) Verify(ctx context.Context, username, password string) (*credentials.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, ok := s.byUsername[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, credentials.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, credentials.ErrInvalidCredentials
	}
	return &credentials.Subject{ID: u.ID, Username: u.Username}, nil
}

// LoadClaims implements credentials.Store.
func (s *Store) LoadClaims(ctx context.Context, subjectID string) (credentials.Claims, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, ok := s.byID[subjectID]
	if !ok {
		return nil, credentials.ErrSubjectNotFound
	}

	claims := credentials.Claims{
		credentials.ClaimPreferredUsername: u.Username,
	}
	for k, v := range u.Claims {
		claims[k] = v
	}
	if u.Name != "" {
		claims[credentials.ClaimName] = u.Name
	}
	if u.Email != "" {
		claims[credentials.ClaimEmail] = u.Email
		claims[credentials.ClaimEmailVerified] = u.EmailVerified
	}
	projects := make([]string, len(u.OwnedProjects))
	copy(projects, u.OwnedProjects)
	claims[credentials.ClaimOwnedProjects] = projects
	return claims, nil
}
