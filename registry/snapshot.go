package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidRegistry wraps every validation problem found while building a snapshot.
var ErrInvalidRegistry = errors.New("invalid registry")

// Snapshot is an immutable view of all clients and scopes.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time

	clients map[string]*Client
	scopes  map[string]*Scope
}

// NewSnapshot validates clients and scopes and builds a snapshot. All problems
// are reported together.
func NewSnapshot(clients []Client, scopes []Scope) (*Snapshot, error) {
	s := &Snapshot{
		LoadedAt: time.Now(),
		clients:  make(map[string]*Client, len(clients)),
		scopes:   make(map[string]*Scope, len(scopes)),
	}

	var errs []error
	for i := range scopes {
		sc := scopes[i]
		if !validScopeToken(sc.Name) {
			errs = append(errs, fmt.Errorf("scope %q: invalid name", sc.Name))
			continue
		}
		if _, dup := s.scopes[sc.Name]; dup {
			errs = append(errs, fmt.Errorf("scope %q: defined twice", sc.Name))
			continue
		}
		sc.Claims = append([]string(nil), sc.Claims...)
		s.scopes[sc.Name] = &sc
	}

	for i := range clients {
		c := clients[i]
		if c.ID == "" {
			errs = append(errs, fmt.Errorf("client #%d: id is required", i))
			continue
		}
		if _, dup := s.clients[c.ID]; dup {
			errs = append(errs, fmt.Errorf("client %q: defined twice", c.ID))
			continue
		}
		if err := s.validateClient(&c); err != nil {
			errs = append(errs, fmt.Errorf("client %q: %w", c.ID, err))
			continue
		}
		c.GrantTypes = append([]string(nil), c.GrantTypes...)
		c.RedirectURIs = append([]string(nil), c.RedirectURIs...)
		c.Scopes = append([]string(nil), c.Scopes...)
		s.clients[c.ID] = &c
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, errors.Join(errs...))
	}
	return s, nil
}

func (s *Snapshot) validateClient(c *Client) error {
	var errs []error

	if len(c.GrantTypes) == 0 {
		errs = append(errs, errors.New("at least one grant type is required"))
	}
	for _, gt := range c.GrantTypes {
		switch gt {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
		default:
			errs = append(errs, fmt.Errorf("unknown grant type %q", gt))
		}
	}

	if c.AllowsGrant(GrantAuthorizationCode) && len(c.RedirectURIs) == 0 {
		errs = append(errs, errors.New("authorization_code requires at least one redirect uri"))
	}
	for _, uri := range c.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			errs = append(errs, err)
		}
	}

	if c.AllowsGrant(GrantClientCredentials) && c.IsPublic() {
		errs = append(errs, errors.New("client_credentials requires a client secret"))
	}
	if !c.IsPublic() {
		if _, err := bcrypt.Cost([]byte(c.SecretHash)); err != nil {
			errs = append(errs, errors.New("secret_hash is not a bcrypt hash"))
		}
	}
	if c.IsPublic() && !c.RequirePKCE && c.AllowsGrant(GrantAuthorizationCode) {
		errs = append(errs, errors.New("public clients must require PKCE"))
	}

	for _, scope := range c.Scopes {
		if _, ok := s.scopes[scope]; !ok {
			errs = append(errs, fmt.Errorf("unknown scope %q", scope))
		}
	}

	if c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 {
		errs = append(errs, errors.New("token lifetimes must not be negative"))
	}

	return errors.Join(errs...)
}

// validScopeToken checks RFC 6749 section 3.3: %x21 / %x23-5B / %x5D-7E.
func validScopeToken(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x21 || c == 0x22 || c == 0x5C || c > 0x7E {
			return false
		}
	}
	return true
}

// Client returns the client with id.
func (s *Snapshot) Client(id string) (*Client, bool) {
	c, ok := s.clients[id]
	return c, ok
}

// Scope returns the scope with name.
func (s *Snapshot) Scope(name string) (*Scope, bool) {
	sc, ok := s.scopes[name]
	return sc, ok
}

// Clients returns all clients ordered by id.
func (s *Snapshot) Clients() []*Client {
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScopeNames returns all scope names in sorted order.
func (s *Snapshot) ScopeNames() []string {
	out := make([]string, 0, len(s.scopes))
	for name := range s.scopes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ClaimsFor returns the claim names released by scopes, without duplicates.
func (s *Snapshot) ClaimsFor(scopes []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range scopes {
		sc, ok := s.scopes[name]
		if !ok {
			continue
		}
		for _, claim := range sc.Claims {
			if _, dup := seen[claim]; dup {
				continue
			}
			seen[claim] = struct{}{}
			out = append(out, claim)
		}
	}
	return out
}
