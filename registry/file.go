package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Source produces the clients and scopes of a registry.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// Document is the YAML layout of a registry file.
type Document struct {
	Scopes  []ScopeEntry  `yaml:"scopes"`
	Clients []ClientEntry `yaml:"clients"`
}

// ScopeEntry is one scope in a registry file.
type ScopeEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Claims      []string `yaml:"claims"`
	Identity    bool     `yaml:"identity"`
}

// ClientEntry is one client in a registry file. Pointer fields default to
// true when omitted.
type ClientEntry struct {
	ID                  string   `yaml:"id"`
	Name                string   `yaml:"name"`
	SecretHash          string   `yaml:"secret_hash"`
	Enabled             *bool    `yaml:"enabled"`
	GrantTypes          []string `yaml:"grant_types"`
	RedirectURIs        []string `yaml:"redirect_uris"`
	Scopes              []string `yaml:"scopes"`
	AccessTokenTTL      string   `yaml:"access_token_ttl"`
	RefreshTokenTTL     string   `yaml:"refresh_token_ttl"`
	RequirePKCE         *bool    `yaml:"require_pkce"`
	AllowPlainPKCE      bool     `yaml:"allow_plain_pkce"`
	RotateRefreshTokens *bool    `yaml:"rotate_refresh_tokens"`
}

// Parse decodes a registry document and builds a validated snapshot.
// Unknown fields are rejected.
func Parse(data []byte) (*Snapshot, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, err)
	}
	return doc.Snapshot()
}

// Snapshot converts the document into a validated snapshot.
func (d *Document) Snapshot() (*Snapshot, error) {
	scopes := make([]Scope, 0, len(d.Scopes))
	for _, e := range d.Scopes {
		scopes = append(scopes, Scope{
			Name:        e.Name,
			Description: e.Description,
			Claims:      e.Claims,
			Identity:    e.Identity,
		})
	}

	var errs []error
	clients := make([]Client, 0, len(d.Clients))
	for _, e := range d.Clients {
		accessTTL, err := parseTTL(e.AccessTokenTTL)
		if err != nil {
			errs = append(errs, fmt.Errorf("client %q: access_token_ttl: %w", e.ID, err))
		}
		refreshTTL, err := parseTTL(e.RefreshTokenTTL)
		if err != nil {
			errs = append(errs, fmt.Errorf("client %q: refresh_token_ttl: %w", e.ID, err))
		}
		clients = append(clients, Client{
			ID:                  e.ID,
			Name:                e.Name,
			SecretHash:          e.SecretHash,
			Enabled:             boolOr(e.Enabled, true),
			GrantTypes:          e.GrantTypes,
			RedirectURIs:        e.RedirectURIs,
			Scopes:              e.Scopes,
			AccessTokenTTL:      accessTTL,
			RefreshTokenTTL:     refreshTTL,
			RequirePKCE:         boolOr(e.RequirePKCE, true),
			AllowPlainPKCE:      e.AllowPlainPKCE,
			RotateRefreshTokens: boolOr(e.RotateRefreshTokens, true),
		})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, errors.Join(errs...))
	}

	return NewSnapshot(clients, scopes)
}

func parseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// FileSource loads a registry from a YAML file.
type FileSource struct {
	Path string

	mu     sync.Mutex
	loaded fileStamp
}

// Load implements Source. The file's stamp is recorded before reading, so
// Watch notices any write that lands after the read started, including one
// made before Watch runs. The stamp is recorded even when the content is
// invalid; a broken file is reported once, not on every poll.
func (f *FileSource) Load(_ context.Context) (*Snapshot, error) {
	st, err := f.stamp()
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	f.mu.Lock()
	f.loaded = st
	f.mu.Unlock()

	snap, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return snap, nil
}

// fileStamp identifies one version of a file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
}

// loadedStamp returns the stamp of the file as last read by Load.
func (f *FileSource) loadedStamp() fileStamp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

func (f *FileSource) stamp() (fileStamp, error) {
	fi, err := os.Stat(f.Path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{modTime: fi.ModTime(), size: fi.Size()}, nil
}

// StaticSource serves fixed clients and scopes. Used by tests and embedders
// that configure clients in code.
type StaticSource struct {
	Clients []Client
	Scopes  []Scope
}

// Load implements Source.
func (s *StaticSource) Load(_ context.Context) (*Snapshot, error) {
	return NewSnapshot(s.Clients, s.Scopes)
}
