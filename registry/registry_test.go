package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func hashSecret(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

func testScopes() []Scope {
	return []Scope{
		{Name: "openid", Identity: true},
		{Name: "profile", Identity: true, Claims: []string{"name", "preferred_username"}},
		{Name: "email", Identity: true, Claims: []string{"email", "email_verified"}},
		{Name: "api.read"},
	}
}

func webApp(t *testing.T) Client {
	return Client{
		ID:                  "web-app",
		Name:                "Web App",
		SecretHash:          hashSecret(t, "s3cret"),
		Enabled:             true,
		GrantTypes:          []string{GrantAuthorizationCode, GrantRefreshToken},
		RedirectURIs:        []string{"https://app.example/cb"},
		Scopes:              []string{"openid", "profile"},
		RequirePKCE:         true,
		RotateRefreshTokens: true,
	}
}

func TestNewSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Client)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Client) {},
		},
		{
			name:    "missing id",
			mutate:  func(c *Client) { c.ID = "" },
			wantErr: "id is required",
		},
		{
			name:    "unknown grant type",
			mutate:  func(c *Client) { c.GrantTypes = append(c.GrantTypes, "password") },
			wantErr: `unknown grant type "password"`,
		},
		{
			name:    "code client without redirect uri",
			mutate:  func(c *Client) { c.RedirectURIs = nil },
			wantErr: "requires at least one redirect uri",
		},
		{
			name:    "relative redirect uri",
			mutate:  func(c *Client) { c.RedirectURIs = []string{"/cb"} },
			wantErr: "must be absolute",
		},
		{
			name:    "redirect uri with fragment",
			mutate:  func(c *Client) { c.RedirectURIs = []string{"https://app.example/cb#x"} },
			wantErr: "must not contain a fragment",
		},
		{
			name:    "unknown scope",
			mutate:  func(c *Client) { c.Scopes = append(c.Scopes, "admin") },
			wantErr: `unknown scope "admin"`,
		},
		{
			name:    "client credentials without secret",
			mutate:  func(c *Client) { c.SecretHash = ""; c.GrantTypes = []string{GrantClientCredentials} },
			wantErr: "requires a client secret",
		},
		{
			name:    "plain text secret",
			mutate:  func(c *Client) { c.SecretHash = "s3cret" },
			wantErr: "not a bcrypt hash",
		},
		{
			name:    "public client without pkce",
			mutate:  func(c *Client) { c.SecretHash = ""; c.RequirePKCE = false },
			wantErr: "must require PKCE",
		},
		{
			name:    "negative ttl",
			mutate:  func(c *Client) { c.AccessTokenTTL = -time.Second },
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := webApp(t)
			tt.mutate(&c)

			snap, err := NewSnapshot([]Client{c}, testScopes())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewSnapshot() error = %v", err)
				}
				if _, ok := snap.Client("web-app"); !ok {
					t.Error("client missing from snapshot")
				}
				return
			}
			if err == nil {
				t.Fatalf("NewSnapshot() expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidRegistry) {
				t.Errorf("error %v does not wrap ErrInvalidRegistry", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewSnapshot_Duplicates(t *testing.T) {
	c := webApp(t)
	_, err := NewSnapshot([]Client{c, c}, testScopes())
	if err == nil || !strings.Contains(err.Error(), "defined twice") {
		t.Fatalf("expected duplicate client error, got %v", err)
	}

	scopes := append(testScopes(), Scope{Name: "openid"})
	_, err = NewSnapshot(nil, scopes)
	if err == nil || !strings.Contains(err.Error(), `scope "openid": defined twice`) {
		t.Fatalf("expected duplicate scope error, got %v", err)
	}
}

func TestNewSnapshot_InvalidScopeName(t *testing.T) {
	for _, name := range []string{"", "has space", `quo"te`, `back\slash`} {
		if _, err := NewSnapshot(nil, []Scope{{Name: name}}); err == nil {
			t.Errorf("scope name %q accepted", name)
		}
	}
}

func TestSnapshot_IsolatedFromInput(t *testing.T) {
	c := webApp(t)
	snap, err := NewSnapshot([]Client{c}, testScopes())
	if err != nil {
		t.Fatal(err)
	}
	c.RedirectURIs[0] = "https://evil.example/cb"

	got, _ := snap.Client("web-app")
	if got.RedirectURIs[0] != "https://app.example/cb" {
		t.Errorf("snapshot shares slices with its input")
	}
}

func TestClient_HasRedirectURI(t *testing.T) {
	c := webApp(t)
	tests := []struct {
		uri  string
		want bool
	}{
		{"https://app.example/cb", true},
		{"https://app.example/cb/", false},
		{"https://APP.example/cb", false},
		{"https://app.example/CB", false},
		{"https://app.example:443/cb", false},
		{"https://app.example/cb?x=1", false},
		{"https://app.example/%63b", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := c.HasRedirectURI(tt.uri); got != tt.want {
			t.Errorf("HasRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}

func TestClient_VerifySecret(t *testing.T) {
	c := webApp(t)
	if !c.VerifySecret("s3cret") {
		t.Error("correct secret rejected")
	}
	if c.VerifySecret("wrong") {
		t.Error("wrong secret accepted")
	}
	if c.VerifySecret("") {
		t.Error("empty secret accepted")
	}

	public := Client{ID: "spa"}
	if public.VerifySecret("anything") {
		t.Error("public client verified a secret")
	}
}

func TestSnapshot_ClaimsFor(t *testing.T) {
	snap, err := NewSnapshot(nil, testScopes())
	if err != nil {
		t.Fatal(err)
	}
	got := snap.ClaimsFor([]string{"openid", "profile", "email", "profile", "unknown"})
	want := []string{"name", "preferred_username", "email", "email_verified"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ClaimsFor() = %v, want %v", got, want)
	}
	if names := snap.ScopeNames(); len(names) != 4 || names[0] != "api.read" {
		t.Errorf("ScopeNames() = %v", names)
	}
}

const registryYAML = `
scopes:
  - name: openid
    identity: true
  - name: profile
    identity: true
    claims: [name]
  - name: api.read
clients:
  - id: web-app
    name: Web App
    secret_hash: "%s"
    grant_types: [authorization_code, refresh_token]
    redirect_uris: [https://app.example/cb]
    scopes: [openid, profile]
    access_token_ttl: 15m
    refresh_token_ttl: 720h
  - id: spa
    grant_types: [authorization_code]
    redirect_uris: [http://localhost:5173/callback]
    scopes: [openid]
    rotate_refresh_tokens: false
  - id: batch
    secret_hash: "%s"
    enabled: false
    grant_types: [client_credentials]
    scopes: [api.read]
`

func writeRegistry(t *testing.T, path, hash string) {
	t.Helper()
	data := strings.ReplaceAll(registryYAML, "%s", hash)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	hash := hashSecret(t, "s3cret")
	snap, err := Parse([]byte(strings.ReplaceAll(registryYAML, "%s", hash)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	web, ok := snap.Client("web-app")
	if !ok {
		t.Fatal("web-app missing")
	}
	if web.AccessTokenTTL != 15*time.Minute || web.RefreshTokenTTL != 720*time.Hour {
		t.Errorf("ttls = %v / %v", web.AccessTokenTTL, web.RefreshTokenTTL)
	}
	if !web.Enabled || !web.RequirePKCE || !web.RotateRefreshTokens {
		t.Errorf("defaults not applied: %+v", web)
	}

	spa, _ := snap.Client("spa")
	if !spa.IsPublic() || spa.RotateRefreshTokens {
		t.Errorf("spa = %+v", spa)
	}

	batch, _ := snap.Client("batch")
	if batch.Enabled {
		t.Error("batch should be disabled")
	}

	ids := make([]string, 0)
	for _, c := range snap.Clients() {
		ids = append(ids, c.ID)
	}
	if strings.Join(ids, ",") != "batch,spa,web-app" {
		t.Errorf("Clients() order = %v", ids)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown field", "clients:\n  - id: x\n    colour: blue\n"},
		{"bad duration", "clients:\n  - id: x\n    grant_types: [client_credentials]\n    access_token_ttl: soon\n"},
		{"not yaml", "clients: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if !errors.Is(err, ErrInvalidRegistry) {
				t.Errorf("Parse() error = %v, want ErrInvalidRegistry", err)
			}
		})
	}
}

func TestRegistry_LookupAndSwap(t *testing.T) {
	snap, err := NewSnapshot([]Client{webApp(t)}, testScopes())
	if err != nil {
		t.Fatal(err)
	}
	r := New(snap, nil, nil)

	if _, err := r.Lookup("web-app"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if _, err := r.Lookup("nope"); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("Lookup(nope) error = %v", err)
	}

	held := r.Snapshot()
	empty, _ := NewSnapshot(nil, nil)
	r.Swap(empty)

	if _, err := r.Lookup("web-app"); !errors.Is(err, ErrClientNotFound) {
		t.Error("swap not visible")
	}
	if _, ok := held.Client("web-app"); !ok {
		t.Error("previously read snapshot changed")
	}
	if r.Snapshot().Version != held.Version+1 {
		t.Errorf("version = %d, want %d", r.Snapshot().Version, held.Version+1)
	}
	if err := r.Reload(context.Background()); err == nil {
		t.Error("Reload() without source should fail")
	}
}

func TestRegistry_ReloadKeepsSnapshotOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	writeRegistry(t, path, hashSecret(t, "s3cret"))

	ctx := context.Background()
	r, err := Load(ctx, &FileSource{Path: path}, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	before := r.Snapshot()

	if err := os.WriteFile(path, []byte("clients:\n  - id: broken\n    grant_types: [implicit]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx); err == nil {
		t.Fatal("Reload() accepted an invalid file")
	}
	if r.Snapshot() != before {
		t.Error("failed reload replaced the snapshot")
	}

	writeRegistry(t, path, hashSecret(t, "other"))
	if err := r.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if r.Snapshot() == before || r.Snapshot().Version <= before.Version {
		t.Error("successful reload did not swap")
	}
	c, _ := r.Lookup("web-app")
	if !c.VerifySecret("other") {
		t.Error("reloaded secret not in effect")
	}
}

func TestRegistry_ConcurrentReadsDuringReload(t *testing.T) {
	src := &StaticSource{Clients: []Client{webApp(t)}, Scopes: testScopes()}
	r, err := Load(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := r.Lookup("web-app"); err != nil {
					t.Errorf("Lookup() error = %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if err := r.Reload(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	if v := r.Snapshot().Version; v != 21 {
		t.Errorf("version = %d, want 21", v)
	}
}

func TestRegistry_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	writeRegistry(t, path, hashSecret(t, "s3cret"))

	r, err := Load(context.Background(), &FileSource{Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	start := r.Snapshot().Version

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, 5*time.Millisecond) }()

	// a different hash changes the file size
	data := strings.ReplaceAll(registryYAML, "%s", hashSecret(t, "rotated"))
	data += "\n# rotated\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Snapshot().Version == start && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
	if r.Snapshot().Version == start {
		t.Fatal("watcher did not reload the changed file")
	}
	c, _ := r.Lookup("web-app")
	if !c.VerifySecret("rotated") {
		t.Error("watched reload not in effect")
	}
}

func TestRegistry_WatchSeesWriteBeforeStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	writeRegistry(t, path, hashSecret(t, "s3cret"))

	r, err := Load(context.Background(), &FileSource{Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	start := r.Snapshot().Version

	// written after Load but before the watcher takes its first look
	data := strings.ReplaceAll(registryYAML, "%s", hashSecret(t, "early")) + "\n# early\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.Snapshot().Version == start && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	c, _ := r.Lookup("web-app")
	if !c.VerifySecret("early") {
		t.Error("write made before Watch started was never loaded")
	}
}

func TestRegistry_WatchIgnoresUnchangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	writeRegistry(t, path, hashSecret(t, "s3cret"))

	r, err := Load(context.Background(), &FileSource{Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	start := r.Snapshot().Version

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Watch(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("Watch() error = %v", err)
	}
	if v := r.Snapshot().Version; v != start {
		t.Errorf("version = %d, want %d; unchanged file was reloaded", v, start)
	}
}

func TestRegistry_SwapSerializedWithReload(t *testing.T) {
	src := &StaticSource{Clients: []Client{webApp(t)}, Scopes: testScopes()}
	r, err := Load(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			snap, _ := NewSnapshot([]Client{webApp(t)}, testScopes())
			r.Swap(snap)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := r.Reload(context.Background()); err != nil {
				t.Errorf("Reload() error = %v", err)
				return
			}
		}
	}()
	wg.Wait()

	// the snapshot in place is always the one holding the newest version
	if v := r.Snapshot().Version; v != 1+2*rounds {
		t.Errorf("version = %d, want %d", v, 1+2*rounds)
	}
}

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr string
	}{
		{uri: "https://app.example/cb"},
		{uri: "https://app.example:8443/cb?x=1"},
		{uri: "http://localhost:5173/callback"},
		{uri: "http://127.0.0.1:8400/callback"},
		{uri: "http://[::1]:8400/callback"},
		{uri: "com.example.app:/oauth2redirect"},
		{uri: "javascript:alert(1)//x", wantErr: `scheme "javascript" is blocked`},
		{uri: "JavaScript:alert(1)", wantErr: `scheme "javascript" is blocked`},
		{uri: "data:text/html,hi", wantErr: `scheme "data" is blocked`},
		{uri: "vbscript:msgbox", wantErr: `scheme "vbscript" is blocked`},
		{uri: "file:///etc/passwd", wantErr: `scheme "file" is blocked`},
		{uri: "http://evil.example/cb", wantErr: "only allowed for loopback"},
		{uri: "http://127.0.0.1.evil.example/cb", wantErr: "only allowed for loopback"},
		{uri: "http:opaque", wantErr: "http requires a host"},
		{uri: "https:///cb", wantErr: "https requires a host"},
		{uri: "/cb", wantErr: "must be absolute"},
		{uri: "https://app.example/cb#", wantErr: "must not contain a fragment"},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			err := validateRedirectURI(tt.uri)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateRedirectURI(%q) error = %v", tt.uri, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateRedirectURI(%q) error = %v, want it to contain %q", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestNewSnapshot_RejectsUnsafeRedirectURI(t *testing.T) {
	c := webApp(t)
	c.RedirectURIs = []string{"https://app.example/cb", "http://evil.example/cb"}
	if _, err := NewSnapshot([]Client{c}, testScopes()); !errors.Is(err, ErrInvalidRegistry) {
		t.Fatalf("NewSnapshot() error = %v, want ErrInvalidRegistry", err)
	}
}
