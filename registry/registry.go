package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/oidc-core/instrumentation"
	"github.com/giantswarm/oidc-core/security"
)

// ErrClientNotFound is returned by Lookup for unknown client ids.
var ErrClientNotFound = errors.New("client not found")

// DefaultWatchInterval is the poll interval used by Watch when none is given.
const DefaultWatchInterval = 10 * time.Second

// Registry holds the current snapshot. Readers never block; Reload swaps in
// a fully validated snapshot or keeps the previous one.
type Registry struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64

	source Source
	logger *slog.Logger

	// reloadMu serialises Swap and Reload so versions are handed out in
	// order and a stale reload cannot overwrite a newer swap.
	reloadMu sync.Mutex

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
}

// New creates a registry serving snap. source may be nil, in which case
// Reload fails.
func New(snap *Snapshot, source Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{source: source, logger: logger}
	r.Swap(snap)
	return r
}

// Load reads source once and returns a registry serving the result.
func Load(ctx context.Context, source Source, logger *slog.Logger) (*Registry, error) {
	snap, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}
	r := New(snap, source, logger)
	r.logger.Info("Client registry loaded",
		"clients", len(snap.clients),
		"scopes", len(snap.scopes),
		"version", snap.Version)
	return r, nil
}

// SetAuditor sets the security auditor for reload events.
func (r *Registry) SetAuditor(a *security.Auditor) {
	r.auditor = a
}

// SetInstrumentation sets OpenTelemetry instrumentation for reload metrics.
func (r *Registry) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.instrumentation = inst
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup returns the client with id from the current snapshot.
func (r *Registry) Lookup(id string) (*Client, error) {
	c, ok := r.Snapshot().Client(id)
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

// Swap atomically replaces the current snapshot and assigns it the next
// version. snap must not be shared with another registry: its Version field
// is written.
func (r *Registry) Swap(snap *Snapshot) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	r.swapLocked(snap)
}

func (r *Registry) swapLocked(snap *Snapshot) {
	if snap == nil {
		snap, _ = NewSnapshot(nil, nil)
	}
	snap.Version = r.version.Add(1)
	r.current.Store(snap)
}

// Reload re-reads the source. On failure the previous snapshot stays in place.
func (r *Registry) Reload(ctx context.Context) error {
	if r.source == nil {
		return errors.New("registry has no source to reload from")
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	snap, err := r.source.Load(ctx)
	r.instrumentation.Metrics().RecordRegistryReload(ctx, err == nil)
	if err != nil {
		r.logger.Error("Client registry reload failed, keeping previous snapshot",
			"version", r.Snapshot().Version, "error", err)
		r.auditor.LogEvent(security.Event{
			Type:    security.EventRegistryReloadFailed,
			Outcome: security.OutcomeError,
			Details: map[string]any{"error": err.Error()},
		})
		return fmt.Errorf("reload registry: %w", err)
	}

	r.swapLocked(snap)
	r.logger.Info("Client registry reloaded",
		"clients", len(snap.clients),
		"scopes", len(snap.scopes),
		"version", snap.Version)
	r.auditor.LogEvent(security.Event{
		Type:    security.EventRegistryReloaded,
		Details: map[string]any{"version": snap.Version, "clients": len(snap.clients)},
	})
	return nil
}

// Watch polls a FileSource for changes and reloads when the file's size or
// modification time differs from what the last load read. It returns when
// ctx is cancelled. Sources other than FileSource are not watched.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) error {
	fs, ok := r.source.(*FileSource)
	if !ok {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur, err := fs.stamp()
			if err != nil {
				r.logger.Warn("Cannot stat registry file", "path", fs.Path, "error", err)
				continue
			}
			if cur == fs.loadedStamp() {
				continue
			}
			r.logger.Debug("Registry file changed", "path", fs.Path)
			// failure is logged and audited by Reload
			_ = r.Reload(ctx)
		}
	}
}
