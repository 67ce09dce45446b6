package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/oidc-core/credentials"
	credmemory "github.com/giantswarm/oidc-core/credentials/memory"
	"github.com/giantswarm/oidc-core/credentials/sqlstore"
	"github.com/giantswarm/oidc-core/instrumentation"
	"github.com/giantswarm/oidc-core/registry"
	"github.com/giantswarm/oidc-core/security"
	"github.com/giantswarm/oidc-core/server"
	"github.com/giantswarm/oidc-core/storage"
	"github.com/giantswarm/oidc-core/storage/memory"
	"github.com/giantswarm/oidc-core/storage/postgres"
	"github.com/giantswarm/oidc-core/storage/redis"
	"github.com/giantswarm/oidc-core/token"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server is a fully wired authorization server: registry, store, issuer,
// credential store, core and HTTP handler.
type Server struct {
	Config          *Config
	Core            *server.Server
	Registry        *registry.Registry
	Store           *storage.Store
	Issuer          *token.Issuer
	Instrumentation *instrumentation.Instrumentation
	Metrics         *HTTPMetrics
	Handler         *Handler

	logger  *slog.Logger
	closers []func(context.Context) error

	// credentialsDB is set for the SQL credential drivers.
	credentialsDB *sqlstore.Store
}

// NewServer builds every component from cfg. On error, whatever was opened
// is closed again.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (srv *Server, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Instrumentation.ServiceName,
		ServiceVersion: cfg.Instrumentation.ServiceVersion,
		Enabled:        cfg.Instrumentation.Enabled,
		LogClientIPs:   cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	s.Instrumentation = inst
	s.closers = append(s.closers, inst.Shutdown)

	auditor := security.NewAuditor(logger, cfg.Security.EnableAuditLogging)

	if s.Store, err = s.openStore(ctx, inst); err != nil {
		return nil, err
	}

	keys, err := loadKeyRing(cfg.Tokens, logger)
	if err != nil {
		return nil, err
	}
	s.Issuer, err = token.NewIssuer(token.Config{
		Issuer:          cfg.Issuer,
		AccessTokenTTL:  cfg.Tokens.AccessTokenTTL,
		IDTokenTTL:      cfg.Tokens.IDTokenTTL,
		RefreshTokenTTL: cfg.Tokens.RefreshTokenTTL,
		Leeway:          cfg.Tokens.Leeway,
		StaticAudience:  cfg.Tokens.StaticAudience,
	}, keys, s.Store, logger)
	if err != nil {
		return nil, err
	}
	s.Issuer.SetAuditor(auditor)
	s.Issuer.SetInstrumentation(inst)

	s.Registry, err = registry.Load(ctx, &registry.FileSource{Path: cfg.Registry.File}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	s.Registry.SetAuditor(auditor)
	s.Registry.SetInstrumentation(inst)

	creds, err := s.openCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Security.PersistAuditLog {
		if s.credentialsDB == nil {
			return nil, fmt.Errorf("security.persist_audit_log requires a SQL credentials driver")
		}
		auditor.SetSink(s.credentialsDB)
	}

	s.Core, err = server.New(s.Registry, s.Store, s.Issuer, creds, &server.Config{
		Issuer:                    cfg.Issuer,
		AuthorizationCodeTTL:      cfg.Grants.AuthorizationCodeTTL,
		PendingAuthorizationTTL:   cfg.Grants.PendingAuthorizationTTL,
		CredentialTimeout:         cfg.Credentials.Timeout,
		AllowRefreshTokenRotation: !cfg.Security.DisableRefreshTokenRotation,
		RequirePKCE:               !cfg.Security.DisablePKCERequirement,
		AllowPKCEPlain:            cfg.Security.AllowPKCEPlain,
		AllowInsecureHTTP:         cfg.Security.AllowInsecureHTTP,
	}, logger)
	if err != nil {
		return nil, err
	}
	s.Core.SetAuditor(auditor)
	s.Core.SetInstrumentation(inst)

	s.Metrics = NewHTTPMetrics()
	s.Handler = NewHandler(s.Core, HandlerConfig{
		TrustProxy:        cfg.RateLimit.TrustProxy,
		TrustedProxyCount: cfg.RateLimit.TrustedProxyCount,
		RateLimit:         cfg.RateLimit.Rate,
		RateBurst:         cfg.RateLimit.Burst,
	}, s.Metrics, logger)

	return s, nil
}

func (s *Server) openStore(ctx context.Context, inst *instrumentation.Instrumentation) (*storage.Store, error) {
	cfg := s.Config.Storage

	var backend storage.Backend
	switch cfg.Backend {
	case StorageMemory:
		backend = memory.New()
	case StorageRedis:
		b, err := redis.Dial(ctx, redis.Config{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Logger:    s.logger,
		})
		if err != nil {
			return nil, err
		}
		backend = b
	case StoragePostgres:
		b, err := postgres.Open(ctx, cfg.PostgresDSN, s.logger)
		if err != nil {
			return nil, err
		}
		if err := b.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	store := storage.NewStore(backend, s.logger)
	s.closers = append(s.closers, func(context.Context) error { return store.Close() })
	store.SetInstrumentation(inst)

	if cfg.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid storage.encryption_key: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return nil, err
		}
		store.SetEncryptor(enc)
	}
	s.logger.Info("Token store ready", "backend", backend.Name(), "encrypted", cfg.EncryptionKey != "")
	return store, nil
}

func (s *Server) openCredentials(ctx context.Context) (credentials.Store, error) {
	cfg := s.Config.Credentials

	var store credentials.Store
	switch cfg.Driver {
	case CredentialsStatic:
		users, err := credmemory.New(cfg.Users)
		if err != nil {
			return nil, fmt.Errorf("invalid credentials.users: %w", err)
		}
		store = users
	default:
		db, err := sqlstore.Open(cfg.Driver, cfg.DSN, s.logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })
		if cfg.Migrate {
			if err := db.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		s.credentialsDB = db
		store = db
	}

	if cfg.ClaimsCacheTTL > 0 {
		cache := credentials.NewClaimsCache(store, cfg.ClaimsCacheTTL)
		cache.SetLoadTimeout(cfg.Timeout)
		store = cache
	}
	return store, nil
}

// loadKeyRing loads the signing key and the retired keys still in grace.
// Without a key file an ephemeral key is generated, which invalidates every
// token on restart.
func loadKeyRing(cfg TokenConfig, logger *slog.Logger) (*token.KeyRing, error) {
	var active *token.SigningKey
	if cfg.KeyFile == "" {
		key, err := token.GenerateSigningKey(time.Now())
		if err != nil {
			return nil, err
		}
		logger.Warn("No signing key file configured, using an ephemeral key",
			"kid", key.KID,
			"recommendation", "Generate one with 'oidc-server keys generate' and set tokens.key_file")
		active = key
	} else {
		key, err := token.LoadKeyFile(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		active = key
	}

	ring := token.NewKeyRing(active, cfg.KeyGrace)
	for _, path := range cfg.PreviousKeyFiles {
		key, err := token.LoadKeyFile(path)
		if err != nil {
			return nil, err
		}
		ring.AddRetiring(key)
	}
	return ring, nil
}

// Run serves HTTP on the configured address and runs the background loops
// (registry watcher, expiry sweeper, key rotation) until ctx ends or one of
// them fails. The HTTP server is shut down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.Config.Listen,
		Handler:           s.Handler.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", s.Config.Listen, "issuer", s.Config.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCanceled(s.Store.RunSweeper(ctx, s.Config.Storage.SweepInterval))
	})
	if interval := s.Config.Registry.WatchInterval; interval > 0 {
		g.Go(func() error {
			return ignoreCanceled(s.Registry.Watch(ctx, interval))
		})
	}
	if interval := s.Config.Tokens.KeyRotationInterval; interval > 0 {
		g.Go(func() error {
			return ignoreCanceled(s.Issuer.RunKeyRotation(ctx, interval))
		})
	}
	return g.Wait()
}

// Reload re-reads the client registry. A failed reload keeps the current
// clients.
func (s *Server) Reload(ctx context.Context) error {
	return s.Registry.Reload(ctx)
}

// Close releases the store, the credential database and instrumentation.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
