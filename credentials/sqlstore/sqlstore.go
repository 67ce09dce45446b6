// Package sqlstore implements credentials.Store on a SQL database through
// gorm. SQLite, MySQL and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/giantswarm/oidc-core/credentials"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Store reads users and projects from a database.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	dummyHash []byte
}

var _ credentials.Store = (*Store)(nil)

// Open connects to the database for driver and dsn.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported credentials driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(db, logger)
}

// New wraps an open gorm database.
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare store: %w", err)
	}
	return &Store{db: db, logger: logger, dummyHash: dummy}, nil
}

// Migrate creates the users, projects and audit log tables if they do not
// exist.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&User{}, &Project{}, &AuditLog{}); err != nil {
		return fmt.Errorf("failed to migrate credential tables: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Verify implements credentials.Store. Disabled users are rejected like
// unknown ones.
func (s *Store) Verify(ctx context.Context, username, password string) (*credentials.Subject, error) {
	var u User
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, credentials.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", credentials.ErrUnavailable, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil || u.Disabled {
		return nil, credentials.ErrInvalidCredentials
	}
	return &credentials.Subject{ID: u.ID, Username: u.Username}, nil
}

// LoadClaims implements credentials.Store. Owned projects are loaded here
// with an explicit query.
func (s *Store) LoadClaims(ctx context.Context, subjectID string) (credentials.Claims, error) {
	db := s.db.WithContext(ctx)

	var u User
	err := db.Where("id = ?", subjectID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, credentials.ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", credentials.ErrUnavailable, err)
	}

	projects, err := s.LoadOwnedProjects(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	claims := credentials.Claims{
		credentials.ClaimPreferredUsername: u.Username,
		credentials.ClaimOwnedProjects:     projects,
	}
	if u.Name != "" {
		claims[credentials.ClaimName] = u.Name
	}
	if u.Email != "" {
		claims[credentials.ClaimEmail] = u.Email
		claims[credentials.ClaimEmailVerified] = u.EmailVerified
	}
	return claims, nil
}

// LoadOwnedProjects returns the ids of the projects owned by subjectID, sorted.
func (s *Store) LoadOwnedProjects(ctx context.Context, subjectID string) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).Model(&Project{}).
		Where("owner_id = ?", subjectID).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", credentials.ErrUnavailable, err)
	}
	return ids, nil
}

// CreateUser adds a user with a bcrypt hash of password and returns it.
func (s *Store) CreateUser(ctx context.Context, username, password string, mutate ...func(*User)) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
	}
	for _, fn := range mutate {
		fn(u)
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("User created", "user_id", u.ID)
	return u, nil
}

// CreateProject records a project owned by ownerID.
func (s *Store) CreateProject(ctx context.Context, ownerID, name string) (*Project, error) {
	p := &Project{ID: uuid.NewString(), Name: name, OwnerID: ownerID}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}
