package sqlstore

import "time"

// User is a row of the users table. It carries no associations: owned
// projects are read by LoadClaims with a separate query.
type User struct {
	ID            string `gorm:"primaryKey;size:64"`
	Username      string `gorm:"uniqueIndex;size:191;not null"`
	PasswordHash  string `gorm:"size:100;not null"`
	Name          string `gorm:"size:255"`
	Email         string `gorm:"size:255"`
	EmailVerified bool
	Disabled      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName sets the table name.
func (User) TableName() string { return "oidc_users" }

// Project is a project owned by a user.
type Project struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255;not null"`
	OwnerID   string `gorm:"index;size:64;not null"`
	CreatedAt time.Time
}

// TableName sets the table name.
func (Project) TableName() string { return "oidc_projects" }

// AuditLog is one persisted security audit event. Subjects are stored as
// the auditor's hash, never in clear text.
type AuditLog struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	EventType   string    `gorm:"index;size:64;not null"`
	Outcome     string    `gorm:"size:16;not null"`
	SubjectHash string    `gorm:"index;size:32"`
	ClientID    string    `gorm:"index;size:191"`
	GrantID     string    `gorm:"index;size:64"`
	IPAddress   string    `gorm:"size:64"`
	Details     string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

// TableName sets the table name.
func (AuditLog) TableName() string { return "oidc_audit_logs" }
