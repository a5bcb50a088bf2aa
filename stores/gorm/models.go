package gorm

import (
	"time"

	"gorm.io/gorm"
)

// SecretModel is the stored form of an ephemeral secret.
type SecretModel struct {
	Key        string `gorm:"primaryKey;size:512"`
	Kind       string `gorm:"size:32"`
	Identifier string `gorm:"size:256"`
	SecretHash string `gorm:"size:64"`
	IssuedAt   time.Time
	ExpiresAt  time.Time `gorm:"index"`
	Consumed   bool
	Attempts   int
}

func (SecretModel) TableName() string { return "authkit_secrets" }

// SecretIssueModel records one issuance, for the per-identifier rate window.
type SecretIssueModel struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	Key      string    `gorm:"index;size:512"`
	IssuedAt time.Time `gorm:"index"`
}

func (SecretIssueModel) TableName() string { return "authkit_secret_issues" }

// FlowStateModel is one live sign-in attempt.
type FlowStateModel struct {
	State      string `gorm:"primaryKey;size:128"`
	ID         string `gorm:"size:64"`
	Verifier   string `gorm:"size:256"`
	Provider   string `gorm:"size:64"`
	RedirectTo string `gorm:"size:1024"`
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"index"`
}

func (FlowStateModel) TableName() string { return "authkit_flow_states" }

// Adapter entity models.

type UserModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Email     string `gorm:"uniqueIndex;size:256"`
	Name      string `gorm:"size:256"`
	Picture   string `gorm:"size:1024"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserModel) TableName() string { return "authkit_users" }

type SessionModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"index;size:64"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

func (SessionModel) TableName() string { return "authkit_sessions" }

type AccountModel struct {
	ID                string `gorm:"primaryKey;size:64"`
	UserID            string `gorm:"index;size:64"`
	Provider          string `gorm:"size:64;uniqueIndex:idx_provider_account"`
	ProviderAccountID string `gorm:"size:256;uniqueIndex:idx_provider_account"`
	CreatedAt         time.Time
}

func (AccountModel) TableName() string { return "authkit_accounts" }

// AutoMigrate runs migrations for all authkit tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SecretModel{},
		&SecretIssueModel{},
		&FlowStateModel{},
		&UserModel{},
		&SessionModel{},
		&AccountModel{},
	)
}
