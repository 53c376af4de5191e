package repository

import (
	"context"
	"errors"
	"time"

	"phone-auth-service/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an account already exists for the phone.
	ErrConflict = errors.New("record already exists")
	// ErrRecentlyIssued is returned by IssueCode when the stored code is
	// younger than the rate-limit window. The store is left unchanged.
	ErrRecentlyIssued = errors.New("code issued within rate-limit window")
)

// AccountStore persists accounts with a unique phone.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountByPhone(ctx context.Context, phone string) (*models.Account, error)
	HealthCheck(ctx context.Context) error
}

// CodeStore keeps at most one verification code per phone. IssueCode and
// ConsumeCode are atomic with respect to concurrent callers on the same phone.
type CodeStore interface {
	// IssueCode replaces the stored code for code.Phone unless the stored
	// code was created less than window before code.CreatedAt.
	IssueCode(ctx context.Context, code *models.VerificationCode, window time.Duration) error
	GetCode(ctx context.Context, phone string) (*models.VerificationCode, error)
	// ConsumeCode deletes and returns the stored code iff it equals code.
	ConsumeCode(ctx context.Context, phone, code string) (*models.VerificationCode, error)
	// DeleteExpired removes codes whose expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	HealthCheck(ctx context.Context) error
}
