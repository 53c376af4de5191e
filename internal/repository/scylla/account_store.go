package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"phone-auth-service/internal/bucketing"
	"phone-auth-service/internal/models"
	"phone-auth-service/internal/repository"
	"phone-auth-service/internal/util"
)

// AccountStore keeps accounts partitioned by a murmur3 bucket of the
// account id, with phone_to_account as the uniqueness index.
type AccountStore struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewAccountStore(client *ScyllaClient, buckets *bucketing.BucketingManager) *AccountStore {
	return &AccountStore{client: client, buckets: buckets}
}

// CreateAccount claims the phone with a lightweight transaction, then writes
// the account row. The claim is released if the account write fails.
func (s *AccountStore) CreateAccount(ctx context.Context, account *models.Account) error {
	bucket := s.buckets.AccountBucket(account.ID)

	existing := make(map[string]interface{})
	applied, err := s.client.Query(ctx,
		`INSERT INTO phone_to_account (phone, account_bucket, account_id, created_at)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		account.Phone, bucket, account.ID, account.CreatedAt,
	).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("claim phone: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}

	insert := s.client.Query(ctx,
		`INSERT INTO accounts (account_bucket, account_id, phone, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		bucket, account.ID, account.Phone, account.PasswordHash, account.CreatedAt,
	)
	if err := s.client.ExecuteWithRetry(ctx, insert, defaultRetries); err != nil {
		release := make(map[string]interface{})
		if _, relErr := s.client.Query(ctx,
			`DELETE FROM phone_to_account WHERE phone = ? IF account_id = ?`,
			account.Phone, account.ID,
		).MapScanCAS(release); relErr != nil {
			util.Error("Failed to release phone claim", util.Phone(account.Phone), zap.Error(relErr))
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

func (s *AccountStore) GetAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	var (
		bucket    int
		accountID string
	)
	err := s.client.ScanWithRetry(ctx, s.client.Query(ctx,
		`SELECT account_bucket, account_id FROM phone_to_account WHERE phone = ?`, phone,
	), &bucket, &accountID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup phone: %w", err)
	}

	account := &models.Account{ID: accountID}
	err = s.client.ScanWithRetry(ctx, s.client.Query(ctx,
		`SELECT phone, password_hash, created_at FROM accounts WHERE account_bucket = ? AND account_id = ?`,
		bucket, accountID,
	), &account.Phone, &account.PasswordHash, &account.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		// The claim exists but the account write has not landed or failed.
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

func (s *AccountStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
