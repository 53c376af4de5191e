package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"phone-auth-service/internal/models"
	"phone-auth-service/internal/repository"
)

var errContention = errors.New("verification code row under contention")

// CodeStore keeps one row per phone and relies on lightweight transactions
// for the atomic issue and consume paths.
type CodeStore struct {
	client *ScyllaClient
}

func NewCodeStore(client *ScyllaClient) *CodeStore {
	return &CodeStore{client: client}
}

func rowTTL(code *models.VerificationCode, window time.Duration) int {
	ttl := code.ExpiresAt.Sub(code.CreatedAt)
	if window > ttl {
		ttl = window
	}
	return int((ttl + time.Minute).Seconds())
}

func (s *CodeStore) IssueCode(ctx context.Context, code *models.VerificationCode, window time.Duration) error {
	ttl := rowTTL(code, window)

	for attempt := 0; attempt < casAttempts; attempt++ {
		existing := make(map[string]interface{})
		applied, err := s.client.Query(ctx,
			`INSERT INTO verification_codes (phone, code, created_at, expires_at)
			VALUES (?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,
			code.Phone, code.Code, code.CreatedAt, code.ExpiresAt, ttl,
		).MapScanCAS(existing)
		if err != nil {
			return fmt.Errorf("insert code: %w", err)
		}
		if applied {
			return nil
		}

		previous, ok := existing["created_at"].(time.Time)
		if !ok {
			continue
		}
		if code.CreatedAt.Sub(previous) < window {
			return repository.ErrRecentlyIssued
		}

		replaced := make(map[string]interface{})
		applied, err = s.client.Query(ctx,
			`UPDATE verification_codes USING TTL ?
			SET code = ?, created_at = ?, expires_at = ?
			WHERE phone = ? IF created_at = ?`,
			ttl, code.Code, code.CreatedAt, code.ExpiresAt, code.Phone, previous,
		).MapScanCAS(replaced)
		if err != nil {
			return fmt.Errorf("replace code: %w", err)
		}
		if applied {
			return nil
		}
	}
	return errContention
}

func (s *CodeStore) GetCode(ctx context.Context, phone string) (*models.VerificationCode, error) {
	code := &models.VerificationCode{Phone: phone}
	err := s.client.ScanWithRetry(ctx, s.client.Query(ctx,
		`SELECT code, created_at, expires_at FROM verification_codes WHERE phone = ?`, phone,
	), &code.Code, &code.CreatedAt, &code.ExpiresAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	return code, nil
}

// ConsumeCode deletes the row only if it still holds the same code and
// creation time that were read, so a concurrent reissue is never consumed.
func (s *CodeStore) ConsumeCode(ctx context.Context, phone, code string) (*models.VerificationCode, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		stored, err := s.GetCode(ctx, phone)
		if err != nil {
			return nil, err
		}
		if stored.Code != code {
			return nil, repository.ErrNotFound
		}

		current := make(map[string]interface{})
		applied, err := s.client.Query(ctx,
			`DELETE FROM verification_codes WHERE phone = ? IF code = ? AND created_at = ?`,
			phone, code, stored.CreatedAt,
		).MapScanCAS(current)
		if err != nil {
			return nil, fmt.Errorf("consume code: %w", err)
		}
		if applied {
			return stored, nil
		}
	}
	return nil, errContention
}

func (s *CodeStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	iter := s.client.Query(ctx,
		`SELECT phone FROM verification_codes WHERE expires_at < ? ALLOW FILTERING`, now,
	).Iter()

	var (
		phone  string
		phones []string
	)
	for iter.Scan(&phone) {
		phones = append(phones, phone)
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("scan expired codes: %w", err)
	}

	removed := 0
	for _, p := range phones {
		current := make(map[string]interface{})
		applied, err := s.client.Query(ctx,
			`DELETE FROM verification_codes WHERE phone = ? IF expires_at < ?`, p, now,
		).MapScanCAS(current)
		if err != nil {
			return removed, fmt.Errorf("delete expired code: %w", err)
		}
		if applied {
			removed++
		}
	}
	return removed, nil
}

func (s *CodeStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
