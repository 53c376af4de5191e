package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"phone-auth-service/internal/models"
	"phone-auth-service/internal/repository"
)

type CodeStore struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

func NewCodeStore(exec pgExecutor) *CodeStore {
	return &CodeStore{exec: exec, builder: builder()}
}

// IssueCode upserts the phone's row. The conflict branch only fires when the
// stored code is at least window old, so a zero row count means rate limited.
func (s *CodeStore) IssueCode(ctx context.Context, code *models.VerificationCode, window time.Duration) error {
	query, args, err := s.builder.
		Insert("verification_codes").
		Columns("phone", "code", "created_at", "expires_at").
		Values(code.Phone, code.Code, code.CreatedAt, code.ExpiresAt).
		Suffix(`ON CONFLICT (phone) DO UPDATE
			SET code = EXCLUDED.code, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
			WHERE verification_codes.created_at <= ?`, code.CreatedAt.Add(-window)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build issue code: %w", err)
	}

	tag, err := s.exec.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("issue code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrRecentlyIssued
	}
	return nil
}

func (s *CodeStore) GetCode(ctx context.Context, phone string) (*models.VerificationCode, error) {
	query, args, err := s.builder.
		Select("phone", "code", "created_at", "expires_at").
		From("verification_codes").
		Where(squirrel.Eq{"phone": phone}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get code: %w", err)
	}

	var code models.VerificationCode
	err = s.exec.QueryRow(ctx, query, args...).Scan(&code.Phone, &code.Code, &code.CreatedAt, &code.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	return &code, nil
}

func (s *CodeStore) ConsumeCode(ctx context.Context, phone, code string) (*models.VerificationCode, error) {
	query, args, err := s.builder.
		Delete("verification_codes").
		Where(squirrel.And{squirrel.Eq{"phone": phone}, squirrel.Eq{"code": code}}).
		Suffix("RETURNING created_at, expires_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build consume code: %w", err)
	}

	consumed := models.VerificationCode{Phone: phone, Code: code}
	err = s.exec.QueryRow(ctx, query, args...).Scan(&consumed.CreatedAt, &consumed.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}
	return &consumed, nil
}

func (s *CodeStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	query, args, err := s.builder.
		Delete("verification_codes").
		Where(squirrel.Lt{"expires_at": now}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete expired: %w", err)
	}

	tag, err := s.exec.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *CodeStore) HealthCheck(ctx context.Context) error {
	return s.exec.Ping(ctx)
}
