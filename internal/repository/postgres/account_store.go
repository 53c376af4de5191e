package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"phone-auth-service/internal/models"
	"phone-auth-service/internal/repository"
)

type AccountStore struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

func NewAccountStore(exec pgExecutor) *AccountStore {
	return &AccountStore{exec: exec, builder: builder()}
}

func (s *AccountStore) CreateAccount(ctx context.Context, account *models.Account) error {
	query, args, err := s.builder.
		Insert("accounts").
		Columns("id", "phone", "password_hash", "created_at").
		Values(account.ID, account.Phone, account.PasswordHash, account.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert account: %w", err)
	}

	if _, err := s.exec.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *AccountStore) GetAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	query, args, err := s.builder.
		Select("id", "phone", "password_hash", "created_at").
		From("accounts").
		Where(squirrel.Eq{"phone": phone}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select account: %w", err)
	}

	var account models.Account
	err = s.exec.QueryRow(ctx, query, args...).Scan(&account.ID, &account.Phone, &account.PasswordHash, &account.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}
	return &account, nil
}

func (s *AccountStore) HealthCheck(ctx context.Context) error {
	return s.exec.Ping(ctx)
}
