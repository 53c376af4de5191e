package memory

import (
	"context"
	"sync"
	"time"

	"phone-auth-service/internal/models"
	"phone-auth-service/internal/repository"
)

// Store keeps accounts and codes in process memory. It serves development
// and tests; everything is lost on restart.
type Store struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	codes    map[string]models.VerificationCode
}

func New() *Store {
	return &Store{
		accounts: make(map[string]models.Account),
		codes:    make(map[string]models.VerificationCode),
	}
}

func (s *Store) CreateAccount(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.Phone]; exists {
		return repository.ErrConflict
	}
	s.accounts[account.Phone] = *account
	return nil
}

func (s *Store) GetAccountByPhone(_ context.Context, phone string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[phone]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &account, nil
}

func (s *Store) IssueCode(_ context.Context, code *models.VerificationCode, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.codes[code.Phone]; ok && existing.IssuedWithin(code.CreatedAt, window) {
		return repository.ErrRecentlyIssued
	}
	s.codes[code.Phone] = *code
	return nil
}

func (s *Store) GetCode(_ context.Context, phone string) (*models.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[phone]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &code, nil
}

func (s *Store) ConsumeCode(_ context.Context, phone, code string) (*models.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[phone]
	if !ok || stored.Code != code {
		return nil, repository.ErrNotFound
	}
	delete(s.codes, phone)
	return &stored, nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for phone, code := range s.codes {
		if code.ExpiresAt.Before(now) {
			delete(s.codes, phone)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) HealthCheck(context.Context) error {
	return nil
}
