package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/metrics"
	"phone-auth-service/internal/models"
	"phone-auth-service/internal/repository"
	"phone-auth-service/internal/util"
)

const (
	MethodPassword = "password"
	MethodCode     = "code"
)

// PasswordHasher is satisfied by *hashing.Hasher.
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(password, encoded string) (bool, error)
}

// CodeVerifier is satisfied by *VerificationService.
type CodeVerifier interface {
	ValidateAndConsume(ctx context.Context, phone, code string) (CodeVerdict, error)
}

type RegisterRequest struct {
	Phone         string
	Code          string
	Password      string
	AgreedToTerms bool
}

type Credentials struct {
	Phone    string
	Password string
	Code     string
}

type AccountService struct {
	accounts repository.AccountStore
	codes    CodeVerifier
	hasher   PasswordHasher
	recorder *audit.Recorder
	metrics  *metrics.AuthMetrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewAccountService(
	accounts repository.AccountStore,
	codes CodeVerifier,
	hasher PasswordHasher,
	recorder *audit.Recorder,
	authMetrics *metrics.AuthMetrics,
	logger *zap.Logger,
) *AccountService {
	if logger == nil {
		logger = util.Get()
	}
	return &AccountService{
		accounts: accounts,
		codes:    codes,
		hasher:   hasher,
		recorder: recorder,
		metrics:  authMetrics,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (s *AccountService) WithClock(now func() time.Time) *AccountService {
	if now != nil {
		s.now = now
	}
	return s
}

// FindByPhone returns ErrNotRegistered when no account holds phone.
func (s *AccountService) FindByPhone(ctx context.Context, phone string) (*models.Account, error) {
	account, err := s.accounts.GetAccountByPhone(ctx, phone)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, storageError("find account", err)
	}
	return account, nil
}

// Register creates an account after consuming a valid verification code.
// The code is consumed before the duplicate check, so a register attempt for
// an existing phone still spends the code.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (*models.Account, error) {
	account, err := s.register(ctx, req)
	if err != nil {
		s.metrics.Registered(failureOutcome(err))
		s.recorder.Record(ctx, models.AuthEvent{
			EventType: models.EventRegisterFailure,
			Phone:     req.Phone,
			Method:    MethodCode,
			Reason:    failureOutcome(err),
		})
		return nil, err
	}

	s.metrics.Registered("success")
	s.recorder.Record(ctx, models.AuthEvent{
		EventType: models.EventRegisterSuccess,
		AccountID: account.ID,
		Phone:     account.Phone,
		Method:    MethodCode,
	})
	s.logger.Info("Account registered", zap.String("account_id", account.ID), util.Phone(account.Phone))
	return account, nil
}

func (s *AccountService) register(ctx context.Context, req RegisterRequest) (*models.Account, error) {
	if !req.AgreedToTerms {
		return nil, ErrTermsNotAccepted
	}

	if err := s.checkCode(ctx, req.Phone, req.Code); err != nil {
		return nil, err
	}

	_, err := s.FindByPhone(ctx, req.Phone)
	if err == nil {
		return nil, ErrPhoneAlreadyRegistered
	}
	if !errors.Is(err, ErrNotRegistered) {
		return nil, err
	}

	account := &models.Account{
		ID:        s.newID(),
		Phone:     req.Phone,
		CreatedAt: s.now().UTC(),
	}
	if req.Password != "" {
		hash, err := s.hasher.HashPassword(req.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		account.PasswordHash = hash
	}

	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrPhoneAlreadyRegistered
		}
		return nil, storageError("create account", err)
	}
	return account, nil
}

// Authenticate logs in with a password when one is supplied, otherwise with
// a verification code. A blank password counts as absent. A wrong password
// never falls back to the code.
func (s *AccountService) Authenticate(ctx context.Context, creds Credentials) (*models.Account, error) {
	method := MethodCode
	if strings.TrimSpace(creds.Password) != "" {
		method = MethodPassword
	}

	account, err := s.authenticate(ctx, creds, method)
	if err != nil {
		if errors.Is(err, ErrMissingCredential) {
			method = "none"
		}
		s.metrics.LoggedIn(method, failureOutcome(err))
		s.recorder.Record(ctx, models.AuthEvent{
			EventType: models.EventLoginFailure,
			Phone:     creds.Phone,
			Method:    method,
			Reason:    failureOutcome(err),
		})
		return nil, err
	}

	s.metrics.LoggedIn(method, "success")
	s.recorder.Record(ctx, models.AuthEvent{
		EventType: models.EventLoginSuccess,
		AccountID: account.ID,
		Phone:     account.Phone,
		Method:    method,
	})
	return account, nil
}

func (s *AccountService) authenticate(ctx context.Context, creds Credentials, method string) (*models.Account, error) {
	account, err := s.FindByPhone(ctx, creds.Phone)
	if err != nil {
		return nil, err
	}

	switch {
	case method == MethodPassword:
		if !account.HasPassword() {
			return nil, ErrWrongPassword
		}
		ok, err := s.hasher.VerifyPassword(creds.Password, account.PasswordHash)
		if err != nil {
			s.logger.Error("Stored password hash is unusable", zap.String("account_id", account.ID), zap.Error(err))
			return nil, fmt.Errorf("verify password: %w", err)
		}
		if !ok {
			return nil, ErrWrongPassword
		}
	case creds.Code != "":
		if err := s.checkCode(ctx, creds.Phone, creds.Code); err != nil {
			return nil, err
		}
	default:
		return nil, ErrMissingCredential
	}
	return account, nil
}

// EnsureAccount returns the account for phone, creating a passwordless one
// if none exists. Used to seed operator accounts at startup.
func (s *AccountService) EnsureAccount(ctx context.Context, phone string) (*models.Account, error) {
	account, err := s.FindByPhone(ctx, phone)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrNotRegistered) {
		return nil, err
	}

	account = &models.Account{ID: s.newID(), Phone: phone, CreatedAt: s.now().UTC()}
	err = s.accounts.CreateAccount(ctx, account)
	if errors.Is(err, repository.ErrConflict) {
		return s.FindByPhone(ctx, phone)
	}
	if err != nil {
		return nil, storageError("seed account", err)
	}
	return account, nil
}

func (s *AccountService) checkCode(ctx context.Context, phone, code string) error {
	verdict, err := s.codes.ValidateAndConsume(ctx, phone, code)
	if err != nil {
		return err
	}
	switch verdict {
	case VerdictValid:
		return nil
	case VerdictExpired:
		return ErrCodeExpired
	default:
		return ErrCodeInvalid
	}
}

// failureOutcome maps an error to a low-cardinality label.
func failureOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTermsNotAccepted):
		return "terms_not_accepted"
	case errors.Is(err, ErrCodeInvalid):
		return "code_invalid"
	case errors.Is(err, ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, ErrPhoneAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	default:
		return "internal_error"
	}
}
