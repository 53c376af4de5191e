package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/metrics"
	"phone-auth-service/internal/models"
	"phone-auth-service/internal/notify"
	"phone-auth-service/internal/repository"
	"phone-auth-service/internal/util"
)

const (
	DefaultCodeTTL         = 60 * time.Second
	DefaultRateLimitWindow = 60 * time.Second
	codeSpace              = 1_000_000
)

// CodeVerdict is the outcome of checking a submitted code.
type CodeVerdict int

const (
	VerdictValid CodeVerdict = iota
	VerdictNoMatch
	VerdictExpired
)

func (v CodeVerdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictExpired:
		return "expired"
	default:
		return "no_match"
	}
}

// CodeIssue is returned to callers in place of the code itself.
type CodeIssue struct {
	ExpiresIn time.Duration
	ExpiresAt time.Time
}

// CodeGenerator returns a fresh six-digit code.
type CodeGenerator func() (string, error)

// GenerateCode draws uniformly from 000000-999999.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

type VerificationOptions struct {
	CodeTTL         time.Duration
	RateLimitWindow time.Duration
}

// VerificationService issues, validates and expires one-time codes. All
// state lives in the CodeStore; rate limiting is derived from the stored
// creation time.
type VerificationService struct {
	codes    repository.CodeStore
	notifier notify.Notifier
	recorder *audit.Recorder
	metrics  *metrics.AuthMetrics
	logger   *zap.Logger
	codeTTL  time.Duration
	window   time.Duration
	now      func() time.Time
	generate CodeGenerator
}

func NewVerificationService(
	codes repository.CodeStore,
	notifier notify.Notifier,
	recorder *audit.Recorder,
	authMetrics *metrics.AuthMetrics,
	opts VerificationOptions,
	logger *zap.Logger,
) *VerificationService {
	if logger == nil {
		logger = util.Get()
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = DefaultCodeTTL
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = DefaultRateLimitWindow
	}
	return &VerificationService{
		codes:    codes,
		notifier: notifier,
		recorder: recorder,
		metrics:  authMetrics,
		logger:   logger,
		codeTTL:  opts.CodeTTL,
		window:   opts.RateLimitWindow,
		now:      time.Now,
		generate: GenerateCode,
	}
}

func (s *VerificationService) WithClock(now func() time.Time) *VerificationService {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *VerificationService) WithCodeGenerator(generate CodeGenerator) *VerificationService {
	if generate != nil {
		s.generate = generate
	}
	return s
}

// RequestCode issues a new code for phone, superseding any earlier one,
// unless a code was issued within the rate-limit window. The caller must
// have validated the phone format.
func (s *VerificationService) RequestCode(ctx context.Context, phone string) (*CodeIssue, error) {
	now := s.now()

	code, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	issued := &models.VerificationCode{
		Phone:     phone,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(s.codeTTL),
	}

	err = s.codes.IssueCode(ctx, issued, s.window)
	if errors.Is(err, repository.ErrRecentlyIssued) {
		s.metrics.CodeRequested("rate_limited")
		s.recorder.Record(ctx, models.AuthEvent{EventType: models.EventCodeRateLimited, Phone: phone})
		s.logger.Info("Verification code rate limited", util.Phone(phone))
		return nil, ErrRateLimited
	}
	if err != nil {
		s.metrics.CodeRequested("error")
		return nil, storageError("issue code", err)
	}

	s.metrics.CodeRequested("issued")
	s.recorder.Record(ctx, models.AuthEvent{EventType: models.EventCodeRequested, Phone: phone})

	if s.notifier != nil {
		if err := s.notifier.DeliverCode(ctx, phone, code, issued.ExpiresAt); err != nil {
			s.logger.Warn("Verification code delivery failed", util.Phone(phone), zap.Error(err))
		}
	}

	return &CodeIssue{ExpiresIn: s.codeTTL, ExpiresAt: issued.ExpiresAt}, nil
}

// ValidateAndConsume checks code against the stored one. A matching code is
// deleted whether or not it has expired; a mismatch leaves the store alone.
func (s *VerificationService) ValidateAndConsume(ctx context.Context, phone, code string) (CodeVerdict, error) {
	consumed, err := s.codes.ConsumeCode(ctx, phone, code)
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.CodeVerified(VerdictNoMatch.String())
		return VerdictNoMatch, nil
	}
	if err != nil {
		return VerdictNoMatch, storageError("consume code", err)
	}

	verdict := VerdictValid
	if consumed.StateAt(s.now()) == models.CodeExpired {
		verdict = VerdictExpired
	}
	s.metrics.CodeVerified(verdict.String())
	return verdict, nil
}

// Sweep removes codes whose expiry has passed. It is safe to run at any time.
func (s *VerificationService) Sweep(ctx context.Context) (int, error) {
	removed, err := s.codes.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, storageError("sweep codes", err)
	}
	if removed > 0 {
		s.metrics.Swept(removed)
		s.recorder.Record(ctx, models.AuthEvent{EventType: models.EventCodesSwept, Count: removed})
		s.logger.Debug("Expired verification codes swept", zap.Int("removed", removed))
	}
	return removed, nil
}

// StartSweeper sweeps once immediately and then every interval until ctx is
// done. The returned channel closes when the loop exits.
func (s *VerificationService) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		sweep := func() {
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Verification code sweep failed", zap.Error(err))
			}
		}

		sweep()
		if interval <= 0 {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
	return done
}
