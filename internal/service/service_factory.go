package service

import (
	"time"

	"go.uber.org/zap"

	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/config"
	"phone-auth-service/internal/metrics"
	"phone-auth-service/internal/notify"
	"phone-auth-service/internal/repository"
)

// Dependencies collects what the services are built from.
type Dependencies struct {
	Accounts     repository.AccountStore
	Codes        repository.CodeStore
	Hasher       PasswordHasher
	Notifier     notify.Notifier
	Recorder     *audit.Recorder
	Metrics      *metrics.AuthMetrics
	Verification config.VerificationConfig
	Clock        func() time.Time
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps                Dependencies
	logger              *zap.Logger
	verificationService *VerificationService
	accountService      *AccountService
}

func NewServiceFactory(deps Dependencies, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{deps: deps, logger: logger}
}

// VerificationService returns the verification service instance (singleton)
func (f *ServiceFactory) VerificationService() *VerificationService {
	if f.verificationService == nil {
		f.verificationService = NewVerificationService(
			f.deps.Codes,
			f.deps.Notifier,
			f.deps.Recorder,
			f.deps.Metrics,
			VerificationOptions{
				CodeTTL:         f.deps.Verification.CodeTTL,
				RateLimitWindow: f.deps.Verification.RateLimitWindow,
			},
			f.logger,
		).WithClock(f.deps.Clock)
	}
	return f.verificationService
}

// AccountService returns the account service instance (singleton)
func (f *ServiceFactory) AccountService() *AccountService {
	if f.accountService == nil {
		f.accountService = NewAccountService(
			f.deps.Accounts,
			f.VerificationService(),
			f.deps.Hasher,
			f.deps.Recorder,
			f.deps.Metrics,
			f.logger,
		).WithClock(f.deps.Clock)
	}
	return f.accountService
}
