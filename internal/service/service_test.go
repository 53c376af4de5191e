package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/bucketing"
	"phone-auth-service/internal/client"
	"phone-auth-service/internal/config"
	"phone-auth-service/internal/hashing"
	"phone-auth-service/internal/models"
	"phone-auth-service/internal/repository"
	"phone-auth-service/internal/repository/memory"
	redisstore "phone-auth-service/internal/repository/redis"
)

const (
	phoneA = "13812345678"
	phoneD = "13800138000"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (n *captureNotifier) DeliverCode(_ context.Context, phone, code string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codes == nil {
		n.codes = make(map[string]string)
	}
	n.codes[phone] = code
	return n.err
}

func (n *captureNotifier) last(phone string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[phone]
}

type captureSink struct {
	mu     sync.Mutex
	events []models.AuthEvent
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Write(_ context.Context, event models.AuthEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) types() []models.AuthEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuthEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

type fixture struct {
	clock        *testClock
	codes        repository.CodeStore
	accounts     repository.AccountStore
	notifier     *captureNotifier
	sink         *captureSink
	verification *VerificationService
	accountSvc   *AccountService
}

func testHasher(t *testing.T) *hashing.Hasher {
	t.Helper()
	h, err := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Pepper:            "test-pepper",
		PepperVersion:     1,
	})
	require.NoError(t, err)
	return h
}

func newFixture(t *testing.T, codes repository.CodeStore, accounts repository.AccountStore) *fixture {
	t.Helper()

	clock := newTestClock()
	sink := &captureSink{}
	buckets := bucketing.NewBucketingManager(config.BucketingConfig{AccountBuckets: 4, EventBuckets: 4})
	recorder := audit.NewRecorder(buckets, zap.NewNop(), sink).WithClock(clock.Now)
	notifier := &captureNotifier{}

	factory := NewServiceFactory(Dependencies{
		Accounts: accounts,
		Codes:    codes,
		Hasher:   testHasher(t),
		Notifier: notifier,
		Recorder: recorder,
		Verification: config.VerificationConfig{
			CodeTTL:         60 * time.Second,
			RateLimitWindow: 60 * time.Second,
		},
		Clock: clock.Now,
	}, zap.NewNop())

	return &fixture{
		clock:        clock,
		codes:        codes,
		accounts:     accounts,
		notifier:     notifier,
		sink:         sink,
		verification: factory.VerificationService(),
		accountSvc:   factory.AccountService(),
	}
}

func newMemoryFixture(t *testing.T) *fixture {
	store := memory.New()
	return newFixture(t, store, store)
}

func newRedisFixture(t *testing.T) *fixture {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	rdb := red.NewClient(&red.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		server.Close()
	})

	codes := redisstore.NewCodeStore(client.NewRedisClientFrom(rdb), "vc")
	return newFixture(t, codes, memory.New())
}

// backends runs fn against every code store that can be exercised in-process.
func backends(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryFixture(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisFixture(t)) })
}

func (f *fixture) storeCode(t *testing.T, phone, code string, ttl time.Duration) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.codes.IssueCode(context.Background(), &models.VerificationCode{
		Phone:     phone,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, time.Minute))
}

func TestGenerateCodeFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^\d{6}$`)
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
	}
}

func TestRequestCode_RateLimit(t *testing.T) {
	backends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		issue, err := f.verification.RequestCode(ctx, phoneA)
		require.NoError(t, err)
		assert.Equal(t, 60*time.Second, issue.ExpiresIn)
		assert.True(t, issue.ExpiresAt.Equal(f.clock.Now().Add(time.Minute)))
		assert.Regexp(t, `^\d{6}$`, f.notifier.last(phoneA))

		_, err = f.verification.RequestCode(ctx, phoneA)
		assert.ErrorIs(t, err, ErrRateLimited)

		f.clock.Advance(59 * time.Second)
		_, err = f.verification.RequestCode(ctx, phoneA)
		assert.ErrorIs(t, err, ErrRateLimited)

		f.clock.Advance(time.Second)
		_, err = f.verification.RequestCode(ctx, phoneA)
		assert.NoError(t, err)

		// Other phones are unaffected.
		_, err = f.verification.RequestCode(ctx, phoneD)
		assert.NoError(t, err)

		assert.Contains(t, f.sink.types(), models.EventCodeRateLimited)
	})
}

func TestRequestCode_SupersedesEarlierCode(t *testing.T) {
	backends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		codes := []string{"111111", "222222"}
		next := 0
		f.verification.WithCodeGenerator(func() (string, error) {
			code := codes[next]
			next++
			return code, nil
		})

		_, err := f.verification.RequestCode(ctx, phoneA)
		require.NoError(t, err)
		f.clock.Advance(90 * time.Second)
		_, err = f.verification.RequestCode(ctx, phoneA)
		require.NoError(t, err)

		verdict, err := f.verification.ValidateAndConsume(ctx, phoneA, "111111")
		require.NoError(t, err)
		assert.Equal(t, VerdictNoMatch, verdict)

		verdict, err = f.verification.ValidateAndConsume(ctx, phoneA, "222222")
		require.NoError(t, err)
		assert.Equal(t, VerdictValid, verdict)
	})
}

func TestRequestCode_DeliveryFailureIsNotFatal(t *testing.T) {
	f := newMemoryFixture(t)
	f.notifier.err = errors.New("gateway down")

	_, err := f.verification.RequestCode(context.Background(), phoneA)
	require.NoError(t, err)

	_, err = f.codes.GetCode(context.Background(), phoneA)
	assert.NoError(t, err)
}

func TestValidateAndConsume_SingleUse(t *testing.T) {
	backends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.storeCode(t, phoneA, "123456", time.Minute)

		verdict, err := f.verification.ValidateAndConsume(ctx, phoneA, "123456")
		require.NoError(t, err)
		assert.Equal(t, VerdictValid, verdict)

		verdict, err = f.verification.ValidateAndConsume(ctx, phoneA, "123456")
		require.NoError(t, err)
		assert.Equal(t, VerdictNoMatch, verdict)
	})
}

func TestValidateAndConsume_ExpiryBoundary(t *testing.T) {
	backends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		f.storeCode(t, phoneA, "123456", time.Minute)
		f.clock.Advance(59*time.Second + 999*time.Millisecond)
		verdict, err := f.verification.ValidateAndConsume(ctx, phoneA, "123456")
		require.NoError(t, err)
		assert.Equal(t, VerdictValid, verdict)

		f.storeCode(t, phoneD, "654321", time.Minute)
		f.clock.Advance(time.Minute)
		verdict, err = f.verification.ValidateAndConsume(ctx, phoneD, "654321")
		require.NoError(t, err)
		assert.Equal(t, VerdictExpired, verdict)

		verdict, err = f.verification.ValidateAndConsume(ctx, phoneD, "654321")
		require.NoError(t, err)
		assert.Equal(t, VerdictNoMatch, verdict)
	})
}

func TestValidateAndConsume_PastExpiry(t *testing.T) {
	backends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		now := f.clock.Now()
		require.NoError(t, f.codes.IssueCode(ctx, &models.VerificationCode{
			Phone:     phoneA,
			Code:      "123456",
			CreatedAt: now.Add(-2 * time.Minute),
			ExpiresAt: now.Add(-time.Minute),
		}, time.Minute))

		verdict, err := f.verification.ValidateAndConsume(ctx, phoneA, "123456")
		require.NoError(t, err)
		assert.Equal(t, VerdictExpired, verdict)

		_, err = f.codes.GetCode(ctx, phoneA)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestValidateAndConsume_MismatchKeepsCode(t *testing.T) {
	backends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.storeCode(t, phoneA, "123456", time.Minute)

		for _, wrong := range []string{"000000", "", "12345"} {
			verdict, err := f.verification.ValidateAndConsume(ctx, phoneA, wrong)
			require.NoError(t, err)
			assert.Equal(t, VerdictNoMatch, verdict)
		}

		verdict, err := f.verification.ValidateAndConsume(ctx, phoneA, "123456")
		require.NoError(t, err)
		assert.Equal(t, VerdictValid, verdict)
	})
}

func TestValidateAndConsume_ConcurrentCallersGetOneValid(t *testing.T) {
	backends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.storeCode(t, phoneA, "123456", time.Minute)

		const callers = 16
		verdicts := make(chan CodeVerdict, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				verdict, err := f.verification.ValidateAndConsume(ctx, phoneA, "123456")
				if err == nil {
					verdicts <- verdict
				}
			}()
		}
		wg.Wait()
		close(verdicts)

		valid := 0
		for v := range verdicts {
			if v == VerdictValid {
				valid++
			}
		}
		assert.Equal(t, 1, valid)
	})
}

func TestSweep(t *testing.T) {
	backends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.storeCode(t, phoneA, "123456", time.Minute)
		f.storeCode(t, phoneD, "654321", 5*time.Minute)

		removed, err := f.verification.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, removed)

		f.clock.Advance(2 * time.Minute)
		removed, err = f.verification.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = f.codes.GetCode(ctx, phoneA)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = f.codes.GetCode(ctx, phoneD)
		assert.NoError(t, err)

		assert.Contains(t, f.sink.types(), models.EventCodesSwept)
	})
}

func TestStartSweeperStopsWithContext(t *testing.T) {
	f := newMemoryFixture(t)
	f.storeCode(t, phoneA, "123456", time.Minute)
	f.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := f.verification.StartSweeper(ctx, time.Hour)

	require.Eventually(t, func() bool {
		_, err := f.codes.GetCode(context.Background(), phoneA)
		return errors.Is(err, repository.ErrNotFound)
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRegister(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.storeCode(t, phoneD, "123456", time.Minute)

	account, err := f.accountSvc.Register(ctx, RegisterRequest{
		Phone:         phoneD,
		Code:          "123456",
		Password:      "secret1",
		AgreedToTerms: true,
	})
	require.NoError(t, err)
	assert.Equal(t, phoneD, account.Phone)
	assert.NotEmpty(t, account.ID)
	assert.True(t, account.CreatedAt.Equal(f.clock.Now()))
	assert.True(t, account.HasPassword())
	assert.NotContains(t, account.PasswordHash, "secret1")

	found, err := f.accountSvc.FindByPhone(ctx, phoneD)
	require.NoError(t, err)
	assert.Equal(t, account.ID, found.ID)

	f.clock.Advance(2 * time.Minute)
	f.storeCode(t, phoneD, "777777", time.Minute)
	_, err = f.accountSvc.Register(ctx, RegisterRequest{
		Phone:         phoneD,
		Code:          "777777",
		AgreedToTerms: true,
	})
	assert.ErrorIs(t, err, ErrPhoneAlreadyRegistered)

	// The fresh code was spent by the failed attempt.
	_, err = f.codes.GetCode(ctx, phoneD)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.Equal(t, []models.AuthEventType{
		models.EventRegisterSuccess,
		models.EventRegisterFailure,
	}, f.sink.types())
}

func TestRegister_TermsGateKeepsCode(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.storeCode(t, phoneD, "123456", time.Minute)

	_, err := f.accountSvc.Register(ctx, RegisterRequest{Phone: phoneD, Code: "123456", Password: "secret1"})
	assert.ErrorIs(t, err, ErrTermsNotAccepted)

	_, err = f.codes.GetCode(ctx, phoneD)
	assert.NoError(t, err)
	_, err = f.accountSvc.FindByPhone(ctx, phoneD)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegister_CodeFailures(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	_, err := f.accountSvc.Register(ctx, RegisterRequest{Phone: phoneD, Code: "123456", AgreedToTerms: true})
	assert.ErrorIs(t, err, ErrCodeInvalid)

	f.storeCode(t, phoneD, "123456", time.Minute)
	f.clock.Advance(time.Minute)
	_, err = f.accountSvc.Register(ctx, RegisterRequest{Phone: phoneD, Code: "123456", AgreedToTerms: true})
	assert.ErrorIs(t, err, ErrCodeExpired)

	_, err = f.accountSvc.FindByPhone(ctx, phoneD)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegister_WithoutPassword(t *testing.T) {
	f := newMemoryFixture(t)
	f.storeCode(t, phoneD, "123456", time.Minute)

	account, err := f.accountSvc.Register(context.Background(), RegisterRequest{
		Phone:         phoneD,
		Code:          "123456",
		AgreedToTerms: true,
	})
	require.NoError(t, err)
	assert.False(t, account.HasPassword())
}

func TestRegister_ConcurrentAttemptsCreateOneAccount(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	const attempts = 8

	// alwaysValid skips the code check so the race is on account creation.
	racer := NewAccountService(store, alwaysValid{}, testHasher(t), nil, nil, zap.NewNop())
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := racer.Register(ctx, RegisterRequest{Phone: phoneD, Code: "123456", AgreedToTerms: true})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrPhoneAlreadyRegistered)
	}
	assert.Equal(t, 1, succeeded)
}

type alwaysValid struct{}

func (alwaysValid) ValidateAndConsume(context.Context, string, string) (CodeVerdict, error) {
	return VerdictValid, nil
}

func registerWithPassword(t *testing.T, f *fixture, phone, password string) *models.Account {
	t.Helper()
	f.storeCode(t, phone, "123456", time.Minute)
	account, err := f.accountSvc.Register(context.Background(), RegisterRequest{
		Phone:         phone,
		Code:          "123456",
		Password:      password,
		AgreedToTerms: true,
	})
	require.NoError(t, err)
	return account
}

func TestAuthenticate_Password(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	account := registerWithPassword(t, f, phoneA, "right")

	_, err := f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Password: "wrong"})
	assert.ErrorIs(t, err, ErrWrongPassword)

	got, err := f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Password: "right"})
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)
}

func TestAuthenticate_WrongPasswordDoesNotFallBackToCode(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	registerWithPassword(t, f, phoneA, "right")

	f.clock.Advance(2 * time.Minute)
	f.storeCode(t, phoneA, "654321", time.Minute)

	_, err := f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Password: "wrong", Code: "654321"})
	assert.ErrorIs(t, err, ErrWrongPassword)

	// The code is untouched and still logs in on its own.
	_, err = f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Code: "654321"})
	assert.NoError(t, err)
}

func TestAuthenticate_BlankPasswordUsesCode(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	registerWithPassword(t, f, phoneA, "right")

	f.clock.Advance(2 * time.Minute)
	f.storeCode(t, phoneA, "654321", time.Minute)

	account, err := f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Password: " \t ", Code: "654321"})
	require.NoError(t, err)
	assert.Equal(t, phoneA, account.Phone)
}

func TestAuthenticate_Code(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	registerWithPassword(t, f, phoneA, "")

	f.clock.Advance(2 * time.Minute)
	f.storeCode(t, phoneA, "654321", time.Minute)

	_, err := f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Code: "000000"})
	assert.ErrorIs(t, err, ErrCodeInvalid)

	_, err = f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Code: "654321"})
	require.NoError(t, err)

	_, err = f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Code: "654321"})
	assert.ErrorIs(t, err, ErrCodeInvalid)

	f.clock.Advance(2 * time.Minute)
	f.storeCode(t, phoneA, "111111", time.Minute)
	f.clock.Advance(time.Minute)
	_, err = f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Code: "111111"})
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestAuthenticate_Failures(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	_, err := f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Password: "whatever"})
	assert.ErrorIs(t, err, ErrNotRegistered)

	registerWithPassword(t, f, phoneA, "")

	_, err = f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA})
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Password: "anything"})
	assert.ErrorIs(t, err, ErrWrongPassword, "accounts without a password reject password login")
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	first, err := f.accountSvc.EnsureAccount(ctx, phoneA)
	require.NoError(t, err)
	second, err := f.accountSvc.EnsureAccount(ctx, phoneA)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.HasPassword())
}

type failingStore struct{ err error }

func (s failingStore) CreateAccount(context.Context, *models.Account) error { return s.err }
func (s failingStore) GetAccountByPhone(context.Context, string) (*models.Account, error) {
	return nil, s.err
}
func (s failingStore) IssueCode(context.Context, *models.VerificationCode, time.Duration) error {
	return s.err
}
func (s failingStore) GetCode(context.Context, string) (*models.VerificationCode, error) {
	return nil, s.err
}
func (s failingStore) ConsumeCode(context.Context, string, string) (*models.VerificationCode, error) {
	return nil, s.err
}
func (s failingStore) DeleteExpired(context.Context, time.Time) (int, error) { return 0, s.err }
func (s failingStore) HealthCheck(context.Context) error                     { return s.err }

func TestStorageFailuresAreWrapped(t *testing.T) {
	cause := errors.New("connection refused")
	store := failingStore{err: cause}
	f := newFixture(t, store, store)
	ctx := context.Background()

	_, err := f.verification.RequestCode(ctx, phoneA)
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.ErrorIs(t, err, cause)

	_, err = f.verification.ValidateAndConsume(ctx, phoneA, "123456")
	assert.ErrorIs(t, err, ErrStorageFailure)

	_, err = f.verification.Sweep(ctx)
	assert.ErrorIs(t, err, ErrStorageFailure)

	_, err = f.accountSvc.FindByPhone(ctx, phoneA)
	assert.ErrorIs(t, err, ErrStorageFailure)

	_, err = f.accountSvc.Authenticate(ctx, Credentials{Phone: phoneA, Password: "secret1"})
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.NotErrorIs(t, err, ErrNotRegistered)
}

func TestRateLimitIsLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := memory.New()
	clock := newTestClock()
	svc := NewVerificationService(store, nil, nil, nil, VerificationOptions{}, zap.New(core)).WithClock(clock.Now)

	_, err := svc.RequestCode(context.Background(), phoneA)
	require.NoError(t, err)
	_, err = svc.RequestCode(context.Background(), phoneA)
	require.ErrorIs(t, err, ErrRateLimited)

	entries := logs.FilterMessage("Verification code rate limited").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "138****5678", entries[0].ContextMap()["phone"])
}
