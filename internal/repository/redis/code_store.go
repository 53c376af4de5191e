package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	red "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"phone-auth-service/internal/client"
	"phone-auth-service/internal/models"
	"phone-auth-service/internal/repository"
	"phone-auth-service/internal/util"
)

// Codes live in a hash per phone, timestamps in unix milliseconds. A sorted
// set scored by expiry lets the sweeper find expired phones.

var issueScript = red.NewScript(`
local created = redis.call('HGET', KEYS[1], 'created_at')
if created and (tonumber(ARGV[2]) - tonumber(created)) < tonumber(ARGV[4]) then
  return 0
end
redis.call('HSET', KEYS[1], 'code', ARGV[1], 'created_at', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[6])
return 1
`)

var consumeScript = red.NewScript(`
local stored = redis.call('HMGET', KEYS[1], 'code', 'created_at', 'expires_at')
if not stored[1] or stored[1] ~= ARGV[1] then
  return false
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return {stored[2], stored[3]}
`)

var sweepScript = red.NewScript(`
local phones = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local removed = 0
for _, phone in ipairs(phones) do
  local key = ARGV[2] .. phone
  local expires = redis.call('HGET', key, 'expires_at')
  if expires and tonumber(expires) < tonumber(ARGV[1]) then
    redis.call('DEL', key)
    removed = removed + 1
  end
  redis.call('ZREM', KEYS[1], phone)
end
return removed
`)

// keyGrace keeps a code key around slightly past the later of its expiry and
// the rate-limit window so both checks can still read it.
const keyGrace = time.Minute

type CodeStore struct {
	client *client.RedisClient
	prefix string
}

func NewCodeStore(client *client.RedisClient, prefix string) *CodeStore {
	if prefix == "" {
		prefix = "verification_code"
	}
	return &CodeStore{client: client, prefix: prefix}
}

func (s *CodeStore) codeKey(phone string) string {
	return s.prefix + ":" + phone
}

func (s *CodeStore) indexKey() string {
	return s.prefix + ":expiry"
}

func (s *CodeStore) IssueCode(ctx context.Context, code *models.VerificationCode, window time.Duration) error {
	ttl := code.ExpiresAt.Sub(code.CreatedAt)
	if window > ttl {
		ttl = window
	}
	ttl += keyGrace

	stored, err := s.client.RunScript(ctx, issueScript,
		[]string{s.codeKey(code.Phone), s.indexKey()},
		code.Code,
		code.CreatedAt.UnixMilli(),
		code.ExpiresAt.UnixMilli(),
		window.Milliseconds(),
		ttl.Milliseconds(),
		code.Phone,
	).Int()
	if err != nil {
		util.Error("Failed to issue verification code", util.Phone(code.Phone), zap.Error(err))
		return fmt.Errorf("issue code: %w", err)
	}
	if stored == 0 {
		return repository.ErrRecentlyIssued
	}
	return nil
}

func (s *CodeStore) GetCode(ctx context.Context, phone string) (*models.VerificationCode, error) {
	fields, err := s.client.HGetAll(ctx, s.codeKey(phone))
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}

	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("get code: created_at: %w", err)
	}
	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("get code: expires_at: %w", err)
	}

	return &models.VerificationCode{
		Phone:     phone,
		Code:      fields["code"],
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *CodeStore) ConsumeCode(ctx context.Context, phone, code string) (*models.VerificationCode, error) {
	values, err := s.client.RunScript(ctx, consumeScript,
		[]string{s.codeKey(phone), s.indexKey()},
		code,
		phone,
	).StringSlice()
	if errors.Is(err, red.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("consume code: unexpected reply of %d values", len(values))
	}

	createdAt, err := parseMillis(values[0])
	if err != nil {
		return nil, fmt.Errorf("consume code: created_at: %w", err)
	}
	expiresAt, err := parseMillis(values[1])
	if err != nil {
		return nil, fmt.Errorf("consume code: expires_at: %w", err)
	}

	return &models.VerificationCode{
		Phone:     phone,
		Code:      code,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *CodeStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed, err := s.client.RunScript(ctx, sweepScript,
		[]string{s.indexKey()},
		now.UnixMilli(),
		s.prefix+":",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return removed, nil
}

func (s *CodeStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
