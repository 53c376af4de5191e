package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"phone-auth-service/internal/config"
	"phone-auth-service/internal/util"
)

const (
	defaultRetries = 2
	// casAttempts bounds compare-and-set loops that lose races to other writers.
	casAttempts = 5
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS phone_to_account (
		phone text PRIMARY KEY,
		account_bucket int,
		account_id text,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		account_bucket int,
		account_id text,
		phone text,
		password_hash text,
		created_at timestamp,
		PRIMARY KEY ((account_bucket), account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS verification_codes (
		phone text PRIMARY KEY,
		code text,
		created_at timestamp,
		expires_at timestamp
	)`,
}

type ScyllaClient struct {
	Session *gocql.Session
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.UseTLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{Session: session}, nil
}

// EnsureSchema creates the tables in the session keyspace.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries transient failures with a linear backoff.
// Conditional statements must not go through here.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.WithContext(ctx).Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			if err := sleepContext(ctx, time.Duration(i+1)*100*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(ctx context.Context, query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i <= defaultRetries; i++ {
		lastErr = query.WithContext(ctx).Scan(dest...)
		if lastErr == nil || lastErr == gocql.ErrNotFound {
			return lastErr
		}
		if i < defaultRetries {
			if err := sleepContext(ctx, time.Duration(i+1)*100*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
