package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/bucketing"
	"phone-auth-service/internal/client"
	"phone-auth-service/internal/config"
	"phone-auth-service/internal/encryption"
	"phone-auth-service/internal/handler"
	"phone-auth-service/internal/hashing"
	"phone-auth-service/internal/metrics"
	"phone-auth-service/internal/notify"
	"phone-auth-service/internal/repository"
	"phone-auth-service/internal/repository/memory"
	"phone-auth-service/internal/repository/postgres"
	redisstore "phone-auth-service/internal/repository/redis"
	"phone-auth-service/internal/repository/scylla"
	"phone-auth-service/internal/service"
	"phone-auth-service/internal/token"
	"phone-auth-service/internal/util"
)

const initTimeout = 30 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config
	logger *zap.Logger

	// Clients, opened only when the config asks for them
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	pgPool           *pgxpool.Pool
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	tokenIssuer       *token.Issuer

	registry    *prometheus.Registry
	authMetrics *metrics.AuthMetrics
	httpMetrics *metrics.HTTPMetrics

	accountStore repository.AccountStore
	codeStore    repository.CodeStore
	healthChecks map[string]handler.HealthChecker

	recorder       *audit.Recorder
	notifier       notify.Notifier
	serviceFactory *service.ServiceFactory

	sweeperCancel context.CancelFunc
	sweeperDone   <-chan struct{}

	closeOnce sync.Once
}

// NewFactory loads configuration and builds every dependency. On failure
// anything already opened is closed.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config:       cfg,
		logger:       logger,
		healthChecks: make(map[string]handler.HealthChecker),
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"clients", f.initializeClients},
		{"managers", f.initializeManagers},
		{"metrics", f.initializeMetrics},
		{"stores", f.initializeStores},
		{"audit", f.initializeAudit},
		{"notifier", f.initializeNotifier},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	f.serviceFactory = service.NewServiceFactory(service.Dependencies{
		Accounts:     f.accountStore,
		Codes:        f.codeStore,
		Hasher:       f.hasher,
		Notifier:     f.notifier,
		Recorder:     f.recorder,
		Metrics:      f.authMetrics,
		Verification: cfg.Verification,
	}, logger)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_driver", cfg.Storage.Driver),
		util.String("code_backend", cfg.CodeStoreBackend()),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", f.esClient != nil),
		util.Bool("clickhouse_enabled", f.clickhouseClient != nil),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

// initializeClients opens the storage clients the driver needs, then the
// optional event clients. Optional clients that fail are skipped outside
// production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.pgPool = pool
	case config.DriverScylla:
		scyllaClient, err := scylla.NewScyllaClient(cfg)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
	}

	if cfg.CodeStoreBackend() == config.CodeBackendRedis {
		redisClient, err := client.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
		if err := redisClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
	}

	var optionalErrors []error

	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			f.healthChecks["kafka"] = producer
		}
	}

	if cfg.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(cfg); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := esClient.HealthCheck(ctx); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = esClient
			f.healthChecks["elasticsearch"] = esClient
		}
	}

	if cfg.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(cfg); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
			f.healthChecks["clickhouse"] = chClient
		}
	}

	if len(optionalErrors) > 0 {
		if cfg.IsProduction() {
			return errors.Join(optionalErrors...)
		}
		for _, err := range optionalErrors {
			util.Warn("Optional client unavailable, continuing without it", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config.Hashing)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsAPI = kmsClient
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config.KMS, kmsAPI)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)

	f.tokenIssuer, err = token.NewIssuer(f.config.JWT)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", hasher.PepperVersion()),
		util.Int("account_buckets", f.bucketingManager.AccountBuckets()),
		util.Bool("kms_enabled", kmsAPI != nil),
	)
	return nil
}

func (f *Factory) initializeMetrics(context.Context) error {
	f.registry = prometheus.NewRegistry()
	f.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	if f.authMetrics, err = metrics.NewAuthMetrics(f.registry); err != nil {
		return err
	}
	if f.httpMetrics, err = metrics.NewHTTPMetrics(f.registry); err != nil {
		return err
	}
	return nil
}

func (f *Factory) initializeStores(ctx context.Context) error {
	switch f.config.Storage.Driver {
	case config.DriverMemory:
		store := memory.New()
		f.accountStore, f.codeStore = store, store
	case config.DriverPostgres:
		if err := postgres.EnsureSchema(ctx, f.pgPool); err != nil {
			return err
		}
		f.accountStore = postgres.NewAccountStore(f.pgPool)
		f.codeStore = postgres.NewCodeStore(f.pgPool)
	case config.DriverScylla:
		if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
			return err
		}
		f.accountStore = scylla.NewAccountStore(f.scyllaClient, f.bucketingManager)
		f.codeStore = scylla.NewCodeStore(f.scyllaClient)
	default:
		return fmt.Errorf("unknown storage driver %q", f.config.Storage.Driver)
	}

	if f.redisClient != nil {
		f.codeStore = redisstore.NewCodeStore(f.redisClient, f.config.Redis.KeyPrefix)
	}

	f.healthChecks["accounts"] = f.accountStore
	f.healthChecks["codes"] = f.codeStore
	return nil
}

func (f *Factory) initializeAudit(ctx context.Context) error {
	var sinks []audit.Sink

	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
	}
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.Table)
		if err := sink.EnsureTable(ctx); err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("clickhouse audit table: %w", err)
			}
			util.Warn("ClickHouse audit sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	if f.kafkaProducer != nil && f.config.Kafka.EventsTopic != "" {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.EventsTopic))
	}

	f.recorder = audit.NewRecorder(f.bucketingManager, f.logger, sinks...)
	return nil
}

// initializeNotifier picks the code delivery channel. Production requires
// Kafka; other environments also print codes to the log.
func (f *Factory) initializeNotifier(context.Context) error {
	var notifiers notify.Multi

	if f.kafkaProducer != nil {
		notifiers = append(notifiers, notify.NewKafkaNotifier(f.kafkaProducer, f.encryptionManager, f.config.Kafka.SMSTopic))
	}
	if !f.config.IsProduction() {
		notifiers = append(notifiers, notify.NewLogNotifier(f.logger))
	}

	switch len(notifiers) {
	case 0:
		return errors.New("no verification code delivery channel: enable Kafka")
	case 1:
		f.notifier = notifiers[0]
	default:
		f.notifier = notifiers
	}
	return nil
}

// Seed creates passwordless accounts for the configured phones.
func (f *Factory) Seed(ctx context.Context) error {
	accounts := f.serviceFactory.AccountService()
	for _, phone := range f.config.Seed.Phones {
		if !util.ValidPhone(phone) {
			util.Warn("Skipping invalid seed phone", util.Phone(phone))
			continue
		}
		account, err := accounts.EnsureAccount(ctx, phone)
		if err != nil {
			return fmt.Errorf("seed %s: %w", util.MaskPhone(phone), err)
		}
		util.Info("Seed account ready", util.String("account_id", account.ID), util.Phone(phone))
	}
	return nil
}

// StartSweeper runs the expired-code sweeper until Close.
func (f *Factory) StartSweeper() {
	if f.sweeperCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.sweeperCancel = cancel
	f.sweeperDone = f.serviceFactory.VerificationService().StartSweeper(ctx, f.config.Verification.SweepInterval)
	util.Info("Verification code sweeper started", util.Duration("interval", f.config.Verification.SweepInterval))
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() http.Handler {
	authHandler := handler.NewAuthHandler(
		f.serviceFactory.VerificationService(),
		f.serviceFactory.AccountService(),
		f.tokenIssuer,
		f.logger,
	)
	return handler.NewRouter(authHandler, handler.RouterOptions{
		AllowedOrigins: f.config.Server.AllowedOrigins,
		HTTPMetrics:    f.httpMetrics,
		MetricsHandler: promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{Registry: f.registry}),
		HealthChecks:   f.healthChecks,
	}, f.logger)
}

// HealthCheck probes every dependency concurrently and reports the failing
// ones by name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var (
		mu           sync.Mutex
		healthErrors = make(map[string]error)
		g            errgroup.Group
	)
	for name, check := range f.healthChecks {
		name, check := name, check
		g.Go(func() error {
			if err := check.HealthCheck(ctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return healthErrors
}

// Close stops the sweeper and releases clients in reverse order of opening.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.sweeperCancel != nil {
			f.sweeperCancel()
			<-f.sweeperDone
			util.Info("Verification code sweeper stopped")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.pgPool != nil {
			f.pgPool.Close()
			util.Info("Postgres pool closed")
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}
