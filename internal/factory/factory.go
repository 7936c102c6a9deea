package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"otp-notification-service/internal/bucketing"
	"otp-notification-service/internal/client"
	"otp-notification-service/internal/config"
	"otp-notification-service/internal/encryption"
	"otp-notification-service/internal/hashing"
	"otp-notification-service/internal/model"
	"otp-notification-service/internal/queue"
	"otp-notification-service/internal/repository/redis"
	"otp-notification-service/internal/repository/scylla"
	"otp-notification-service/internal/service"
	"otp-notification-service/internal/transport"
	"otp-notification-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	retryConsumer    *client.KafkaConsumer
	auditConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health
// checks. In development a failed backing service degrades with a
// warning; production refuses to start.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	f.retryConsumer = client.NewKafkaConsumer(f.config, f.config.Kafka.RetryTopic, f.config.Kafka.ConsumerGroup+".retry")
	f.auditConsumer = client.NewKafkaConsumer(f.config, f.config.Kafka.AuditTopic, f.config.Kafka.ConsumerGroup+".audit")

	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
		util.Info("Elasticsearch client initialized and healthy")
	}

	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
		util.Info("ClickHouse client initialized and healthy")
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)

	return nil
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var smsSender model.SMSSender
		if twilioSender, err := transport.NewTwilioSender(f.config); err != nil {
			util.Warn("Twilio sender unavailable, SMS dispatch will fail", util.ErrorField(err))
		} else {
			smsSender = twilioSender
		}

		var indexer service.LogIndexer
		if f.esClient != nil {
			indexer = service.NewESLogIndexer(f.esClient)
		}

		deps := service.ServiceFactoryDeps{
			OTPRepo:       scylla.NewOTPRepository(f.scyllaClient, util.Get()),
			EventTypeRepo: scylla.NewEventTypeRepository(f.scyllaClient, util.Get()),
			TemplateRepo:  scylla.NewTemplateRepository(f.scyllaClient, util.Get()),
			RoleRepo:      scylla.NewRoleMappingRepository(f.scyllaClient, util.Get()),
			LogRepo:       scylla.NewNotificationLogRepository(f.scyllaClient, util.Get()),
			UserRepo:      scylla.NewUserRepository(f.scyllaClient, util.Get()),

			RateLimit:     redis.NewRateLimitCache(f.redisClient),
			TemplateCache: redis.NewTemplateCache(f.redisClient, f.config.TemplateCacheTTL),

			EmailSender: transport.NewSMTPSender(f.config),
			SMSSender:   smsSender,
			RetryQueue:  queue.NewKafkaRetryQueue(f.kafkaProducer, f.config),
			Publisher:   queue.NewKafkaAuditPublisher(f.kafkaProducer, f.config),
			Indexer:     indexer,

			Hasher:        f.hasher,
			EncryptionMgr: f.encryptionManager,
			BucketingMgr:  f.bucketingManager,
		}

		f.serviceFactory = service.NewServiceFactory(f.config, deps, util.Get())
	}
	return f.serviceFactory
}

// StartWorkers launches the background pipelines: the audit emitter and
// sink, the retry drain worker, and the OTP expiry sweeper.
func (f *Factory) StartWorkers(ctx context.Context) {
	sf := f.ServiceFactory()

	go sf.AuditEmitter().Run(ctx)
	go sf.DispatchService().RunRetryWorker(ctx, f.retryConsumer)
	go sf.OTPService().RunExpirySweeper(ctx, time.Hour, 24*time.Hour)

	if f.clickhouseClient != nil {
		sink := service.NewAuditSink(f.auditConsumer, f.clickhouseClient, f.config)
		go sink.Run(ctx)
	}

	util.Info("Background workers started")
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	} else {
		healthErrors["kafka"] = fmt.Errorf("kafka producer not initialized")
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Search and analytics are observability surfaces; the core keeps
	// serving without them.
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.retryConsumer != nil {
			_ = f.retryConsumer.Close()
		}
		if f.auditConsumer != nil {
			_ = f.auditConsumer.Close()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.Manager {
	return f.bucketingManager
}
