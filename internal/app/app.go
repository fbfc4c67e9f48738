// Package app assembles the sync server from its configuration: the metadata
// database, the cloud storage vendors, the lockers and the services.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/auth"
	"github.com/prn-tf/syncserver/internal/changeresolver"
	"github.com/prn-tf/syncserver/internal/config"
	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/lock"
	"github.com/prn-tf/syncserver/internal/metrics"
	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/repository/backend"
	"github.com/prn-tf/syncserver/internal/service"
	"github.com/prn-tf/syncserver/internal/storage"
	"github.com/prn-tf/syncserver/internal/storage/local"
	"github.com/prn-tf/syncserver/internal/storage/memory"
	"github.com/prn-tf/syncserver/internal/storage/s3"
)

// App holds the wired components of one server process.
type App struct {
	Config  *config.Config
	Backend *backend.Backend
	Metrics *metrics.Metrics

	Accounts      *service.CloudAccounts
	Coordinator   *service.Coordinator
	Files         *service.FileService
	SharingGroups *service.SharingGroupService
	Users         *service.UserService
	Uploader      *service.Uploader

	// Issuer is nil when no JWT secret is configured.
	Issuer *auth.TokenIssuer

	redis  *redis.Client
	logger zerolog.Logger
}

// New opens the database and wires every service. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	b, err := backend.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.Backend = b

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	repos := a.Backend.Repositories

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	registry, err := newRegistry(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	key, err := cfg.Auth.GetEncryptionKey()
	if err != nil {
		return err
	}
	var encryptor *crypto.Encryptor
	if key != nil {
		encryptor, err = crypto.NewEncryptor(key)
		if err != nil {
			return fmt.Errorf("failed to create credential encryptor: %w", err)
		}
	} else {
		a.logger.Warn().Msg("auth.encryption_key is not set; cloud credentials are stored in plain text")
	}

	if cfg.Auth.JWTSecret != "" {
		a.Issuer, err = auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
	}

	instance := instanceName()
	uploaderLocker, err := a.uploaderLocker(ctx, instance)
	if err != nil {
		return err
	}

	a.Accounts = service.NewCloudAccounts(repos.User, registry, encryptor, a.Metrics, a.logger)
	resolvers := changeresolver.NewDefaultManager()

	a.Coordinator = service.NewCoordinator(repos, lock.NewDatabaseLocker(repos.ShortLock, instance), nil, a.Metrics, a.logger, service.CoordinatorConfig{
		LockExpiry:     cfg.Locks.Expiry,
		AcquireTimeout: cfg.Locks.AcquireTimeout,
		RetryDelay:     cfg.Locks.RetryDelay,
	})

	uploaderConfig := service.DefaultUploaderConfig()
	uploaderConfig.Interval = cfg.Uploader.Interval
	uploaderConfig.Concurrency = cfg.Uploader.Concurrency
	a.Uploader = service.NewUploader(repos, a.Coordinator, a.Accounts, resolvers, uploaderLocker, a.Metrics, a.logger, uploaderConfig)
	if cfg.Uploader.Enabled {
		a.Coordinator.SetUploader(a.Uploader)
	}

	a.Files = service.NewFileService(repos, a.Coordinator, a.Accounts, resolvers, a.Metrics, a.logger)
	a.SharingGroups = service.NewSharingGroupService(repos, a.Coordinator, a.logger)
	a.Users = service.NewUserService(repos.User, a.SharingGroups, a.Accounts, a.logger)
	return nil
}

// uploaderLocker returns the locker that keeps uploader runs of several
// instances from overlapping.
func (a *App) uploaderLocker(ctx context.Context, instance string) (lock.Locker, error) {
	switch a.Config.Locks.UploaderBackend {
	case "redis":
		rc := a.Config.Redis
		a.redis = redis.NewClient(&redis.Options{
			Addr:        rc.Addr(),
			Password:    rc.Password,
			DB:          rc.DB,
			PoolSize:    rc.PoolSize,
			DialTimeout: rc.DialTimeout,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr(), err)
		}
		return lock.NewRedisLocker(a.redis, instance), nil
	case "memory":
		return lock.NewMemoryLocker(instance), nil
	default:
		return lock.NewDatabaseLocker(a.Backend.ShortLock, instance), nil
	}
}

// newRegistry registers the configured cloud storage vendors.
func newRegistry(ctx context.Context, cfg config.StorageConfig) (*storage.Registry, error) {
	registry := storage.NewRegistry()

	if cfg.LocalDir != "" {
		store, err := local.NewStore(ctx, cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open local cloud storage: %w", err)
		}
		registry.Register(domain.AccountTypeLocal, store.Factory())
	}

	registry.Register(domain.AccountTypeS3, s3.Factory(s3.Config{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		Bucket:          cfg.S3.Bucket,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		UsePathStyle:    cfg.S3.UsePathStyle,
	}))

	if domain.AccountType(cfg.DefaultAccountType) == domain.AccountTypeMemory {
		registry.Register(domain.AccountTypeMemory, memory.NewStore().Factory())
	}
	return registry, nil
}

// Close stops the uploader and releases the database and redis connections.
func (a *App) Close() error {
	var errs []error
	if a.Uploader != nil {
		a.Uploader.Stop()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Backend != nil {
		errs = append(errs, a.Backend.Close())
	}
	return errors.Join(errs...)
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "syncserver"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
