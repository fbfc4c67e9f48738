package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	clientcache "github.com/prn-tf/syncserver/internal/cache/memory"
	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/metrics"
	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/repository"
	"github.com/prn-tf/syncserver/internal/storage"
)

// clientTTL is how long an opened vendor client is reused.
const clientTTL = 10 * time.Minute

// CloudAccounts resolves the cloud storage of a user from the stored account type
// and credentials. Credentials are encrypted at rest when an encryptor is configured.
// Opened vendor clients are cached by account type and credentials.
type CloudAccounts struct {
	users     repository.UserRepository
	registry  *storage.Registry
	encryptor *crypto.Encryptor
	clients   *clientcache.Cache[storage.CloudStorage]
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewCloudAccounts creates a CloudAccounts. encryptor may be nil, in which case
// credentials are stored in plain text.
func NewCloudAccounts(
	users repository.UserRepository,
	registry *storage.Registry,
	encryptor *crypto.Encryptor,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *CloudAccounts {
	return &CloudAccounts{
		users:     users,
		registry:  registry,
		encryptor: encryptor,
		clients:   clientcache.NewCache[storage.CloudStorage](clientTTL),
		metrics:   m,
		logger:    logger.With().Str("service", "accounts").Logger(),
	}
}

// CloudAccount is an opened cloud storage of one user.
type CloudAccount struct {
	User    *domain.User
	Storage storage.CloudStorage
}

// Options returns the storage options for a file of the given mime type.
func (a *CloudAccount) Options(mimeType string) storage.Options {
	return storage.Options{CloudFolderName: a.User.CloudFolderName, MimeType: mimeType}
}

// Supports reports whether a vendor is registered for the account type.
func (c *CloudAccounts) Supports(accountType domain.AccountType) bool {
	for _, t := range c.registry.AccountTypes() {
		if t == accountType {
			return true
		}
	}
	return false
}

// SealCredentials prepares the vendor credentials of a user for storage. Sealed
// credentials only open for the same username.
func (c *CloudAccounts) SealCredentials(username, plaintext string) (string, error) {
	if c.encryptor == nil || plaintext == "" {
		return plaintext, nil
	}
	sealed, err := c.encryptor.Seal([]byte(plaintext), credentialsBinding(username))
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encrypt credentials")
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return sealed, nil
}

// openCredentials returns the plain credentials of user. Credentials stored
// before an encryption key was configured are returned as they are.
func (c *CloudAccounts) openCredentials(user *domain.User) ([]byte, error) {
	stored := user.Credentials
	if c.encryptor == nil || stored == "" {
		return []byte(stored), nil
	}
	if !crypto.IsSealed(stored) {
		c.logger.Warn().Int64("user_id", user.ID).Msg("cloud credentials are stored in plain text")
		return []byte(stored), nil
	}
	plaintext, err := c.encryptor.Open(stored, credentialsBinding(user.Username))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func credentialsBinding(username string) string {
	return "credentials:" + username
}

// Open returns the cloud storage of a user.
// Returns ErrOwnerRemoved if the user no longer exists.
func (c *CloudAccounts) Open(ctx context.Context, userID int64) (*CloudAccount, error) {
	user, err := c.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrOwnerRemoved, userID)
		}
		return nil, infrastructureError(c.logger, err, "failed to get cloud storage owner")
	}

	creds, err := c.openCredentials(user)
	if err != nil {
		c.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to decrypt credentials")
		return nil, err
	}

	key := string(user.AccountType) + ":" + crypto.ComputeSHA256(creds)
	if cloud, ok := c.clients.Get(key); ok {
		return &CloudAccount{User: user, Storage: cloud}, nil
	}

	cloud, err := c.registry.Open(ctx, user.AccountType, creds)
	if err != nil {
		c.logger.Error().Err(err).
			Int64("user_id", userID).
			Str("account_type", string(user.AccountType)).
			Msg("failed to open cloud storage")
		return nil, err
	}
	c.clients.Set(key, cloud)
	return &CloudAccount{User: user, Storage: cloud}, nil
}

// cloudResult names the outcome label of a cloud operation for metrics.
func cloudResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, storage.ErrFileNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrAccessTokenRevokedOrExpired):
		return "revoked"
	}
	return "error"
}

// cleanup deletes an object uploaded by a request that failed afterwards.
// Failures are logged, never returned, so the original error is kept.
func (c *CloudAccounts) cleanup(ctx context.Context, account *CloudAccount, name, mimeType string) {
	err := account.Storage.DeleteFile(ctx, name, account.Options(mimeType))
	c.metrics.RecordCloudOperation("cleanup", cloudResult(err))
	if err != nil {
		c.logger.Warn().Err(err).
			Str("cloud_file_name", name).
			Int64("owner_id", account.User.ID).
			Msg("failed to clean up cloud file after failed upload")
		return
	}
	c.logger.Debug().Str("cloud_file_name", name).Msg("cleaned up cloud file after failed upload")
}
