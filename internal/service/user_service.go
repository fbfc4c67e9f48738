package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// UserService handles user accounts.
type UserService struct {
	userRepo repository.UserRepository
	groups   *SharingGroupService
	accounts *CloudAccounts
	logger   zerolog.Logger
}

// NewUserService creates a new UserService.
func NewUserService(userRepo repository.UserRepository, groups *SharingGroupService, accounts *CloudAccounts, logger zerolog.Logger) *UserService {
	return &UserService{
		userRepo: userRepo,
		groups:   groups,
		accounts: accounts,
		logger:   logger.With().Str("service", "user").Logger(),
	}
}

// CreateUserInput contains the data needed to create a new user.
type CreateUserInput struct {
	Username        string
	Password        string
	AccountType     domain.AccountType
	CloudFolderName string

	// Credentials is the vendor credential document of the user's cloud storage.
	Credentials string
}

// CreateUserOutput contains the result of creating a user.
type CreateUserOutput struct {
	User *domain.User
}

// Create creates a new user account.
func (s *UserService) Create(ctx context.Context, input CreateUserInput) (*CreateUserOutput, error) {
	// Validate input
	if err := s.validateCreateInput(input); err != nil {
		return nil, err
	}

	// Hash password
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to hash password")
		return nil, fmt.Errorf("%w: failed to hash password", ErrInternalError)
	}

	credentials, err := s.accounts.SealCredentials(input.Username, input.Credentials)
	if err != nil {
		return nil, err
	}

	user := domain.NewUser(input.Username, string(passwordHash), input.AccountType, input.CloudFolderName)
	user.Credentials = credentials

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, domain.NewDomainError(domain.ErrUserAlreadyExists, "", input.Username)
		}
		return nil, infrastructureError(s.logger, err, "failed to create user")
	}

	s.logger.Info().
		Int64("user_id", user.ID).
		Str("username", user.Username).
		Str("account_type", string(user.AccountType)).
		Msg("user created")

	return &CreateUserOutput{User: user}, nil
}

// Authenticate verifies user credentials and returns the user.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Don't expose whether the username exists.
			s.logger.Debug().Str("username", username).Msg("user not found during authentication")
			return nil, domain.ErrInvalidCredentials
		}
		return nil, infrastructureError(s.logger, err, "failed to get user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Debug().Str("username", username).Msg("invalid password during authentication")
		return nil, domain.ErrInvalidCredentials
	}

	s.logger.Info().
		Int64("user_id", user.ID).
		Str("username", user.Username).
		Msg("user authenticated")

	return user, nil
}

// GetByID retrieves a user by ID.
func (s *UserService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrUserNotFound, "", fmt.Sprint(id))
		}
		return nil, infrastructureError(s.logger, err, "failed to get user")
	}
	return user, nil
}

// GetByUsername retrieves a user by username.
func (s *UserService) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrUserNotFound, "", username)
		}
		return nil, infrastructureError(s.logger, err, "failed to get user")
	}
	return user, nil
}

// UpdateCredentials replaces the cloud storage credentials of a user, e.g. after
// the vendor revoked the previous ones.
func (s *UserService) UpdateCredentials(ctx context.Context, userID int64, credentials string) error {
	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	sealed, err := s.accounts.SealCredentials(user.Username, credentials)
	if err != nil {
		return err
	}
	if err := s.userRepo.UpdateCredentials(ctx, userID, sealed); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewDomainError(domain.ErrUserNotFound, "", fmt.Sprint(userID))
		}
		return infrastructureError(s.logger, err, "failed to update credentials")
	}

	s.logger.Info().Int64("user_id", userID).Msg("cloud credentials updated")
	return nil
}

// Delete deletes a user account. The user leaves every sharing group first; a
// group left without members is removed. Files the user owns stay in the file
// index and are reported gone when downloaded.
func (s *UserService) Delete(ctx context.Context, userID int64) error {
	if _, err := s.GetByID(ctx, userID); err != nil {
		return err
	}

	groups, err := s.groups.repos.SharingGroup.ListForUser(ctx, userID)
	if err != nil {
		return infrastructureError(s.logger, err, "failed to list sharing groups")
	}
	for _, g := range groups {
		if err := s.groups.evict(ctx, g.UUID, userID); err != nil {
			return err
		}
	}

	if err := s.userRepo.Delete(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewDomainError(domain.ErrUserNotFound, "", fmt.Sprint(userID))
		}
		return infrastructureError(s.logger, err, "failed to delete user")
	}

	s.logger.Info().
		Int64("user_id", userID).
		Int("sharing_groups", len(groups)).
		Msg("user deleted")
	return nil
}

// validateCreateInput validates the input for creating a user.
func (s *UserService) validateCreateInput(input CreateUserInput) error {
	// Validate username
	if len(input.Username) < 3 || len(input.Username) > 255 {
		return ErrInvalidUsername
	}

	// Validate password
	if len(input.Password) < 8 {
		return ErrInvalidPassword
	}

	if !s.accounts.Supports(input.AccountType) {
		return domain.NewDomainError(domain.ErrUnsupportedAccountType, "", string(input.AccountType))
	}

	return nil
}
