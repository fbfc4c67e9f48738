// Package domain contains the core business entities for the sync server.
// These are pure Go structs with no external dependencies, representing
// the fundamental concepts of the file synchronization protocol.
package domain

import (
	"time"
)

// AccountType names the cloud storage vendor that hosts a user's files.
type AccountType string

const (
	// AccountTypeS3 stores files in an S3-compatible bucket.
	AccountTypeS3 AccountType = "S3"

	// AccountTypeLocal stores files on the server's filesystem.
	AccountTypeLocal AccountType = "Local"

	// AccountTypeMemory keeps files in process memory (development and tests).
	AccountTypeMemory AccountType = "Memory"

	// AccountTypeGoogle is Google Drive.
	AccountTypeGoogle AccountType = "Google"

	// AccountTypeDropbox is Dropbox.
	AccountTypeDropbox AccountType = "Dropbox"

	// AccountTypeMicrosoft is Microsoft OneDrive.
	AccountTypeMicrosoft AccountType = "Microsoft"
)

// User represents a registered user in the system.
// A user owning v0 uploads provides the cloud storage that hosts those files.
type User struct {
	// ID is the unique identifier for the user (auto-generated).
	ID int64 `json:"id"`

	// Username is the unique username for login and display.
	Username string `json:"username"`

	// PasswordHash is the bcrypt hash of the user's password.
	// This should never be exposed in API responses.
	PasswordHash string `json:"-"`

	// AccountType identifies the cloud storage vendor for this user's files.
	AccountType AccountType `json:"account_type"`

	// CloudFolderName is the folder, within the user's cloud storage, holding synced files.
	CloudFolderName string `json:"cloud_folder_name"`

	// Credentials holds vendor credentials (JSON), encrypted when an encryption key is configured.
	Credentials string `json:"-"`

	// CreatedAt is the timestamp when the user was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the timestamp when the user was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUser creates a new User with default values.
func NewUser(username, passwordHash string, accountType AccountType, cloudFolderName string) *User {
	now := time.Now().UTC()
	return &User{
		Username:        username,
		PasswordHash:    passwordHash,
		AccountType:     accountType,
		CloudFolderName: cloudFolderName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
