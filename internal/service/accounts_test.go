package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/storage"
)

func TestCloudAccounts_Open(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")

	opened := 0
	registry := storage.NewRegistry()
	registry.Register(domain.AccountTypeMemory, func(ctx context.Context, creds []byte) (storage.CloudStorage, error) {
		opened++
		return h.store, nil
	})
	accounts := NewCloudAccounts(h.repos.User, registry, nil, nil, zerolog.Nop())

	account, err := accounts.Open(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", account.Options("text/plain").CloudFolderName)

	_, err = accounts.Open(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, opened, "client is reused")

	require.NoError(t, h.users.UpdateCredentials(ctx, alice.ID, `{"token":"rotated"}`))
	_, err = accounts.Open(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, opened, "new credentials open a new client")

	_, err = accounts.Open(ctx, alice.ID+100)
	require.ErrorIs(t, err, ErrOwnerRemoved)
}

func TestCloudAccounts_Credentials(t *testing.T) {
	key := bytes.Repeat([]byte{7}, crypto.KeySize)
	encryptor, err := crypto.NewEncryptor(key)
	require.NoError(t, err)

	sealedAccounts := NewCloudAccounts(nil, storage.NewRegistry(), encryptor, nil, zerolog.Nop())
	sealed, err := sealedAccounts.SealCredentials("alice", `{"secret":"s3"}`)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "s3")

	alice := &domain.User{ID: 1, Username: "alice", Credentials: sealed}
	plaintext, err := sealedAccounts.openCredentials(alice)
	require.NoError(t, err)
	assert.Equal(t, `{"secret":"s3"}`, string(plaintext))

	// Sealed credentials do not open for another user.
	bob := &domain.User{ID: 2, Username: "bobby", Credentials: sealed}
	_, err = sealedAccounts.openCredentials(bob)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	// Credentials stored before a key was configured still open.
	legacy := &domain.User{ID: 3, Username: "carol", Credentials: `{"secret":"plain"}`}
	plaintext, err = sealedAccounts.openCredentials(legacy)
	require.NoError(t, err)
	assert.Equal(t, `{"secret":"plain"}`, string(plaintext))

	plainAccounts := NewCloudAccounts(nil, storage.NewRegistry(), nil, nil, zerolog.Nop())
	stored, err := plainAccounts.SealCredentials("alice", `{"secret":"s3"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"secret":"s3"}`, stored)
}
