package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	hexKey, err := GenerateMasterKey()
	require.NoError(t, err)
	key, err := ParseHexKey(hexKey)
	require.NoError(t, err)
	enc, err := NewEncryptor(key)
	require.NoError(t, err)
	return enc
}

func TestEncryptor_SealOpen(t *testing.T) {
	enc := newTestEncryptor(t)

	sealed, err := enc.Seal([]byte(`{"access_key_id":"k"}`), "credentials:alice")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "access_key_id")
	assert.True(t, IsSealed(sealed))

	plaintext, err := enc.Open(sealed, "credentials:alice")
	require.NoError(t, err)
	assert.Equal(t, `{"access_key_id":"k"}`, string(plaintext))

	again, err := enc.Seal([]byte(`{"access_key_id":"k"}`), "credentials:alice")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces differ")
}

func TestEncryptor_OpenFailures(t *testing.T) {
	encA := newTestEncryptor(t)
	encB := newTestEncryptor(t)

	sealed, err := encA.Seal([]byte("secret"), "credentials:alice")
	require.NoError(t, err)

	tests := []struct {
		name       string
		enc        *Encryptor
		sealed     string
		associated string
		wantErr    error
	}{
		{name: "wrong key", enc: encB, sealed: sealed, associated: "credentials:alice", wantErr: ErrDecryptionFailed},
		{name: "wrong binding", enc: encA, sealed: sealed, associated: "credentials:bobby", wantErr: ErrDecryptionFailed},
		{name: "no prefix", enc: encA, sealed: "c2hvcnQ=", associated: "credentials:alice", wantErr: ErrInvalidCiphertext},
		{name: "too short", enc: encA, sealed: "v1:c2hvcnQ=", associated: "credentials:alice", wantErr: ErrInvalidCiphertext},
		{name: "not base64", enc: encA, sealed: "v1:***", associated: "credentials:alice", wantErr: ErrInvalidCiphertext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.enc.Open(tt.sealed, tt.associated)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseHexKey(t *testing.T) {
	_, err := ParseHexKey("abcd")
	assert.ErrorIs(t, err, ErrInvalidHexKey)

	_, err = NewEncryptor(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.Len(t, a, SecretLength)
	assert.NotEqual(t, a, b)
}

func TestChecksums(t *testing.T) {
	sum := ComputeSHA256([]byte("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)
	assert.True(t, ValidateSHA256(sum))
	assert.False(t, ValidateSHA256("xyz"))
	assert.True(t, ChecksumsEqual(sum, "2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824"))
}
