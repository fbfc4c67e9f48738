package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.Locks.Expiry)
	assert.Equal(t, "database", cfg.Locks.UploaderBackend)
	assert.Equal(t, 4, cfg.Uploader.Concurrency)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())

	key, err := cfg.Auth.GetEncryptionKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SYNCSERVER_LOCKS_UPLOADER_BACKEND", "redis")
	t.Setenv("SYNCSERVER_UPLOADER_INTERVAL", "5s")
	t.Setenv("SYNCSERVER_AUTH_ENCRYPTION_KEY", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Locks.UploaderBackend)
	assert.Equal(t, 5*time.Second, cfg.Uploader.Interval)

	key, err := cfg.Auth.GetEncryptionKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
database:
  driver: postgres
  host: db.internal
  user: sync
  database: sync
locks:
  expiry: 30s
  acquire_timeout: 5s
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db.internal port=5432 user=sync password= dbname=sync sslmode=prefer", cfg.Database.DSN())
	assert.Equal(t, 30*time.Second, cfg.Locks.Expiry)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown uploader lock backend",
			env:     map[string]string{"SYNCSERVER_LOCKS_UPLOADER_BACKEND": "zookeeper"},
			wantErr: "UploaderBackend",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"SYNCSERVER_DATABASE_DRIVER": "mysql"},
			wantErr: "Driver",
		},
		{
			name:    "short encryption key",
			env:     map[string]string{"SYNCSERVER_AUTH_ENCRYPTION_KEY": "abcd"},
			wantErr: "auth.encryption_key",
		},
		{
			name:    "acquire timeout beyond expiry",
			env:     map[string]string{"SYNCSERVER_LOCKS_ACQUIRE_TIMEOUT": "2m"},
			wantErr: "locks.acquire_timeout",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"SYNCSERVER_LOGGING_LEVEL": "verbose"},
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
