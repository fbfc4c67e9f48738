// Package s3 implements a CloudStorage vendor on S3-compatible object storage.
//
// Objects are stored under <cloudFolderName>/<name> in the account's bucket. The
// SHA-256 of the content is recorded as object metadata and reported as the
// vendor checksum; downloads recompute it from the bytes received.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/storage"
)

// checksumMetadataKey is the user metadata key holding the content SHA-256.
const checksumMetadataKey = "sha256"

// Config describes one S3 account. Fields left empty in a user's stored
// credentials are taken from the server defaults.
type Config struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Region          string `json:"region,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
	UsePathStyle    bool   `json:"use_path_style,omitempty"`
}

// merge returns c with empty fields filled from defaults.
func (c Config) merge(defaults Config) Config {
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.Bucket == "" {
		c.Bucket = defaults.Bucket
	}
	if c.AccessKeyID == "" && c.SecretAccessKey == "" {
		c.AccessKeyID = defaults.AccessKeyID
		c.SecretAccessKey = defaults.SecretAccessKey
		c.SessionToken = defaults.SessionToken
	}
	c.UsePathStyle = c.UsePathStyle || defaults.UsePathStyle
	return c
}

// Store implements storage.CloudStorage on one S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New creates a Store over an existing client.
func New(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// NewFromConfig builds the S3 client of an account.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 cloud storage: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("S3 cloud storage: region is required")
	}

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}

	// Set credentials if provided, otherwise use default credential chain
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO and Localstack need path-style addressing
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return New(client, cfg.Bucket), nil
}

// Factory returns a storage.Factory that opens per-user S3 accounts.
// A user's stored credentials are a JSON Config merged over defaults.
func Factory(defaults Config) storage.Factory {
	return func(ctx context.Context, creds []byte) (storage.CloudStorage, error) {
		var account Config
		if len(bytes.TrimSpace(creds)) > 0 {
			if err := json.Unmarshal(creds, &account); err != nil {
				return nil, fmt.Errorf("invalid S3 credentials: %w", err)
			}
		}
		return NewFromConfig(ctx, account.merge(defaults))
	}
}

func objectKey(name string, opts storage.Options) string {
	if opts.CloudFolderName == "" {
		return name
	}
	return opts.CloudFolderName + "/" + name
}

// UploadFile stores data with PutObject.
func (s *Store) UploadFile(ctx context.Context, name string, data []byte, opts storage.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	checksum := crypto.ComputeSHA256(data)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(name, opts)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{checksumMetadataKey: checksum},
	}
	if opts.MimeType != "" {
		input.ContentType = aws.String(opts.MimeType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", mapError(name, "upload", err)
	}
	return checksum, nil
}

// DownloadFile reads the object with GetObject.
func (s *Store) DownloadFile(ctx context.Context, name string, opts storage.Options) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(name, opts)),
	})
	if err != nil {
		return nil, "", mapError(name, "download", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read S3 object %s: %w", name, err)
	}
	return data, crypto.ComputeSHA256(data), nil
}

// DeleteFile removes the object. S3 deletes are idempotent, so existence is
// checked first to report ErrFileNotFound like the other vendors do.
func (s *Store) DeleteFile(ctx context.Context, name string, opts storage.Options) error {
	found, err := s.LookupFile(ctx, name, opts)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", name, storage.ErrFileNotFound)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(name, opts)),
	})
	if err != nil {
		return mapError(name, "delete", err)
	}
	return nil
}

// LookupFile checks for the object with HeadObject.
func (s *Store) LookupFile(ctx context.Context, name string, opts storage.Options) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(name, opts)),
	})
	if err == nil {
		return true, nil
	}

	err = mapError(name, "lookup", err)
	if errors.Is(err, storage.ErrFileNotFound) {
		return false, nil
	}
	return false, err
}

// credentialErrorCodes are S3 error codes meaning the account credentials are unusable.
var credentialErrorCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
	"TokenRefreshRequired":  true,
}

// mapError translates S3 failures onto the storage errors.
func mapError(name, op string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", name, storage.ErrFileNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && credentialErrorCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%s: %w: %v", name, storage.ErrAccessTokenRevokedOrExpired, err)
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", name, storage.ErrFileNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", name, storage.ErrAccessTokenRevokedOrExpired, err)
		}
	}

	return fmt.Errorf("failed to %s S3 object %s: %w", op, name, err)
}

// Ensure Store implements storage.CloudStorage.
var _ storage.CloudStorage = (*Store)(nil)
