// Package storage keeps raw message bodies in S3-compatible object storage.
//
// Objects are addressed by the caller-supplied key (the mail store uses the
// BLAKE3 hash of the body, so identical deliveries share one object). When
// encryption is enabled, bodies are sealed client-side with AES-256-GCM
// before upload and the nonce is prepended to the ciphertext.
//
//	s3, err := storage.New(storage.Options{
//		Endpoint:  "s3.example.com",
//		AccessKey: "access-key",
//		SecretKey: "secret-key",
//		Bucket:    "mail",
//		UseSSL:    true,
//	})
//	err = s3.Put(ctx, key, body)
//	body, err := s3.Get(ctx, key)
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Options configure an S3Storage.
type Options struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Prefix        string
	UseSSL        bool
	Trace         bool
	EncryptionKey string // 64 hex characters; empty disables encryption
}

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Prefix        string
	Encrypt       bool
	EncryptionKey []byte
}

func New(opts Options) (*S3Storage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if opts.Trace {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{
		Client:     client,
		BucketName: opts.Bucket,
		Prefix:     strings.Trim(opts.Prefix, "/"),
	}
	if opts.EncryptionKey != "" {
		if err := s.EnableEncryption(opts.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption turns on client-side AES-256-GCM with a hex-encoded key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: Client-side encryption enabled")
	return nil
}

func (s *S3Storage) objectName(key string) string {
	if s.Prefix == "" {
		return key
	}
	return s.Prefix + "/" + key
}

// Ping verifies that the bucket is reachable.
func (s *S3Storage) Ping(ctx context.Context) error {
	ok, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.BucketName, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.BucketName)
	}
	return nil
}

// Exists reports whether an object with the given key exists.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, string, error) {
	objInfo, err := s.Client.StatObject(ctx, s.BucketName, s.objectName(key), minio.StatObjectOptions{})
	if err == nil {
		return true, objInfo.VersionID, nil
	}
	if isNotFound(err) {
		return false, "", nil
	}
	return false, "", fmt.Errorf("failed to stat object %s: %w", key, err)
}

func isNotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.StatusCode == http.StatusNotFound || minioErr.Code == "NoSuchKey"
	}
	return false
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte) (err error) {
	defer observe("PUT", time.Now(), &err)

	if exists, _, statErr := s.Exists(ctx, key); statErr == nil && exists {
		return nil
	}

	payload := data
	if s.Encrypt {
		payload, err = s.encryptData(data)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
	}

	_, err = s.Client.PutObject(ctx, s.BucketName, s.objectName(key),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{SendContentMd5: true, ContentType: "message/rfc822"})
	if err != nil {
		metrics.StorageOperationErrors.WithLabelValues("PUT", classifyS3Error(err)).Inc()
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) (data []byte, err error) {
	defer observe("GET", time.Now(), &err)

	object, err := s.Client.GetObject(ctx, s.BucketName, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer object.Close()

	data, err = io.ReadAll(object)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		metrics.StorageOperationErrors.WithLabelValues("GET", classifyS3Error(err)).Inc()
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	if s.Encrypt {
		data, err = s.decryptData(data)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues("GET", "decryption_error").Inc()
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}
	}
	return data, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) (err error) {
	defer observe("DELETE", time.Now(), &err)

	exists, versionID, err := s.Exists(ctx, key)
	if err != nil {
		logger.Error("STORAGE: Error checking existence of object", "key", key, "error", err)
		return err
	}
	if !exists {
		logger.Debug("STORAGE: Object does not exist - skipping deletion", "key", key)
		return nil
	}
	return s.Client.RemoveObject(ctx, s.BucketName, s.objectName(key), minio.RemoveObjectOptions{VersionID: versionID})
}

func observe(op string, start time.Time, errp *error) {
	status := "success"
	if *errp != nil {
		status = "error"
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// classifyS3Error buckets S3 errors for the error-type metric label.
func classifyS3Error(err error) string {
	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
