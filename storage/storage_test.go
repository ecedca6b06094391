package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEnableEncryptionValidatesKey(t *testing.T) {
	s := &S3Storage{}

	assert.Error(t, s.EnableEncryption(""))
	assert.Error(t, s.EnableEncryption("not-hex"))
	assert.Error(t, s.EnableEncryption("abcd"))
	assert.False(t, s.Encrypt)

	require.NoError(t, s.EnableEncryption(testKey))
	assert.True(t, s.Encrypt)
	assert.Len(t, s.EncryptionKey, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := &S3Storage{}
	require.NoError(t, s.EnableEncryption(testKey))

	plain := []byte("Subject: secret\r\n\r\nbody\r\n")
	sealed, err := s.encryptData(plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, sealed)

	again, err := s.encryptData(plain)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per object")

	opened, err := s.decryptData(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.decryptData(sealed)
	assert.Error(t, err)

	_, err = s.decryptData([]byte("short"))
	assert.Error(t, err)
}

func TestNewWithOptions(t *testing.T) {
	s, err := New(Options{
		Endpoint:      "localhost:9000",
		AccessKey:     "key",
		SecretKey:     "secret",
		Bucket:        "mail",
		Prefix:        "/bodies/",
		EncryptionKey: testKey,
	})
	require.NoError(t, err)
	assert.Equal(t, "bodies", s.Prefix)
	assert.Equal(t, "bodies/abc", s.objectName("abc"))
	assert.True(t, s.Encrypt)

	_, err = New(Options{Endpoint: "localhost:9000", Bucket: "mail", EncryptionKey: "bad"})
	assert.Error(t, err)
}

func TestClassifyS3Error(t *testing.T) {
	assert.Equal(t, "timeout", classifyS3Error(context.DeadlineExceeded))
	assert.Equal(t, "canceled", classifyS3Error(context.Canceled))
	assert.Equal(t, "access_denied", classifyS3Error(errors.New("AccessDenied: nope")))
	assert.Equal(t, "throttled", classifyS3Error(errors.New("SlowDown")))
	assert.Equal(t, "network_error", classifyS3Error(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "unknown", classifyS3Error(errors.New(strings.Repeat("x", 3))))
}
