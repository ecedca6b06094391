package tlsmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/postern/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyPair(t *testing.T, dir string, serial int64, notAfter time.Time) config.TLSConfig {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "mail.example.com"},
		DNSNames:     []string{"mail.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	cfg := config.TLSConfig{
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
	}
	require.NoError(t, os.WriteFile(cfg.CertFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(cfg.KeyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return cfg
}

func TestNotConfigured(t *testing.T) {
	_, err := New(config.TLSConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := writeKeyPair(t, dir, 1, time.Now().Add(90*24*time.Hour))

	m, err := New(cfg)
	require.NoError(t, err)
	info := m.Info()
	assert.Equal(t, "1", info.SerialNumber)
	assert.Equal(t, []string{"mail.example.com"}, info.DNSNames)

	tlsCfg := m.TLSConfig()
	first, err := tlsCfg.GetCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	writeKeyPair(t, dir, 2, time.Now().Add(24*time.Hour))
	require.NoError(t, m.Reload())
	assert.Equal(t, "2", m.Info().SerialNumber)
	second, err := tlsCfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestReloadFailureKeepsCertificate(t *testing.T) {
	dir := t.TempDir()
	cfg := writeKeyPair(t, dir, 7, time.Now().Add(30*24*time.Hour))
	m, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(cfg.CertFile, []byte("garbage"), 0o600))
	assert.Error(t, m.Reload())
	assert.Equal(t, "7", m.Info().SerialNumber)
}

func TestMissingFiles(t *testing.T) {
	_, err := New(config.TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	assert.Error(t, err)
}
