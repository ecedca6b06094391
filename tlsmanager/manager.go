// Package tlsmanager serves the certificate shared by every TLS listener
// and STARTTLS/STLS upgrade. The key pair is loaded from disk and can be
// reloaded while the servers run; handshakes started after a reload get
// the new certificate.
package tlsmanager

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/migadu/postern/config"
	"github.com/migadu/postern/logger"
)

// expiryWarning is how close to NotAfter a loaded certificate starts
// logging warnings.
const expiryWarning = 14 * 24 * time.Hour

var ErrNotConfigured = errors.New("tls certificate not configured")

// CertificateInfo describes the loaded leaf certificate.
type CertificateInfo struct {
	SerialNumber string    `json:"serial_number"`
	Subject      string    `json:"subject"`
	DNSNames     []string  `json:"dns_names,omitempty"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
}

type Manager struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
	info     atomic.Pointer[CertificateInfo]
}

// New loads the configured key pair.
func New(cfg config.TLSConfig) (*Manager, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	m := &Manager{certFile: cfg.CertFile, keyFile: cfg.KeyFile}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload reads the key pair again. On failure the previous certificate
// stays in use.
func (m *Manager) Reload() error {
	cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	info, err := parseCertificate(cert)
	if err != nil {
		return err
	}

	m.cert.Store(&cert)
	m.info.Store(info)

	logger.Info("TLS: certificate loaded", "subject", info.Subject, "serial", info.SerialNumber,
		"not_after", info.NotAfter.Format(time.RFC3339))
	if until := time.Until(info.NotAfter); until < expiryWarning {
		logger.Warn("TLS: certificate expires soon", "subject", info.Subject, "remaining", until.Round(time.Hour))
	}
	return nil
}

func parseCertificate(cert tls.Certificate) (*CertificateInfo, error) {
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("no certificate in key pair")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &CertificateInfo{
		SerialNumber: leaf.SerialNumber.String(),
		Subject:      leaf.Subject.String(),
		DNSNames:     leaf.DNSNames,
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
	}, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.cert.Load(), nil
}

// TLSConfig returns a server config backed by the manager.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		Renegotiation:  tls.RenegotiateNever,
	}
}

// Info describes the certificate in use.
func (m *Manager) Info() CertificateInfo {
	return *m.info.Load()
}
