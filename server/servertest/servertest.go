// Package servertest provides a scripted line client and a throwaway TLS
// certificate for protocol server tests.
package servertest

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TLSConfig returns a server TLS config with a self-signed certificate for
// localhost and 127.0.0.1.
func TLSConfig(t testing.TB) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig trusts any certificate.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"}
}

// Conn is a test client speaking a CRLF line protocol.
type Conn struct {
	t    testing.TB
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to addr and closes the connection at test cleanup.
func Dial(t testing.TB, addr string) *Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &Conn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// DialTLS connects with implicit TLS.
func DialTLS(t testing.TB, addr string) *Conn {
	t.Helper()
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 3 * time.Second}, "tcp", addr, ClientTLSConfig())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &Conn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// StartTLS upgrades the client side of the connection.
func (c *Conn) StartTLS() {
	c.t.Helper()
	tlsConn := tls.Client(c.conn, ClientTLSConfig())
	tlsConn.SetDeadline(time.Now().Add(3 * time.Second))
	require.NoError(c.t, tlsConn.Handshake())
	tlsConn.SetDeadline(time.Time{})
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
}

// Send writes line followed by CRLF.
func (c *Conn) Send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line+"\r\n")
	require.NoError(c.t, err)
}

// Raw writes data as-is.
func (c *Conn) Raw(data string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, data)
	require.NoError(c.t, err)
}

// TryReadLine reads one line without failing the test.
func (c *Conn) TryReadLine() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// ReadLine reads one line and strips CRLF.
func (c *Conn) ReadLine() string {
	c.t.Helper()
	line, err := c.TryReadLine()
	require.NoError(c.t, err)
	return line
}

// Expect reads one line and requires it to start with prefix.
func (c *Conn) Expect(prefix string) string {
	c.t.Helper()
	line := c.ReadLine()
	require.True(c.t, strings.HasPrefix(line, prefix), "expected %q, got %q", prefix, line)
	return line
}

// Cmd sends line and expects a reply starting with prefix.
func (c *Conn) Cmd(line, prefix string) string {
	c.t.Helper()
	c.Send(line)
	return c.Expect(prefix)
}

// ReadUntil reads lines up to and including the first one starting with
// prefix and returns all of them.
func (c *Conn) ReadUntil(prefix string) []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.ReadLine()
		lines = append(lines, line)
		if strings.HasPrefix(line, prefix) {
			return lines
		}
	}
}

// ReadUntilLine reads lines up to and including the first one equal to
// want, as used for dot-terminated multi-line responses.
func (c *Conn) ReadUntilLine(want string) []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.ReadLine()
		lines = append(lines, line)
		if line == want {
			return lines
		}
	}
}

// ExpectClosed requires the server to close the connection without
// sending anything further.
func (c *Conn) ExpectClosed() {
	c.t.Helper()
	line, err := c.TryReadLine()
	require.Error(c.t, err, "expected connection close, got %q", line)
	require.True(c.t, errors.Is(err, io.EOF) || isReset(err), "unexpected error: %v", err)
	require.Empty(c.t, line)
}

func isReset(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

// Close closes the client connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
