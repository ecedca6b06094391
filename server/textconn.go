package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultMaxLineLength bounds a command line, CRLF included.
const DefaultMaxLineLength = 8192

// TextConn is a CRLF line transport over a net.Conn. Each read arms an idle
// deadline; writes are buffered until Flush (WriteLine flushes itself). The
// underlying connection can be upgraded in place with StartTLS.
//
// Reads and writes belong to the session goroutine. Close may be called from
// any goroutine.
type TextConn struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	isTLS  bool

	timeout time.Duration
	maxLine int

	closeOnce sync.Once
	closeErr  error
}

// NewTextConn wraps conn. A zero timeout disables read deadlines; maxLine <= 0
// selects DefaultMaxLineLength.
func NewTextConn(conn net.Conn, timeout time.Duration, maxLine int) *TextConn {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	_, isTLS := conn.(*tls.Conn)
	return &TextConn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		isTLS:   isTLS,
		timeout: timeout,
		maxLine: maxLine,
	}
}

// SetTimeout changes the idle read timeout for subsequent reads.
func (c *TextConn) SetTimeout(d time.Duration) {
	c.timeout = d
}

// ReadLine reads one line and strips the trailing CRLF (or bare LF).
func (c *TextConn) ReadLine() (string, error) {
	return c.ReadLineLimit(c.maxLine)
}

// ReadLineLimit is ReadLine with an explicit length bound. A line longer
// than limit is consumed in full and reported as ErrLineTooLong so the
// caller can reply and keep the session in sync.
func (c *TextConn) ReadLineLimit(limit int) (string, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", err
		}
	}

	var buf []byte
	tooLong := false
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > limit {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", err
	}

	if tooLong {
		return "", ErrLineTooLong
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// ReadFull reads exactly n bytes, as used for IMAP literals.
func (c *TextConn) ReadFull(n int) ([]byte, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write buffers p without flushing.
func (c *TextConn) Write(p []byte) (int, error) {
	return c.writer.Write(p)
}

// WriteString buffers s without flushing.
func (c *TextConn) WriteString(s string) (int, error) {
	return c.writer.WriteString(s)
}

// Printf buffers a formatted line and appends CRLF, without flushing.
func (c *TextConn) Printf(format string, args ...any) error {
	if _, err := fmt.Fprintf(c.writer, format, args...); err != nil {
		return err
	}
	_, err := c.writer.WriteString("\r\n")
	return err
}

// WriteLine writes line followed by CRLF and flushes.
func (c *TextConn) WriteLine(line string) error {
	if _, err := c.writer.WriteString(line); err != nil {
		return err
	}
	if _, err := c.writer.WriteString("\r\n"); err != nil {
		return err
	}
	return c.Flush()
}

// Flush sends buffered output, bounded by the same timeout as reads.
func (c *TextConn) Flush() error {
	if c.writer.Buffered() == 0 {
		return nil
	}
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// StartTLS upgrades the connection to TLS as the server side. Pending output
// is flushed first; any plaintext input the client pipelined after the
// upgrade command is discarded.
func (c *TextConn) StartTLS(ctx context.Context, cfg *tls.Config) error {
	if c.isTLS {
		return errors.New("connection is already using TLS")
	}
	if cfg == nil {
		return errors.New("TLS is not configured")
	}
	if err := c.Flush(); err != nil {
		return err
	}

	tlsConn := tls.Server(c.conn, cfg)
	hsCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.isTLS = true
	c.mu.Unlock()
	return nil
}

// IsTLS reports whether the transport is encrypted.
func (c *TextConn) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTLS
}

// RemoteAddr returns the peer address.
func (c *TextConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.RemoteAddr()
}

// Close closes the socket. It is safe to call more than once and from
// another goroutine; a blocked ReadLine returns with an error.
func (c *TextConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		c.closeErr = conn.Close()
	})
	return c.closeErr
}
