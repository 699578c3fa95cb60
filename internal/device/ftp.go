package device

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/example/print-agent/internal/config"
	"github.com/example/print-agent/internal/metrics"
	"github.com/example/print-agent/internal/model"
)

type ftpConn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

type ftpDialer func(ctx context.Context, addr string, d config.Device) (ftpConn, error)

// Upload stores localPath in the device cache directory under its base name
// and returns that name.
func (c *Client) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat upload: %w", err)
	}
	remoteName := filepath.Base(localPath)

	slog.Debug("Connecting to device FTPS", "addr", c.ftpAddr())
	conn, err := c.dialFTP(ctx, c.ftpAddr(), c.device)
	if err != nil {
		return "", transportErr(ctx, "ftp connect", err)
	}
	defer func() {
		// The device may already have dropped the session after a close-notify
		// timeout; a failing QUIT changes nothing.
		_ = conn.Quit()
	}()

	if err := conn.Login(c.device.Username, c.device.AccessCode); err != nil {
		return "", transportErr(ctx, "ftp login", err)
	}
	if err := conn.ChangeDir(c.device.CacheDir); err != nil {
		return "", transportErr(ctx, "ftp cwd "+c.device.CacheDir, err)
	}

	body := &countingReader{r: f}
	err = conn.Stor(remoteName, body)
	metrics.UploadBytes.Add(float64(body.n))
	if err != nil {
		if ctx.Err() != nil || !closeNotifyTimeout(err, body, info.Size()) {
			return "", transportErr(ctx, "ftp store "+remoteName, err)
		}
		metrics.BenignCloseTimeouts.Inc()
		slog.Warn("Upload acknowledgment timed out after full transfer, treating as success",
			"file", remoteName, "bytes", body.n, "error", err)
	}

	slog.Info("Uploaded file to printer cache", "file", remoteName, "bytes", body.n)
	return remoteName, nil
}

// closeNotifyTimeout recognises the one failure the device's FTP service is
// known to produce on a good transfer: it never sends a TLS close
// notification, so the final acknowledgment read times out. It only applies
// when every byte of the file was consumed by the data connection.
func closeNotifyTimeout(err error, body *countingReader, size int64) bool {
	if !body.eof || body.n != size {
		return false
	}
	return isTimeout(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, model.ErrCancelled)
	}
	return &model.TransportError{Op: op, Err: err}
}

type countingReader struct {
	r   io.Reader
	n   int64
	eof bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if errors.Is(err, io.EOF) {
		c.eof = true
	}
	return n, err
}

// dialImplicitTLS opens an FTP session whose control and data connections
// are TLS from the first byte. The service never offers AUTH TLS, so the
// control handshake has to happen before the greeting is read.
//
// The same dial function serves the passive data connections. Those are
// only accepted by the device after STOR has been sent, so their handshake
// is left to the first write.
func dialImplicitTLS(ctx context.Context, addr string, d config.Device) (ftpConn, error) {
	tlsConfig := insecureTLS(d.Host)
	conns := &connSet{}
	stop := context.AfterFunc(ctx, conns.closeAll)
	var dialed atomic.Bool

	dialFunc := func(network, address string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: d.ConnectTimeout}
		raw, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		conn := tls.Client(&deadlineConn{Conn: raw, timeout: d.IOTimeout}, tlsConfig)
		if !dialed.Swap(true) {
			if err := conn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, fmt.Errorf("tls handshake: %w", err)
			}
		}
		conns.add(conn)
		return conn, nil
	}

	sc, err := ftp.Dial(addr,
		ftp.DialWithTLS(tlsConfig),
		ftp.DialWithDialFunc(dialFunc),
		ftp.DialWithDisabledEPSV(true),
		ftp.DialWithTimeout(d.ConnectTimeout),
	)
	if err != nil {
		stop()
		conns.closeAll()
		return nil, err
	}
	return &serverConn{ServerConn: sc, stop: stop, conns: conns}, nil
}

type serverConn struct {
	*ftp.ServerConn
	stop  func() bool
	conns *connSet
}

func (s *serverConn) Quit() error {
	defer func() {
		s.stop()
		s.conns.closeAll()
	}()
	return s.ServerConn.Quit()
}

// connSet tracks open connections so cancellation can unblock any
// in-flight read or write.
type connSet struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (s *connSet) add(c net.Conn) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// deadlineConn bounds every read and write so a silent peer surfaces as a
// timeout instead of a hang.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}
