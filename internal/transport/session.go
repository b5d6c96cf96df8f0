package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultPort is the port the target service listens on.
const DefaultPort = 3490

var (
	// ErrConnection is returned when the target cannot be reached.
	ErrConnection = errors.New("connection error")
	// ErrSend is returned when the stream fails while a chunk is being flushed.
	ErrSend = errors.New("send error")
	// ErrRecv is returned when the stream fails while reading, including
	// read deadline expiry.
	ErrRecv = errors.New("receive error")
)

// Options tune a Session. Zero values disable the corresponding bound.
type Options struct {
	ConnectTimeout time.Duration
	RecvTimeout    time.Duration
	SendTimeout    time.Duration
}

// Session owns one TCP connection to the target for the lifetime of a trial.
type Session struct {
	conn net.Conn
	opts Options
	ctx  context.Context

	closeOnce sync.Once
	closeErr  error
	stop      func() bool
}

// Connect dials host:port with TCP_NODELAY enabled. Cancelling ctx after
// Connect returns unblocks any pending read or write on the session.
func Connect(ctx context.Context, host string, port int, opts Options) (*Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	if tcpConn, ok := c.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	s := &Session{conn: c, opts: opts, ctx: ctx}
	s.stop = context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})
	return s, nil
}

// RemoteAddr returns the target address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// SendAll writes chunk completely. Short writes are retried until every
// byte is accepted by the transport or the connection fails.
func (s *Session) SendAll(chunk []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSend, err)
	}
	if s.opts.SendTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.SendTimeout))
	}
	sent := 0
	for sent < len(chunk) {
		n, err := s.conn.Write(chunk[sent:])
		sent += n
		if err != nil {
			return sent, fmt.Errorf("%w: %v", ErrSend, err)
		}
		if n == 0 {
			return sent, fmt.Errorf("%w: %v", ErrSend, io.ErrShortWrite)
		}
	}
	return sent, nil
}

// Recv blocks until at most maxBytes are available. A zero-length result
// with a nil error means the peer closed its side of the stream.
func (s *Session) Recv(maxBytes int) ([]byte, error) {
	if maxBytes < 1 {
		maxBytes = 1
	}
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecv, err)
	}
	if s.opts.RecvTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.RecvTimeout))
	}
	buf := make([]byte, maxBytes)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrRecv, err)
}

// CloseWrite shuts down the sending side so a target reading to EOF can
// reply. It is a no-op on connections without half-close support.
func (s *Session) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close releases the connection. Only the first call has any effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
