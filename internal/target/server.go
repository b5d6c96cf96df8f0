package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

/*
server.go

Reference target service for the harness.

Modes:
- echo: stream every byte back as it arrives.
- reflect: read until the client half-closes, drop the leading header line,
  optionally append a metadata trailer line, write the reply and close.

WriteSize and WriteDelay split replies into small delayed writes so the
reply outgrows what the server flushes at once.
*/

// BufferSize is the per-read buffer of the echo loop.
const BufferSize = 3048

// Mode selects how the server answers.
type Mode string

const (
	Echo    Mode = "echo"
	Reflect Mode = "reflect"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Echo, Reflect:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown target mode %q", s)
}

// Config describes a target server.
type Config struct {
	Addr       string
	Mode       Mode
	Trailer    string
	KeepHeader bool
	WriteSize  int
	WriteDelay time.Duration
	// MaxRequest bounds what reflect mode buffers per connection.
	MaxRequest int64
}

// Server accepts connections and answers each according to its Mode.
type Server struct {
	cfg Config
	ln  *net.TCPListener
	log *zap.Logger
}

// Listen binds the configured address.
func Listen(cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = Echo
	}
	if cfg.MaxRequest <= 0 {
		cfg.MaxRequest = 64 << 20
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return &Server{cfg: cfg, ln: ln.(*net.TCPListener), log: logger}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the bound port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Serve accepts until ctx is cancelled, then waits for open connections.
// The accept deadline is renewed periodically so cancellation is noticed.
func (s *Server) Serve(ctx context.Context) error {
	defer s.ln.Close()
	s.log.Info("target listening", zap.String("addr", s.Addr()), zap.String("mode", string(s.cfg.Mode)))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		_ = s.ln.SetDeadline(time.Now().Add(200 * time.Millisecond))
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			stop := context.AfterFunc(ctx, func() {
				_ = c.SetDeadline(time.Now())
			})
			defer stop()

			log := s.log.With(zap.String("peer", c.RemoteAddr().String()))
			var err error
			if s.cfg.Mode == Reflect {
				err = s.reflect(ctx, c)
			} else {
				err = s.echo(ctx, c)
			}
			if err != nil && ctx.Err() == nil {
				log.Debug("connection ended", zap.Error(err))
			}
		}(conn)
	}
}

func (s *Server) echo(ctx context.Context, c net.Conn) error {
	buf := make([]byte, BufferSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if werr := s.write(ctx, c, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) reflect(ctx context.Context, c net.Conn) error {
	req, err := io.ReadAll(io.LimitReader(c, s.cfg.MaxRequest))
	if err != nil {
		return err
	}
	reply := req
	if !s.cfg.KeepHeader {
		if i := bytes.IndexByte(reply, '\n'); i >= 0 {
			reply = reply[i+1:]
		}
	}
	if s.cfg.Trailer != "" {
		reply = append(append([]byte(nil), reply...), s.cfg.Trailer+"\n"...)
	}
	return s.write(ctx, c, reply)
}

// write sends p in WriteSize pieces, pausing WriteDelay between them.
// Cancelling ctx cuts the pause short.
func (s *Server) write(ctx context.Context, c net.Conn, p []byte) error {
	size := s.cfg.WriteSize
	if size <= 0 {
		size = len(p)
	}
	for len(p) > 0 {
		n := min(size, len(p))
		if _, err := c.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
		if len(p) > 0 && s.cfg.WriteDelay > 0 {
			t := time.NewTimer(s.cfg.WriteDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}
	return nil
}
