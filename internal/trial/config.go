package trial

import (
	"errors"
	"fmt"
	"time"

	"github.com/libremesh/shared-state-async/internal/payload"
	"github.com/libremesh/shared-state-async/internal/transport"
	"github.com/libremesh/shared-state-async/internal/verify"
)

// Defaults for a run.
const (
	DefaultHost           = "192.168.1.1"
	DefaultRepetitions    = 1
	DefaultDelay          = 400 * time.Millisecond
	DefaultInlineReadSize = 50
	DefaultFileReadSize   = 1024
	DefaultConnectTimeout = 3 * time.Second
	DefaultRecvTimeout    = 30 * time.Second
)

// ErrConfig marks an invalid configuration.
var ErrConfig = errors.New("invalid configuration")

// Config holds the resolved run parameters.
type Config struct {
	// Filename selects file mode; empty means inline mode.
	Filename    string
	Repetitions int
	Host        string
	Port        int

	// Salt makes each inline payload unique.
	Salt bool
	// Delay pauses after every read in inline mode.
	Delay time.Duration
	// ReadSize bounds each read; zero picks a per-mode default.
	ReadSize  int
	ChunkSize int
	// ChunkRate limits chunks sent per second; zero is unlimited.
	ChunkRate int
	// HalfClose shuts the write side after the last chunk in file mode.
	HalfClose bool
	Threshold float64

	ConnectTimeout time.Duration
	RecvTimeout    time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Repetitions:    DefaultRepetitions,
		Host:           DefaultHost,
		Port:           transport.DefaultPort,
		Salt:           true,
		Delay:          DefaultDelay,
		ChunkSize:      payload.ChunkSize,
		HalfClose:      true,
		Threshold:      verify.DefaultThreshold,
		ConnectTimeout: DefaultConnectTimeout,
		RecvTimeout:    DefaultRecvTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Repetitions < 1:
		return fmt.Errorf("%w: repetitions must be positive, got %d", ErrConfig, c.Repetitions)
	case c.Host == "":
		return fmt.Errorf("%w: empty host", ErrConfig)
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrConfig, c.Port)
	case c.Delay < 0:
		return fmt.Errorf("%w: negative delay", ErrConfig)
	case c.ReadSize < 0 || c.ChunkSize < 0 || c.ChunkRate < 0:
		return fmt.Errorf("%w: sizes and rates must not be negative", ErrConfig)
	case c.Threshold < 0 || c.Threshold > 1:
		return fmt.Errorf("%w: threshold %v outside [0,1]", ErrConfig, c.Threshold)
	}
	return nil
}

func (c Config) readSize(k payload.Kind) int {
	if c.ReadSize > 0 {
		return c.ReadSize
	}
	if k == payload.FileBacked {
		return DefaultFileReadSize
	}
	return DefaultInlineReadSize
}
