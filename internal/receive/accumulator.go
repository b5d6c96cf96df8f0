package receive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrIncompleteTransfer is returned when the stream fails before the
// termination condition fires.
var ErrIncompleteTransfer = errors.New("incomplete transfer")

// Receiver is the read half of a transport session. A zero-length result
// with a nil error signals peer close.
type Receiver interface {
	Recv(maxBytes int) ([]byte, error)
}

// Buffer holds everything read from one connection.
type Buffer struct {
	buf    bytes.Buffer
	reads  int
	closed bool
}

// Bytes returns the accumulated content.
func (b *Buffer) Bytes() []byte { return b.buf.Bytes() }

// Len returns the number of bytes accumulated.
func (b *Buffer) Len() int { return b.buf.Len() }

// Reads returns the number of non-empty reads appended.
func (b *Buffer) Reads() int { return b.reads }

// PeerClosed reports whether accumulation ended on a zero-length read.
func (b *Buffer) PeerClosed() bool { return b.closed }

// Accumulator reads from a Receiver until its termination condition fires.
//
// With Expected > 0 it stops once at least Expected bytes have arrived,
// pausing Delay after every read. Surplus bytes from the last read are kept.
// With Expected <= 0 it reads until the peer closes, without pausing.
// Either way a peer close ends accumulation.
type Accumulator struct {
	Expected int
	ReadSize int
	Delay    time.Duration

	// OnRead, when set, observes every non-empty read.
	OnRead func(n int)
}

// ExpectedLength returns an accumulator for inline payloads.
func ExpectedLength(expected, readSize int, delay time.Duration) *Accumulator {
	return &Accumulator{Expected: expected, ReadSize: readSize, Delay: delay}
}

// UntilClose returns an accumulator for file payloads.
func UntilClose(readSize int) *Accumulator {
	return &Accumulator{ReadSize: readSize}
}

func (a *Accumulator) done(b *Buffer) bool {
	if b.closed {
		return true
	}
	return a.Expected > 0 && b.Len() >= a.Expected
}

// Run drains r into a new Buffer. The partial buffer is returned alongside
// any error.
func (a *Accumulator) Run(ctx context.Context, r Receiver) (*Buffer, error) {
	b := &Buffer{}
	readSize := a.ReadSize
	if readSize < 1 {
		readSize = 1024
	}
	for !a.done(b) {
		data, err := r.Recv(readSize)
		if err != nil {
			return b, fmt.Errorf("%w after %d bytes: %w", ErrIncompleteTransfer, b.Len(), err)
		}
		if len(data) == 0 {
			b.closed = true
			break
		}
		b.buf.Write(data)
		b.reads++
		if a.OnRead != nil {
			a.OnRead(len(data))
		}
		if a.Expected > 0 && a.Delay > 0 {
			if err := sleep(ctx, a.Delay); err != nil {
				return b, fmt.Errorf("%w after %d bytes: %w", ErrIncompleteTransfer, b.Len(), err)
			}
		}
	}
	return b, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
