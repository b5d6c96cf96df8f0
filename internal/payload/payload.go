package payload

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

/*
payload.go

Bytes the harness transmits for one trial.

Two variants:
- Inline: a short bracket-delimited digit string, optionally salted with a
  strictly increasing nanosecond stamp so every trial sends something unique.
- FileBacked: the contents of a named file, read once and shared read-only
  by every trial of the run.

Both are handed to the send path as a sequence of fixed-size chunks.
*/

// ChunkSize is the block size used to split payloads on the send path.
const ChunkSize = 1024

// InlineMessage is the synthetic pattern sent in inline mode.
const InlineMessage = "{123456789012312345678901231234567890123><2345678901231234567890123}"

// ErrSourceUnavailable is returned when the payload file cannot be read.
var ErrSourceUnavailable = errors.New("payload source unavailable")

// Kind selects how a payload is verified once echoed.
type Kind int

const (
	Inline Kind = iota
	FileBacked
)

func (k Kind) String() string {
	switch k {
	case Inline:
		return "inline"
	case FileBacked:
		return "file"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Payload is an immutable byte sequence. Callers must not modify slices
// obtained from it.
type Payload struct {
	kind Kind
	data []byte
}

// Kind reports the payload variant.
func (p *Payload) Kind() Kind { return p.kind }

// Bytes returns the payload content.
func (p *Payload) Bytes() []byte { return p.data }

// Len returns the payload size in bytes.
func (p *Payload) Len() int { return len(p.data) }

// String decodes the payload as text.
func (p *Payload) String() string { return string(p.data) }

// Chunks returns a fresh chunk sequence over the payload. Each call starts
// from the first byte, so a payload may be replayed by any number of trials.
func (p *Payload) Chunks(size int) *Chunker {
	if size < 1 {
		size = ChunkSize
	}
	return &Chunker{data: p.data, size: size}
}

// Chunker yields consecutive non-empty blocks of at most size bytes and then
// a single zero-length block marking end of input.
type Chunker struct {
	data []byte
	off  int
	size int
}

// Next returns the next chunk. A zero-length result means the sequence is
// exhausted; every later call returns zero length too.
func (c *Chunker) Next() []byte {
	if c.off >= len(c.data) {
		return nil
	}
	end := c.off + c.size
	if end > len(c.data) {
		end = len(c.data)
	}
	chunk := c.data[c.off:end:end]
	c.off = end
	return chunk
}

// Source produces the payload for each trial.
type Source interface {
	Next() *Payload
}

// Load resolves the payload source for a run. An empty path selects inline
// mode; salt appends a unique stamp to every inline payload. A file that
// cannot be read fails with ErrSourceUnavailable before any trial starts.
func Load(path string, salt bool) (Source, error) {
	if path == "" {
		return NewInlineSource(salt, time.Now), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return &fileSource{p: &Payload{kind: FileBacked, data: data}}, nil
}

type fileSource struct {
	p *Payload
}

func (s *fileSource) Next() *Payload { return s.p }

// InlineSource hands out the synthetic message, salted per call when enabled.
type InlineSource struct {
	salt bool
	now  func() time.Time

	mu   sync.Mutex
	last int64
}

// NewInlineSource returns an inline source. now supplies the salt clock.
func NewInlineSource(salt bool, now func() time.Time) *InlineSource {
	if now == nil {
		now = time.Now
	}
	return &InlineSource{salt: salt, now: now}
}

func (s *InlineSource) Next() *Payload {
	if !s.salt {
		return &Payload{kind: Inline, data: []byte(InlineMessage)}
	}
	s.mu.Lock()
	stamp := s.now().UnixNano()
	if stamp <= s.last {
		stamp = s.last + 1
	}
	s.last = stamp
	s.mu.Unlock()
	return &Payload{kind: Inline, data: []byte(InlineMessage + strconv.FormatInt(stamp, 10))}
}
