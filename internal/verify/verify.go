package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/pmezard/go-difflib/difflib"
)

// DefaultThreshold is the similarity ratio a reply must exceed.
const DefaultThreshold = 0.9

// Line indexes compared in similarity mode. The target is expected to
// consume the request's leading header line and may add its own metadata
// after the echoed body.
const (
	SentLine     = 1
	ReceivedLine = 0
)

var (
	ErrMismatchExact      = errors.New("exact mismatch")
	ErrMismatchSimilarity = errors.New("similarity mismatch")
)

// Mode names a verification policy.
type Mode int

const (
	Exact Mode = iota
	Similarity
)

func (m Mode) String() string {
	if m == Similarity {
		return "similarity"
	}
	return "exact"
}

// Result is the outcome of comparing what was sent with what came back.
// Ratio and Threshold are only meaningful in Similarity mode.
type Result struct {
	Mode      Mode
	Passed    bool
	Ratio     float64
	Threshold float64

	// Compared text, after line scoping in similarity mode.
	Sent     string
	Received string
}

// Err returns a *MismatchError for failed results and nil otherwise.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return &MismatchError{Result: r}
}

// MismatchError describes a failed verification.
type MismatchError struct {
	Result Result
}

func (e *MismatchError) Error() string {
	if e.Result.Mode == Similarity {
		return fmt.Sprintf("similarity mismatch: ratio %.4f not above %.4f", e.Result.Ratio, e.Result.Threshold)
	}
	return fmt.Sprintf("exact mismatch: sent %d bytes, received %d bytes", len(e.Result.Sent), len(e.Result.Received))
}

func (e *MismatchError) Is(target error) bool {
	switch target {
	case ErrMismatchExact:
		return e.Result.Mode == Exact
	case ErrMismatchSimilarity:
		return e.Result.Mode == Similarity
	}
	return false
}

// Diff renders the difference between sent and received text.
func (e *MismatchError) Diff() string {
	return cmp.Diff(e.Result.Sent, e.Result.Received)
}

// CompareExact passes iff received, decoded as text, equals sent.
func CompareExact(sent, received []byte) Result {
	s, r := string(sent), string(received)
	return Result{Mode: Exact, Passed: s == r, Sent: s, Received: r}
}

// CompareSimilarity scopes sent to its SentLine and received to its
// ReceivedLine and passes iff their ratio is strictly above threshold.
// A missing line compares as absent and scores zero. Once the outcome is
// settled by a bound, Ratio holds that bound: an upper bound for failures,
// a lower bound for passes.
func CompareSimilarity(sent, received []byte, threshold float64) Result {
	s, sok := line(string(sent), SentLine)
	r, rok := line(string(received), ReceivedLine)
	res := Result{Mode: Similarity, Threshold: threshold, Sent: s, Received: r}
	if sok && rok {
		res.Ratio = ratio(s, r, threshold)
	}
	res.Passed = Passes(res.Ratio, threshold)
	return res
}

// Passes applies the strict threshold rule.
func Passes(ratio, threshold float64) bool {
	return ratio > threshold
}

// LongLine is the differing middle length, after the common prefix and
// suffix are removed, from which the matcher discards characters that
// occur in more than 1% of positions.
const LongLine = 200

// Ratio returns 2*M/T where M is the number of characters in matching
// blocks and T the combined length. The common prefix and suffix count as
// matched; the rest is matched by longest-common-substring recursion.
// Two empty strings score 1.
func Ratio(a, b string) float64 {
	return ratio(a, b, -1)
}

// ratio is Ratio that, for threshold >= 0, returns early with a bound once
// the bound alone decides ratio > threshold.
func ratio(a, b string, threshold float64) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	total := float64(len(ra) + len(rb))

	if threshold >= 0 {
		m := difflib.NewMatcherWithJunk(chars(ra), chars(rb), false, nil)
		if upper := m.RealQuickRatio(); upper <= threshold {
			return upper
		}
		if upper := m.QuickRatio(); upper <= threshold {
			return upper
		}
	}

	p := commonPrefix(ra, rb)
	s := commonSuffix(ra[p:], rb[p:])
	lower := 2 * float64(p+s) / total
	if threshold >= 0 && lower > threshold {
		return lower
	}

	midA, midB := ra[p:len(ra)-s], rb[p:len(rb)-s]
	if len(midA) == 0 || len(midB) == 0 {
		return lower
	}
	mm := difflib.NewMatcherWithJunk(chars(midA), chars(midB), len(midB) >= LongLine, nil)
	matched := p + s
	for _, blk := range mm.GetMatchingBlocks() {
		matched += blk.Size
	}
	return 2 * float64(matched) / total
}

func commonPrefix(a, b []rune) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func commonSuffix(a, b []rune) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

func chars(rs []rune) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

// line returns the idx-th line of s, splitting on \n, \r\n and \r.
func line(s string, idx int) (string, bool) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	// A trailing terminator does not open another line.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if idx >= len(lines) {
		return "", false
	}
	return lines[idx], true
}
