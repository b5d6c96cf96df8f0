package trial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/libremesh/shared-state-async/internal/metrics"
	"github.com/libremesh/shared-state-async/internal/payload"
	"github.com/libremesh/shared-state-async/internal/receive"
	"github.com/libremesh/shared-state-async/internal/transport"
	"github.com/libremesh/shared-state-async/internal/verify"
)

/*
driver.go

Runs a bounded number of independent trials against one target.

Each trial walks Idle -> Connecting -> Sending -> Receiving -> Verifying and
ends Passed, Failed or Errored. Trials run strictly one after another, each
on its own connection, which is closed before the next trial connects.
Errors inside a trial become its outcome; only configuration and payload
source errors stop a run.
*/

// State is a step of the per-trial state machine.
type State int

const (
	Idle State = iota
	Connecting
	Sending
	Receiving
	Verifying
	Passed
	Failed
	Errored
)

var stateNames = [...]string{"idle", "connecting", "sending", "receiving", "verifying", "passed", "failed", "errored"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends a trial.
func (s State) Terminal() bool { return s >= Passed }

// Trial records one connect, send, receive, verify cycle.
type Trial struct {
	Index         int
	Payload       *payload.Payload
	State         State
	BytesSent     int
	BytesReceived int
	Received      []byte
	Elapsed       time.Duration
	Result        *verify.Result
	// Err is the error that ended the trial, or the mismatch for Failed.
	Err error
	// ErrorState is the phase an Errored trial failed in.
	ErrorState State
}

// Summary aggregates a run.
type Summary struct {
	RunID   string
	Trials  []*Trial
	Passed  int
	Failed  int
	Errored int
}

// OK reports whether every trial passed.
func (s *Summary) OK() bool {
	return len(s.Trials) > 0 && s.Passed == len(s.Trials)
}

func (s *Summary) add(t *Trial) {
	s.Trials = append(s.Trials, t)
	switch t.State {
	case Passed:
		s.Passed++
	case Failed:
		s.Failed++
	default:
		s.Errored++
	}
}

// Driver runs trials for one configuration.
type Driver struct {
	cfg     Config
	src     payload.Source
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New returns a Driver. logger and m may be nil.
func New(cfg Config, src payload.Source, logger *zap.Logger, m *metrics.Metrics) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: nil payload source", ErrConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Driver{cfg: cfg, src: src, log: logger, metrics: m}, nil
}

// Execute loads the payload source named by cfg and runs every trial.
func Execute(ctx context.Context, cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src, err := payload.Load(cfg.Filename, cfg.Salt)
	if err != nil {
		return nil, err
	}
	d, err := New(cfg, src, logger, m)
	if err != nil {
		return nil, err
	}
	return d.Run(ctx)
}

// Run executes the configured number of trials. It stops early only when
// ctx is cancelled, returning the trials completed so far.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{RunID: uuid.NewString()}
	log := d.log.With(zap.String("run", sum.RunID))
	log.Info("run starting",
		zap.String("target", fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)),
		zap.Int("repetitions", d.cfg.Repetitions),
		zap.String("file", d.cfg.Filename),
	)

	for i := 1; i <= d.cfg.Repetitions; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		t := d.runTrial(ctx, i, log)
		sum.add(t)
		d.report(log, t)
	}

	log.Info("run finished",
		zap.Int("passed", sum.Passed),
		zap.Int("failed", sum.Failed),
		zap.Int("errored", sum.Errored),
	)
	return sum, nil
}

func (d *Driver) runTrial(ctx context.Context, idx int, log *zap.Logger) *Trial {
	t := &Trial{Index: idx, Payload: d.src.Next(), State: Idle}
	start := time.Now()
	d.execute(ctx, t, log.With(zap.Int("trial", idx)))
	t.Elapsed = time.Since(start)

	outcome := metrics.Errored
	switch t.State {
	case Passed:
		outcome = metrics.Passed
	case Failed:
		outcome = metrics.Failed
	}
	d.metrics.ObserveTrial(outcome, t.Elapsed)
	return t
}

// execute drives t to a terminal state. The session is released on every
// path out of this function.
func (d *Driver) execute(ctx context.Context, t *Trial, log *zap.Logger) {
	advance := func(s State) {
		log.Debug("trial state", zap.Stringer("from", t.State), zap.Stringer("to", s))
		t.State = s
	}
	fail := func(err error) {
		t.ErrorState = t.State
		t.Err = err
		advance(Errored)
	}

	advance(Connecting)
	// Writes share the read bound.
	sess, err := transport.Connect(ctx, d.cfg.Host, d.cfg.Port, transport.Options{
		ConnectTimeout: d.cfg.ConnectTimeout,
		RecvTimeout:    d.cfg.RecvTimeout,
		SendTimeout:    d.cfg.RecvTimeout,
	})
	if err != nil {
		fail(err)
		return
	}
	defer sess.Close()
	d.metrics.Connects.Inc()

	advance(Sending)
	limiter := ratelimit.NewUnlimited()
	if d.cfg.ChunkRate > 0 {
		limiter = ratelimit.New(d.cfg.ChunkRate, ratelimit.WithoutSlack)
	}
	chunks := t.Payload.Chunks(d.cfg.ChunkSize)
	for chunk := chunks.Next(); len(chunk) > 0; chunk = chunks.Next() {
		limiter.Take()
		n, err := sess.SendAll(chunk)
		t.BytesSent += n
		d.metrics.BytesSent.Add(float64(n))
		if err != nil {
			fail(err)
			return
		}
	}

	kind := t.Payload.Kind()
	var acc *receive.Accumulator
	if kind == payload.FileBacked {
		if d.cfg.HalfClose {
			if err := sess.CloseWrite(); err != nil {
				fail(fmt.Errorf("%w: half-close: %v", transport.ErrSend, err))
				return
			}
		}
		acc = receive.UntilClose(d.cfg.readSize(kind))
	} else {
		acc = receive.ExpectedLength(t.Payload.Len(), d.cfg.readSize(kind), d.cfg.Delay)
	}
	acc.OnRead = func(n int) {
		d.metrics.BytesReceived.Add(float64(n))
		log.Debug("received", zap.Int("bytes", n))
	}

	advance(Receiving)
	buf, err := acc.Run(ctx, sess)
	t.Received = buf.Bytes()
	t.BytesReceived = buf.Len()
	if err != nil {
		fail(err)
		return
	}
	// Accumulation is over; nothing else is read from this connection.
	_ = sess.Close()

	advance(Verifying)
	var res verify.Result
	if kind == payload.FileBacked {
		res = verify.CompareSimilarity(t.Payload.Bytes(), t.Received, d.cfg.Threshold)
		d.metrics.LastRatio.Set(res.Ratio)
	} else {
		res = verify.CompareExact(t.Payload.Bytes(), t.Received)
	}
	t.Result = &res
	if res.Passed {
		advance(Passed)
		return
	}
	t.Err = res.Err()
	advance(Failed)
}

func (d *Driver) report(log *zap.Logger, t *Trial) {
	fields := []zap.Field{
		zap.Int("trial", t.Index),
		zap.Stringer("outcome", t.State),
		zap.String("sent", t.Payload.String()),
		zap.String("received", string(t.Received)),
		zap.Int("bytes_sent", t.BytesSent),
		zap.Int("bytes_received", t.BytesReceived),
		zap.Duration("elapsed", t.Elapsed),
	}
	if t.Result != nil && t.Result.Mode == verify.Similarity {
		fields = append(fields, zap.Float64("ratio", t.Result.Ratio), zap.Float64("threshold", t.Result.Threshold))
	}
	switch t.State {
	case Passed:
		log.Info("trial passed", fields...)
	case Failed:
		var mm *verify.MismatchError
		if errors.As(t.Err, &mm) {
			fields = append(fields, zap.String("diff", mm.Diff()))
		}
		log.Warn("trial failed", append(fields, zap.Error(t.Err))...)
	default:
		log.Error("trial errored", append(fields, zap.Stringer("phase", t.ErrorState), zap.Error(t.Err))...)
	}
}
