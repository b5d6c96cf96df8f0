package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/libremesh/shared-state-async/internal/metrics"
	"github.com/libremesh/shared-state-async/internal/payload"
	"github.com/libremesh/shared-state-async/internal/target"
	"github.com/libremesh/shared-state-async/internal/transport"
	"github.com/libremesh/shared-state-async/internal/trial"
)

/*
bufferprobe

Checks that a target service reflects byte streams larger than its output
buffer intact, while the client consumes replies slowly.

Modes:
- client: run the configured number of trials against -ip:-port.
- server: run the reference target service.
- both: run the reference target and trials against it in one process.

Exit status is 0 when every trial passes, 1 when any trial fails or errors,
and 2 on configuration or payload source errors.
*/

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

type options struct {
	mode        string
	metricsAddr string
	svcAction   string
	debug       bool

	trial  trial.Config
	target target.Config
}

func parseFlags(args []string, out io.Writer) (options, error) {
	o := options{trial: trial.DefaultConfig()}
	fs := flag.NewFlagSet("bufferprobe", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&o.mode, "mode", "client", "client, server or both")
	fs.StringVar(&o.metricsAddr, "metrics", "", "HTTP address for Prometheus /metrics (empty disables)")
	fs.StringVar(&o.svcAction, "svc", "", "service action for the target: install | uninstall | start | stop | run")
	fs.BoolVar(&o.debug, "debug", false, "development logging at debug level")

	fs.StringVar(&o.trial.Filename, "file", "", "payload file (empty sends the inline message)")
	fs.IntVar(&o.trial.Repetitions, "n", o.trial.Repetitions, "number of trials")
	fs.StringVar(&o.trial.Host, "ip", o.trial.Host, "target IP address")
	fs.IntVar(&o.trial.Port, "port", o.trial.Port, "target port")
	fs.BoolVar(&o.trial.Salt, "salt", o.trial.Salt, "append a unique stamp to each inline message")
	fs.DurationVar(&o.trial.Delay, "delay", o.trial.Delay, "pause after each read in inline mode")
	fs.IntVar(&o.trial.ReadSize, "read-size", 0, "bytes per read (0 = 50 inline, 1024 file)")
	fs.IntVar(&o.trial.ChunkSize, "chunk-size", o.trial.ChunkSize, "bytes per send chunk")
	fs.IntVar(&o.trial.ChunkRate, "chunk-rate", 0, "chunks per second (0 = unlimited)")
	fs.BoolVar(&o.trial.HalfClose, "half-close", o.trial.HalfClose, "shut down the write side after sending a file")
	fs.Float64Var(&o.trial.Threshold, "threshold", o.trial.Threshold, "similarity ratio a file reply must exceed")
	fs.DurationVar(&o.trial.ConnectTimeout, "connect-timeout", o.trial.ConnectTimeout, "connect timeout")
	fs.DurationVar(&o.trial.RecvTimeout, "timeout", o.trial.RecvTimeout, "per-read and per-write timeout (0 disables)")

	fs.StringVar(&o.target.Addr, "listen", fmt.Sprintf(":%d", transport.DefaultPort), "target: TCP address to listen on")
	targetMode := fs.String("target-mode", string(target.Echo), "target: echo or reflect")
	fs.StringVar(&o.target.Trailer, "trailer", "", "target: metadata line appended in reflect mode")
	fs.BoolVar(&o.target.KeepHeader, "keep-header", false, "target: do not drop the first request line in reflect mode")
	fs.IntVar(&o.target.WriteSize, "write-size", 0, "target: bytes per reply write (0 = whole reply)")
	fs.DurationVar(&o.target.WriteDelay, "write-delay", 0, "target: pause between reply writes")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	m, err := target.ParseMode(*targetMode)
	if err != nil {
		return o, err
	}
	o.target.Mode = m
	switch o.mode {
	case "client", "server", "both":
	default:
		return o, fmt.Errorf("unknown mode: %s", o.mode)
	}
	return o, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	o, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	logger, err := newLogger(o.debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	if o.svcAction != "" {
		return control(o, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := runApp(ctx, o, logger, metrics.New(prometheus.DefaultRegisterer))
	return exitCode(sum, err, logger)
}

func exitCode(sum *trial.Summary, err error, logger *zap.Logger) int {
	switch {
	case errors.Is(err, trial.ErrConfig), errors.Is(err, payload.ErrSourceUnavailable):
		logger.Error("run aborted", zap.Error(err))
		return exitUsage
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Error("run error", zap.Error(err))
		return exitFailed
	case sum != nil && !sum.OK():
		return exitFailed
	case sum == nil && err != nil:
		return exitFailed
	}
	return exitOK
}

// control runs a service action through kardianos/service. The service
// runs the reference target.
func control(o options, logger *zap.Logger) int {
	svcConfig := &service.Config{
		Name:        "bufferprobe_target",
		DisplayName: "Buffer Probe Target",
		Description: "Reference target service for the buffer probe harness.",
		Arguments:   serviceArgs(o),
	}
	prg := &program{opts: o, log: logger, metrics: metrics.New(prometheus.DefaultRegisterer)}
	svc, err := service.New(prg, svcConfig)
	if err != nil {
		logger.Error("service setup error", zap.Error(err))
		return exitUsage
	}
	switch o.svcAction {
	case "install":
		err = svc.Install()
	case "uninstall":
		err = svc.Uninstall()
	case "start":
		err = svc.Start()
	case "stop":
		err = svc.Stop()
	case "run":
		err = svc.Run()
	default:
		logger.Error("unknown svc action", zap.String("action", o.svcAction))
		return exitUsage
	}
	if err != nil {
		logger.Error("service action failed", zap.String("action", o.svcAction), zap.Error(err))
		return exitFailed
	}
	logger.Info("service action done", zap.String("action", o.svcAction))
	return exitOK
}

// serviceArgs is the command line the installed service is started with.
func serviceArgs(o options) []string {
	args := []string{
		"-svc", "run",
		"-listen", o.target.Addr,
		"-target-mode", string(o.target.Mode),
		"-write-size", fmt.Sprint(o.target.WriteSize),
		"-write-delay", o.target.WriteDelay.String(),
	}
	if o.target.Trailer != "" {
		args = append(args, "-trailer", o.target.Trailer)
	}
	if o.target.KeepHeader {
		args = append(args, "-keep-header")
	}
	if o.metricsAddr != "" {
		args = append(args, "-metrics", o.metricsAddr)
	}
	return args
}

// program implements service.Interface for kardianos/service.
type program struct {
	opts    options
	log     *zap.Logger
	metrics *metrics.Metrics

	cancel context.CancelFunc
	done   sync.WaitGroup
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	opts := p.opts
	opts.mode = "server"
	p.done.Add(1)
	go func() {
		defer p.done.Done()
		if _, err := runApp(ctx, opts, p.log, p.metrics); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("service run error", zap.Error(err))
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.done.Wait()
	return nil
}

// runApp starts the optional metrics endpoint and dispatches on mode.
// m is registered by the caller and may be shared across calls.
func runApp(ctx context.Context, o options, logger *zap.Logger, m *metrics.Metrics) (*trial.Summary, error) {
	if o.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	switch o.mode {
	case "server":
		srv, err := target.Listen(o.target, logger.Named("target"))
		if err != nil {
			return nil, fmt.Errorf("server error: %w", err)
		}
		return nil, srv.Serve(ctx)
	case "client":
		return trial.Execute(ctx, o.trial, logger.Named("client"), m)
	case "both":
		srv, err := target.Listen(o.target, logger.Named("target"))
		if err != nil {
			return nil, fmt.Errorf("server error: %w", err)
		}
		cfg := o.trial
		cfg.Host = "127.0.0.1"
		cfg.Port = srv.Port()

		serverCtx, stopServer := context.WithCancel(ctx)
		group, gctx := errgroup.WithContext(serverCtx)
		group.Go(func() error {
			return srv.Serve(gctx)
		})

		sum, runErr := trial.Execute(ctx, cfg, logger.Named("client"), m)
		stopServer()
		if err := group.Wait(); err != nil {
			return sum, fmt.Errorf("server error: %w", err)
		}
		return sum, runErr
	default:
		return nil, fmt.Errorf("unknown mode: %s", o.mode)
	}
}
