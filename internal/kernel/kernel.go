// Package kernel is the composition root for the pipeline core. It wires
// config, logging, persistence, metrics, the event log, the tool scheduler,
// and the graph executor into one lifecycle so every entry point (CLI, tests,
// embedding services) builds the same stack the same way.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"dxpipe/pkg/checkpoint"
	"dxpipe/pkg/config"
	"dxpipe/pkg/eventlog"
	"dxpipe/pkg/graph"
	"dxpipe/pkg/limiter"
	"dxpipe/pkg/logx"
	"dxpipe/pkg/metrics"
	"dxpipe/pkg/persistence"
	"dxpipe/pkg/scheduler"
)

// Options carries the injected collaborators the core itself does not
// implement. Handlers supplies the stage implementations; Invoker the
// evidence-tool backend. The execution stage falls back to the built-in tool
// batch when no Execution handler is wired, so Invoker is required unless
// Handlers.Execution is set.
type Options struct {
	Handlers graph.Handlers
	Invoker  scheduler.Invoker

	// DisableMetrics skips Prometheus registration. Tests that build many
	// kernels in one process set this to avoid duplicate collectors.
	DisableMetrics bool
}

// Kernel owns the shared infrastructure for pipeline runs.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle context
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Store       *persistence.Store
	Checkpoints *checkpoint.Manager
	Events      *eventlog.Writer
	Recorder    *metrics.Recorder
	Scheduler   *scheduler.Scheduler
	Executor    *graph.Executor

	metricsServer *http.Server
	running       bool
}

// New builds a kernel from config and injected collaborators. Nothing is
// started; callers invoke Start for the long-lived pieces.
func New(parent context.Context, cfg *config.Config, opts Options) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}

	if err := k.initialize(opts); err != nil {
		cancel()
		k.closePartial()
		return nil, err
	}
	return k, nil
}

// initialize wires the services bottom-up: storage, then observability, then
// the scheduler, then the executor on top.
func (k *Kernel) initialize(opts Options) error {
	if dir := filepath.Dir(k.Config.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	store, err := persistence.Open(k.Config.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	k.Store = store
	k.Checkpoints = checkpoint.NewManager(store)

	events, err := eventlog.NewWriter(k.Config.EventLog.Dir, k.Config.EventLog.RotationHours)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	k.Events = events

	sinks := graph.MultiSink{events}
	if !opts.DisableMetrics {
		k.Recorder = metrics.NewRecorder()
		sinks = append(sinks, k.Recorder)
	}

	invoker := opts.Invoker
	if invoker != nil && k.Recorder != nil {
		invoker = k.Recorder.Invoker(invoker)
	}
	if invoker != nil {
		k.Scheduler = scheduler.New(invoker, limiter.NewLimiter(k.Config.Tools), k.Config)
	}

	executor, err := graph.New(graph.Deps{
		Config:      k.Config,
		Handlers:    opts.Handlers,
		Tools:       k.Scheduler,
		Checkpoints: k.Checkpoints,
		Persistence: store,
		Events:      sinks,
	})
	if err != nil {
		return fmt.Errorf("failed to build executor: %w", err)
	}
	k.Executor = executor
	return nil
}

// Start brings up the long-lived services. Today that is only the /metrics
// listener; runs themselves are driven by callers through Executor.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	if addr := k.Config.Metrics.ListenAddr; addr != "" && k.Recorder != nil {
		k.metricsServer = metrics.NewHTTPServer(addr)
		go func() {
			k.Logger.Info("metrics listener on %s", addr)
			if err := k.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				k.Logger.Error("metrics listener: %v", err)
			}
		}()
	}

	k.running = true
	return nil
}

// Stop shuts the kernel down: the metrics listener drains, the event log and
// database close. Parked runs stay parked; they resume from persisted state.
func (k *Kernel) Stop() error {
	var errs []error

	if k.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := k.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics listener shutdown: %w", err))
		}
		cancel()
		k.metricsServer = nil
	}

	k.cancel()

	if k.Events != nil {
		if err := k.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event log close: %w", err))
		}
	}
	if k.Store != nil {
		if err := k.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	k.running = false
	return errors.Join(errs...)
}

// Context returns the kernel lifecycle context. Run drivers pass it to the
// executor so Stop cancels in-flight stages.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// closePartial releases whatever initialize managed to open before failing.
func (k *Kernel) closePartial() {
	if k.Events != nil {
		_ = k.Events.Close()
	}
	if k.Store != nil {
		_ = k.Store.Close()
	}
}
