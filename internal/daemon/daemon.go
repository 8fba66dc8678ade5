// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the configured Store, Executor, orchestrator
// Service, worker loop, and HTTP API into one runnable process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flowstate/flowstate/internal/api"
	"github.com/flowstate/flowstate/internal/config"
	"github.com/flowstate/flowstate/internal/executor"
	"github.com/flowstate/flowstate/internal/executor/local"
	"github.com/flowstate/flowstate/internal/executor/registry"
	"github.com/flowstate/flowstate/internal/executor/taskqueue"
	"github.com/flowstate/flowstate/internal/executor/webhook"
	"github.com/flowstate/flowstate/internal/interp"
	flog "github.com/flowstate/flowstate/internal/log"
	"github.com/flowstate/flowstate/internal/orchestrator"
	"github.com/flowstate/flowstate/internal/store"
	"github.com/flowstate/flowstate/internal/store/memory"
	"github.com/flowstate/flowstate/internal/store/sqlite"
	"github.com/flowstate/flowstate/internal/tracing"
	"github.com/flowstate/flowstate/internal/worker"
)

// Options carries build-time metadata and the caller-supplied pieces that
// are genuinely out of this repository's scope: the interpreter Adapter
// (spec.md §1 treats the sandboxed interpreter as an external collaborator)
// and the Registry of allowed functions an embedder wants reachable from
// workflow code.
type Options struct {
	Version string

	Adapter  interp.Adapter
	Registry *registry.Registry
}

// completerFunc adapts a plain function to the CompleteCall-shaped
// Completer interface every executor package declares independently.
type completerFunc func(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error

func (f completerFunc) CompleteCall(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error {
	return f(ctx, executionID, resumeGroupID, callID, result, errMsg)
}

// execDispatcher adapts any executor.Executor to orchestrator.Dispatcher by
// submitting each call in a batch and recording the returned job handle.
type execDispatcher struct {
	st store.Store
	ex executor.Executor
}

func (d *execDispatcher) Dispatch(ctx context.Context, executionID, resumeGroupID string, calls []store.NewCall) error {
	for _, c := range calls {
		handle, err := d.ex.Submit(ctx, executor.Call{
			ExecutionID:   executionID,
			ResumeGroupID: resumeGroupID,
			CallID:        c.CallID,
			FunctionName:  c.FunctionName,
			Args:          c.Args,
		})
		if err != nil {
			// A submission error is an immediate failure of that call.
			if cerr := d.st.CompleteCall(ctx, executionID, resumeGroupID, c.CallID, store.CallOutcome{Err: err.Error()}); cerr != nil {
				return cerr
			}
			continue
		}
		if handle != "" {
			if err := d.st.SetCallJobHandle(ctx, executionID, resumeGroupID, c.CallID, handle); err != nil {
				return err
			}
		}
	}
	return nil
}

// Daemon is the assembled flowstated process: Store, Executor, orchestrator
// Service, worker loop, and HTTP API, runnable as a standalone binary or
// embedded in a larger Go program.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	st     store.Store
	svc    *orchestrator.Service
	wrk    *worker.Worker
	router *api.Router
	tracer *tracing.Provider

	queueExecutor *taskqueue.Executor    // non-nil only for executor.kind=taskqueue
	queue         *taskqueue.MemoryQueue // non-nil only for executor.kind=taskqueue

	ln net.Listener
	hs *http.Server

	mu      sync.Mutex
	started bool
}

// New assembles a Daemon from cfg and opts without starting it.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("daemon: an interp.Adapter is required")
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}

	logger := flog.WithComponent(flog.New(flog.FromEnv()), "daemon")

	st, err := newStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("daemon: failed to open store: %w", err)
	}

	tracer, err := tracing.Setup(tracing.Config{
		Enabled:        false,
		ServiceName:    "flowstated",
		ServiceVersion: opts.Version,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("daemon: failed to set up tracing: %w", err)
	}

	var svc *orchestrator.Service
	completer := completerFunc(func(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error {
		return svc.CompleteCall(ctx, executionID, resumeGroupID, callID, result, errMsg)
	})

	ex, queue, err := newExecutor(cfg.Executor, opts.Registry, completer)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("daemon: failed to build executor: %w", err)
	}

	svc = orchestrator.New(st, opts.Adapter, &execDispatcher{st: st, ex: ex}, logger)
	svc.SetTracer(tracer)

	wrk := worker.New(st, svc, svc, nil, worker.Config{
		PollInterval:       cfg.Worker.PollInterval,
		MaxAdvancesPerTick: cfg.Worker.MaxAdvancesPerTick,
	}, flog.WithComponent(logger, "worker"))

	router := api.NewRouter(svc, st, flog.WithComponent(logger, "api"))

	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		st:     st,
		svc:    svc,
		wrk:    wrk,
		router: router,
		tracer: tracer,
		queue:  queue,
	}
	d.queueExecutor, _ = ex.(*taskqueue.Executor)
	return d, nil
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendSQLite:
		return sqlite.New(sqlite.Config{Path: cfg.SQLitePath, WAL: cfg.WAL})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func newExecutor(cfg config.ExecutorConfig, reg *registry.Registry, completer completerFunc) (executor.Executor, *taskqueue.MemoryQueue, error) {
	switch cfg.Kind {
	case config.ExecutorLocal:
		return local.New(reg, completer), nil, nil
	case config.ExecutorTaskQueue:
		q := taskqueue.NewMemoryQueue()
		return taskqueue.New(q, reg, completer), q, nil
	case config.ExecutorWebhook:
		return webhook.New(&webhook.HTTPDispatcher{URL: cfg.WebhookURL}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}

// Start binds the listener, launches the worker loop and (for
// executor.kind=taskqueue) its consumer pool, and serves HTTP until
// Shutdown is called. Cancelling ctx stops the worker loop and consumer
// pool; it does not close the HTTP server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("daemon: failed to listen on %s: %w", d.cfg.Listen, err)
	}
	d.ln = ln

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if d.queueExecutor != nil {
		go d.queueExecutor.RunConsumers(workerCtx, d.cfg.Executor.Consumers)
	}
	go d.wrk.Run(workerCtx)

	d.hs = &http.Server{Handler: d.router}
	d.logger.Info("flowstated listening", flog.String("addr", ln.Addr().String()))

	if err := d.hs.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("daemon: serve failed: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP listener and flushes the tracer.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.hs != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.hs.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.tracer != nil {
		if err := d.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.st.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("daemon: shutdown errors: %v", errs)
	}
	return nil
}
