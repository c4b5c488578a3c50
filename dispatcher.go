package procdisp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Dispatcher spreads calls over a pool of worker processes running the same
// module, in round robin order. With an empty pool each call gets a
// transient worker of its own.
type Dispatcher struct {
	module Module
	s      *settings
	log    logrus.FieldLogger

	mu     sync.Mutex
	pool   []*ModuleProcess
	cursor ring
}

// NewDispatcher creates a dispatcher for mod with an empty pool.
func NewDispatcher(mod Module, opts ...Option) *Dispatcher {
	s := newSettings(opts)
	return &Dispatcher{
		module: mod,
		s:      s,
		log:    s.log.WithField("module", mod.Name),
	}
}

// DispatchOption configures one dispatch.
type DispatchOption func(*dispatchConfig)

type dispatchConfig struct {
	termOnComplete bool
}

// TermOnComplete controls what happens to a transient worker after its
// call: stopped and discarded when true, added to the pool when false.
// It has no effect when the call goes to a pooled worker.
func TermOnComplete(term bool) DispatchOption {
	return func(c *dispatchConfig) {
		c.termOnComplete = term
	}
}

// Module returns the dispatcher's module.
func (d *Dispatcher) Module() Module {
	return d.module
}

// Size returns the number of pooled workers.
func (d *Dispatcher) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pool)
}

// Workers returns a copy of the pool in rotation order.
func (d *Dispatcher) Workers() []*ModuleProcess {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*ModuleProcess(nil), d.pool...)
}

// PreFork starts n workers concurrently and, only if all of them complete
// the handshake, replaces the pool with them and rewinds the cursor. On any
// failure the started workers are stopped, the pool is left as it was and
// the failures are returned together. Replaced workers are stopped in the
// background once their calls in flight have been answered.
func (d *Dispatcher) PreFork(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("prefork needs at least one worker, got %d", n)
	}
	if err := d.module.Validate(); err != nil {
		return err
	}

	workers := make([]*ModuleProcess, n)
	for i := range workers {
		workers[i] = newModuleProcess(d.module, d.s)
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	var g errgroup.Group
	if d.s.spawnLimit > 0 {
		g.SetLimit(d.s.spawnLimit)
	}
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			if err := w.Start(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("worker %d: %w", i, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if err := result.ErrorOrNil(); err != nil {
		d.log.WithError(err).Error("Prefork failed")
		stopAll(workers, true)
		return err
	}

	d.mu.Lock()
	replaced := d.pool
	d.pool = workers
	d.cursor.reset(len(workers))
	d.mu.Unlock()
	d.poolChanged(n)

	d.log.WithField("workers", n).Info("Pool pre-forked")

	if len(replaced) > 0 {
		go retire(replaced)
	}
	return nil
}

// retire force-stops workers that left the pool, each once it has no call
// awaiting a reply.
func retire(workers []*ModuleProcess) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *ModuleProcess) {
			defer wg.Done()
			w.awaitIdle()
			<-w.Stop(true).Done()
		}(w)
	}
	wg.Wait()
}

// stopAll force-stops workers concurrently and waits for all of them.
func stopAll(workers []*ModuleProcess, force bool) {
	var wg sync.WaitGroup
	for _, w := range workers {
		if w.Pid() == 0 {
			continue
		}
		wg.Add(1)
		go func(w *ModuleProcess) {
			defer wg.Done()
			<-w.Stop(force).Done()
		}(w)
	}
	wg.Wait()
}

// Dispatch calls function on the next pooled worker, or on a new transient
// worker when the pool is empty. The call's own result is always what the
// future resolves with; trouble stopping a transient worker is only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, function string, params any, opts ...DispatchOption) *Future {
	cfg := dispatchConfig{termOnComplete: d.s.termOnComplete}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := d.s.tracer.Start(ctx, "procdisp.dispatch", trace.WithAttributes(
		attribute.String("procdisp.module", d.module.Name),
		attribute.String("procdisp.function", function),
	))

	started := time.Now()
	if d.s.metrics != nil {
		started = d.s.metrics.StartRequest()
	}

	out := newFuture()
	finish := func(reply *Reply, worker *ModuleProcess, transient bool) {
		elapsed := time.Since(started)
		if d.s.metrics != nil {
			d.s.metrics.EndRequest(started, reply.Err == nil)
		}
		d.s.prom.observeDispatch(d.module.Name, function, elapsed, reply.Err)

		if worker != nil {
			span.SetAttributes(attribute.String("procdisp.worker", worker.ID()))
		}
		span.SetAttributes(attribute.Bool("procdisp.transient", transient))
		if reply.Err != nil {
			span.RecordError(reply.Err)
			span.SetStatus(codes.Error, reply.Err.Error())
		}
		span.End()

		d.log.WithFields(logrus.Fields{
			"function":  function,
			"transient": transient,
			"elapsed":   elapsed,
		}).Debug("Dispatch completed")
		out.resolve(reply)
	}

	d.mu.Lock()
	if i := d.cursor.pick(); i >= 0 {
		w := d.pool[i]
		// Registered before the lock is released, so a worker replaced by
		// PreFork counts this call as pending.
		fut := w.Invoke(function, params)
		d.mu.Unlock()

		go func() {
			<-fut.Done()
			reply := fut.Reply()
			if errors.Is(reply.Err, ErrWorkerExited) {
				d.evict(w)
			}
			finish(reply, w, false)
		}()
		return out
	}
	d.mu.Unlock()

	go func() {
		w := newModuleProcess(d.module, d.s)
		if err := w.Start(ctx); err != nil {
			finish(&Reply{Err: err, Worker: w.ID()}, w, true)
			return
		}

		fut := w.Invoke(function, params)
		<-fut.Done()
		reply := fut.Reply()

		switch {
		case cfg.termOnComplete:
			stop := w.Stop(true)
			<-stop.Done()
			if err := stop.Reply().Err; err != nil {
				d.log.WithError(err).WithField("worker", w.ID()).Warn("Transient worker stop failed")
			}
		case w.State() == StateInitialized:
			d.mu.Lock()
			d.pool = append(d.pool, w)
			d.cursor.resize(len(d.pool))
			size := len(d.pool)
			d.mu.Unlock()
			d.poolChanged(size)
		default:
			d.log.WithField("state", w.State()).Warn("Transient worker not pooled")
		}

		finish(reply, w, true)
	}()
	return out
}

// Call dispatches function and decodes the reply values into out.
func (d *Dispatcher) Call(ctx context.Context, function string, params any, out ...any) error {
	reply, err := d.Dispatch(ctx, function, params).Wait(ctx)
	if err != nil {
		return err
	}
	return reply.Decode(out...)
}

// Stop stops every pooled worker concurrently. Afterwards the pool keeps
// only the workers that did not reach the stopped state, which can only
// happen without force when a pre-stop hook fails. With force the pool is
// emptied.
func (d *Dispatcher) Stop(ctx context.Context, force bool) error {
	workers := d.Workers()

	var g multierror.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if _, err := w.Stop(force).Wait(ctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.ID(), err)
			}
			return nil
		})
	}
	result := g.Wait()

	stopped := make(map[*ModuleProcess]bool, len(workers))
	if force {
		for _, w := range workers {
			stopped[w] = true
		}
	}

	d.mu.Lock()
	before := len(d.pool)
	kept := make([]*ModuleProcess, 0, len(d.pool))
	for _, w := range d.pool {
		if stopped[w] {
			continue
		}
		if state := w.State(); state == StateStopped || state == StateExited {
			continue
		}
		kept = append(kept, w)
	}
	d.pool = kept
	d.cursor.resize(len(kept))
	d.mu.Unlock()
	d.poolChanged(len(kept))

	err := result.ErrorOrNil()
	d.log.WithFields(logrus.Fields{
		"force":   force,
		"removed": before - len(kept),
		"kept":    len(kept),
	}).Info("Pool stopped")
	return err
}

// evict removes a worker whose process is gone from the pool.
func (d *Dispatcher) evict(w *ModuleProcess) {
	d.mu.Lock()
	idx := -1
	for i, pw := range d.pool {
		if pw == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return
	}
	d.pool = append(d.pool[:idx:idx], d.pool[idx+1:]...)
	d.cursor.remove(idx)
	size := len(d.pool)
	d.mu.Unlock()

	d.log.WithField("worker", w.ID()).Warn("Evicted exited worker from pool")
	d.poolChanged(size)
}

func (d *Dispatcher) poolChanged(size int) {
	if d.s.metrics != nil {
		d.s.metrics.SetPoolSize(size)
	}
	d.s.prom.setPoolSize(d.module.Name, size)
}

// DispatchToModule runs one call on a fresh worker for mod and force-stops
// the worker afterwards.
func DispatchToModule(ctx context.Context, mod Module, function string, params any, opts ...Option) (*Reply, error) {
	w := NewModuleProcess(mod, opts...)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if _, err := w.Stop(true).Wait(context.Background()); err != nil {
			w.log.WithError(err).Warn("Worker stop failed")
		}
	}()

	return w.Invoke(function, params).Wait(ctx)
}
