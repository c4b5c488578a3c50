package procdisp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a worker process handle.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateFailed
	StateStopped
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// drainTimeout bounds how long exit handling waits for replies the worker
// wrote just before it exited.
const drainTimeout = 100 * time.Millisecond

// ModuleProcess owns one worker process end to end: spawn, handshake,
// calls, stop.
type ModuleProcess struct {
	id     string
	module Module
	s      *settings
	log    logrus.FieldLogger
	calls  *callRegistry

	mu    sync.Mutex
	state State
	conn  *workerConn
	ready *Future

	readDone chan struct{}
	exited   chan struct{}
	lostOnce sync.Once
}

// NewModuleProcess creates a handle for mod. Nothing is spawned until Start.
func NewModuleProcess(mod Module, opts ...Option) *ModuleProcess {
	return newModuleProcess(mod, newSettings(opts))
}

func newModuleProcess(mod Module, s *settings) *ModuleProcess {
	id := uuid.NewString()
	log := s.log.WithFields(logrus.Fields{"module": mod.Name, "worker": id[:8]})
	return &ModuleProcess{
		id:       id,
		module:   mod,
		s:        s,
		log:      log,
		calls:    newCallRegistry(log),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// ID returns the handle's unique identifier.
func (p *ModuleProcess) ID() string {
	return p.id
}

// Module returns the module the handle runs.
func (p *ModuleProcess) Module() Module {
	return p.module
}

// State returns the current lifecycle state.
func (p *ModuleProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pid returns the worker's process id, or 0 before Start.
func (p *ModuleProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return 0
	}
	return p.conn.pid
}

// Exited is closed once the worker process has exited.
func (p *ModuleProcess) Exited() <-chan struct{} {
	return p.exited
}

// Pending returns the number of calls awaiting a reply.
func (p *ModuleProcess) Pending() int {
	return p.calls.len()
}

// Start spawns the worker and blocks until the init handshake completes.
// Starting an initialized handle is a no-op. If the handshake fails or ctx
// is done first, the handle is Failed and the worker is killed.
func (p *ModuleProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.ready != nil {
		state, ready := p.state, p.ready
		p.mu.Unlock()

		switch state {
		case StateInitialized:
			p.log.Warn("Already initialized")
			return nil
		case StateStopped:
			return ErrStopped
		case StateExited:
			return ErrWorkerExited
		}
		_, err := ready.Wait(ctx)
		return err
	}
	if err := p.module.Validate(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.ready = newFuture()
	p.mu.Unlock()

	if err := p.start(ctx); err != nil {
		p.fail(err)
		return err
	}
	return nil
}

func (p *ModuleProcess) start(ctx context.Context) error {
	payload, err := encodeOptions(p.module.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}

	conn, err := p.s.spawn(p.module, p.log)
	if err != nil {
		return fmt.Errorf("failed to spawn worker: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	go p.readLoop(conn)
	go p.waitLoop(conn)

	if err := conn.ch.send(NewInit(payload)); err != nil {
		return fmt.Errorf("failed to send init: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("worker handshake: %w", ctx.Err())
	case <-p.ready.Done():
	}
	return p.ready.Reply().Err
}

// fail marks a handshake failure and kills the worker.
func (p *ModuleProcess) fail(err error) {
	p.mu.Lock()
	if p.state == StateUninitialized || p.state == StateInitialized {
		p.state = StateFailed
	}
	conn := p.conn
	p.mu.Unlock()

	p.ready.resolve(&Reply{Err: err, Worker: p.id})
	p.log.WithError(err).Warn("Worker failed to start")

	if conn != nil {
		conn.cleanup()
		conn.kill()
	}
}

// Invoke calls function on the worker with params. The future resolves with
// the worker's reply, or with ErrWorkerExited if the worker dies first.
func (p *ModuleProcess) Invoke(function string, params any) *Future {
	p.mu.Lock()
	state, conn := p.state, p.conn
	p.mu.Unlock()

	switch {
	case conn == nil:
		return failedFuture(ErrNotStarted)
	case state == StateStopped:
		return failedFuture(ErrStopped)
	case state == StateExited:
		return failedFuture(ErrWorkerExited)
	case state == StateFailed:
		return failedFuture(notInitializedError(p.module.Name))
	}

	raw, err := encodeValue(params)
	if err != nil {
		return failedFuture(fmt.Errorf("failed to encode params: %w", err))
	}

	token := p.calls.nextToken(KindInvoke)
	return p.request(conn, NewInvoke(token, function, raw), function)
}

// Stop asks the worker to run its pre-stop hook and exit. With force the
// worker exits even if the hook fails, and the future resolves only once
// the process is gone, killing it after the kill timeout.
func (p *ModuleProcess) Stop(force bool) *Future {
	p.mu.Lock()
	state, conn := p.state, p.conn
	p.mu.Unlock()

	if conn == nil {
		return failedFuture(ErrNotStarted)
	}
	switch state {
	case StateStopped, StateExited, StateFailed:
		if force {
			out := newFuture()
			go func() {
				p.awaitExit()
				out.resolve(&Reply{Worker: p.id})
			}()
			return out
		}
		if state == StateExited {
			return failedFuture(ErrWorkerExited)
		}
		return resolvedFuture(&Reply{Worker: p.id})
	}

	token := p.calls.nextToken(KindStop)
	fut := p.request(conn, NewStop(token, force), "")
	if !force {
		return fut
	}

	out := newFuture()
	go func() {
		<-fut.Done()
		reply := fut.Reply()
		if errors.Is(reply.Err, ErrWorkerExited) {
			reply = &Reply{Latency: reply.Latency, Worker: p.id}
		}
		p.setStopped()
		p.awaitExit()
		out.resolve(reply)
	}()
	return out
}

// Close disconnects from the worker, which then exits on its own, and
// waits for the process. It does not run the pre-stop hook.
func (p *ModuleProcess) Close() error {
	p.mu.Lock()
	conn, state := p.conn, p.state
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	if state == StateUninitialized || state == StateInitialized {
		p.setStopped()
	}
	conn.cleanup()
	p.awaitExit()
	return nil
}

// request registers a pending call and sends msg.
func (p *ModuleProcess) request(conn *workerConn, msg *Message, function string) *Future {
	fut := newFuture()
	if err := p.calls.register(msg.Token, function, fut); err != nil {
		return failedFuture(err)
	}

	select {
	case <-p.exited:
		p.abandon(msg.Token, ErrWorkerExited)
		return fut
	default:
	}

	if err := conn.ch.send(msg); err != nil {
		p.abandon(msg.Token, fmt.Errorf("failed to send %s: %w", msg.Kind, err))
	}
	return fut
}

func (p *ModuleProcess) abandon(token string, err error) {
	if call := p.calls.forget(token); call != nil {
		call.future.resolve(&Reply{Err: err, Worker: p.id})
	}
}

func (p *ModuleProcess) readLoop(conn *workerConn) {
	defer close(p.readDone)
	for {
		msg, err := conn.ch.recv()
		if err != nil {
			if errors.Is(err, errInvalidMessage) {
				p.log.WithError(err).Warn("Dropping invalid message")
				continue
			}
			if err != io.EOF {
				p.log.WithError(err).Error("Worker channel failed")
				conn.kill()
			}
			return
		}
		p.handle(msg)
	}
}

func (p *ModuleProcess) waitLoop(conn *workerConn) {
	err := conn.wait()
	select {
	case <-p.readDone:
	case <-time.After(drainTimeout):
	}
	p.lost(conn, err)
}

// handle routes a reply by kind.
func (p *ModuleProcess) handle(msg *Message) {
	reply := &Reply{Values: msg.Values, Worker: p.id}
	if msg.Error != nil {
		reply.Err = msg.Error
	}

	p.log.WithFields(logrus.Fields{
		"kind":     msg.Kind,
		"token":    msg.Token,
		"function": msg.Function,
		"elapsed":  msg.Elapsed(),
	}).Debug("Reply received")

	switch msg.Kind {
	case KindInit:
		p.mu.Lock()
		if p.state == StateUninitialized {
			if reply.Err == nil {
				p.state = StateInitialized
			} else {
				p.state = StateFailed
			}
		}
		p.mu.Unlock()

		if reply.Err == nil {
			p.recordEvent("spawned")
		}
		reply.Latency = msg.Elapsed()
		p.ready.resolve(reply)
	case KindInvoke:
		p.calls.resolve(msg.Token, reply)
	case KindStop:
		if reply.Err == nil || msg.Force {
			p.setStopped()
		}
		p.calls.resolve(msg.Token, reply)
	}
}

func (p *ModuleProcess) setStopped() {
	p.mu.Lock()
	changed := p.state != StateStopped
	p.state = StateStopped
	p.mu.Unlock()

	if changed {
		p.recordEvent("stopped")
	}
}

// lost runs once the worker process has exited, for whatever reason.
func (p *ModuleProcess) lost(conn *workerConn, waitErr error) {
	p.lostOnce.Do(func() {
		p.mu.Lock()
		prev := p.state
		if prev == StateUninitialized || prev == StateInitialized {
			p.state = StateExited
		}
		p.mu.Unlock()

		close(p.exited)
		conn.cleanup()
		pending := p.calls.failAll(ErrWorkerExited, p.id)
		p.ready.resolve(&Reply{Err: ErrWorkerExited, Worker: p.id})

		entry := p.log.WithField("pending", pending)
		if waitErr != nil {
			entry = entry.WithField("exit", waitErr.Error())
		}
		if prev == StateStopped || prev == StateFailed {
			entry.Debug("Worker process exited")
			return
		}
		entry.Warn("Worker process exited unexpectedly")
		p.recordEvent("lost")
	})
}

// idlePoll is how often awaitIdle checks for calls awaiting a reply.
const idlePoll = 10 * time.Millisecond

// awaitIdle returns once no call is awaiting a reply or the process is gone.
func (p *ModuleProcess) awaitIdle() {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for p.Pending() > 0 {
		select {
		case <-p.exited:
			return
		case <-ticker.C:
		}
	}
}

// awaitExit waits for the process to exit, killing it after the kill timeout.
func (p *ModuleProcess) awaitExit() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}

	timer := time.NewTimer(p.s.killTimeout)
	defer timer.Stop()

	select {
	case <-p.exited:
		return
	case <-timer.C:
	}

	p.log.WithField("timeout", p.s.killTimeout).Warn("Worker did not exit in time, killing")
	conn.kill()
	<-p.exited
}

func (p *ModuleProcess) recordEvent(event string) {
	if m := p.s.metrics; m != nil {
		switch event {
		case "spawned":
			m.RecordSpawn()
		case "stopped":
			m.RecordStop()
		case "lost":
			m.RecordLost()
		}
	}
	p.s.prom.workerEvent(p.module.Name, event)
}
