package procdisp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// Command line arguments that carry a worker's role.
const (
	argModule    = "-procdisp.module="
	argTransport = "-procdisp.transport="
	argEndpoint  = "-procdisp.endpoint="
)

// DefaultStopDelay is how long a worker waits after replying to stop
// before it exits, so the reply can flush.
const DefaultStopDelay = 50 * time.Millisecond

// Role tells a process which module to serve and how to reach its owner.
type Role struct {
	Module    string
	Transport string
	Endpoint  string
}

// WorkerRole resolves the role from process arguments. It reports false
// when the process was not started as a worker.
func WorkerRole(args []string) (Role, bool) {
	var role Role
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, argModule):
			role.Module = strings.TrimPrefix(arg, argModule)
		case strings.HasPrefix(arg, argTransport):
			role.Transport = strings.TrimPrefix(arg, argTransport)
		case strings.HasPrefix(arg, argEndpoint):
			role.Endpoint = strings.TrimPrefix(arg, argEndpoint)
		}
	}
	if role.Module == "" {
		return Role{}, false
	}
	if role.Transport == "" {
		role.Transport = TransportPipe
	}
	return role, true
}

func (r Role) args() []string {
	args := []string{argModule + r.Module, argTransport + r.Transport}
	if r.Endpoint != "" {
		args = append(args, argEndpoint+r.Endpoint)
	}
	return args
}

// Serve turns the process into a worker when it was started with a worker
// role, and never returns in that case. Otherwise it returns immediately.
// Call it first thing in main (or TestMain).
func Serve(modules Modules, opts ...ListenerOption) {
	role, ok := WorkerRole(os.Args[1:])
	if !ok {
		return
	}
	RunWorker(role, modules, opts...)
}

// osExit ends the worker process.
var osExit = os.Exit

// RunWorker serves role until the owner stops or disconnects, then exits
// the process with status 0. A worker that cannot reach its owner logs the
// failure and exits with status 0 as well; the owner sees the exit.
func RunWorker(role Role, modules Modules, opts ...ListenerOption) {
	log := Log.WithFields(logrus.Fields{"module": role.Module, "pid": os.Getpid()})

	ch, err := openWorkerChannel(role, log)
	if err != nil {
		log.WithError(err).Error("Failed to open owner channel")
		osExit(0)
		return
	}

	l := newListener(role.Module, modules, ch, log, opts...)
	l.exit = osExit

	// The owner controls shutdown. Interrupts aimed at the process group
	// must not kill a worker in the middle of a call.
	signal.Ignore(syscall.SIGINT)

	l.serve()
	osExit(0)
}

// openWorkerChannel opens the worker's side of the channel set up by the
// owner. With zmq, EOF on the fd 3 lifeline stands for a disconnect.
func openWorkerChannel(role Role, log logrus.FieldLogger) (channel, error) {
	switch role.Transport {
	case TransportPipe:
	case TransportZMQ:
		if role.Endpoint == "" {
			return nil, fmt.Errorf("zmq transport needs an endpoint")
		}
	default:
		return nil, fmt.Errorf("unknown transport %q", role.Transport)
	}

	in := os.NewFile(3, "procdisp-in")
	if in == nil {
		return nil, fmt.Errorf("fd 3 is not open")
	}

	if role.Transport == TransportZMQ {
		zc, err := dialZMQ(role.Endpoint)
		if err != nil {
			return nil, err
		}
		go func() {
			io.Copy(io.Discard, in)
			log.Debug("Owner lifeline closed")
			zc.close()
		}()
		return zc, nil
	}

	out := os.NewFile(4, "procdisp-out")
	if out == nil {
		return nil, fmt.Errorf("fd 4 is not open")
	}
	return newStreamChannel(in, out), nil
}

// ListenerOption configures the worker side.
type ListenerOption func(*listener)

// WithStopDelay sets the delay between the stop reply and process exit.
func WithStopDelay(d time.Duration) ListenerOption {
	return func(l *listener) {
		l.stopDelay = d
	}
}

// WithListenerLogger sets the worker's logger.
func WithListenerLogger(log logrus.FieldLogger) ListenerOption {
	return func(l *listener) {
		l.log = log
	}
}

// listener executes commands from the owner against one module instance.
type listener struct {
	module    string
	modules   Modules
	ch        channel
	log       logrus.FieldLogger
	stopDelay time.Duration
	exit      func(code int)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	instance *instance
	initDone bool

	exitOnce sync.Once
}

func newListener(module string, modules Modules, ch channel, log logrus.FieldLogger, opts ...ListenerOption) *listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		module:    module,
		modules:   modules,
		ch:        ch,
		log:       log,
		stopDelay: DefaultStopDelay,
		exit:      func(int) {},
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// serve reads commands until the channel closes. Each command runs on its
// own goroutine so a slow function does not hold up the others.
func (l *listener) serve() {
	for {
		msg, err := l.ch.recv()
		if err != nil {
			if errors.Is(err, errInvalidMessage) {
				l.log.WithError(err).Warn("Dropping invalid message")
				continue
			}
			if err == io.EOF {
				l.log.Debug("Owner disconnected")
			} else {
				l.log.WithError(err).Error("Receive failed")
			}
			l.shutdown()
			return
		}

		l.log.WithFields(logrus.Fields{
			"kind":     msg.Kind,
			"token":    msg.Token,
			"function": msg.Function,
		}).Debug("Received command")

		switch msg.Kind {
		case KindInit:
			go l.handleInit(msg)
		case KindInvoke:
			go l.handleInvoke(msg)
		case KindStop:
			go l.handleStop(msg)
		}
	}
}

func (l *listener) handleInit(msg *Message) {
	l.mu.Lock()
	if l.initDone {
		l.mu.Unlock()
		l.reply(msg, &RemoteError{
			Code:    CodeInit,
			Message: fmt.Sprintf("Module '%s' is already initialized", l.module),
			Module:  l.module,
		}, nil)
		return
	}
	l.initDone = true
	l.mu.Unlock()

	factory, ok := l.modules[l.module]
	if !ok {
		l.reply(msg, unknownModuleError(l.module), nil)
		return
	}

	opts := Options{}
	if len(msg.Params) > 0 {
		if err := msgpack.Unmarshal(msg.Params, &opts); err != nil {
			l.reply(msg, remoteError(CodeBadRequest, l.module, fmt.Errorf("invalid options: %w", err)), nil)
			return
		}
	}

	value, err := factory(opts)
	if err != nil {
		l.reply(msg, remoteError(CodeInit, l.module, err), nil)
		return
	}
	if value == nil {
		l.reply(msg, &RemoteError{Code: CodeInit, Message: "factory returned no module", Module: l.module}, nil)
		return
	}

	if hook, ok := value.(Initializer); ok {
		if err := hook.Init(l.ctx); err != nil {
			l.reply(msg, remoteError(CodeInit, l.module, err), nil)
			return
		}
	}

	// Calls see the instance only once its init hook has returned.
	inst := newInstance(l.module, value)
	l.mu.Lock()
	l.instance = inst
	l.mu.Unlock()

	l.log.WithField("functions", inst.names()).Debug("Module initialized")
	l.reply(msg, nil, nil)
}

func (l *listener) handleInvoke(msg *Message) {
	l.mu.Lock()
	inst := l.instance
	l.mu.Unlock()

	if inst == nil {
		l.reply(msg, notInitializedError(l.module), nil)
		return
	}

	fn, ok := inst.lookup(msg.Function)
	if !ok {
		l.reply(msg, functionNotFoundError(msg.Function, l.module), nil)
		return
	}

	values, err := fn.call(l.ctx, msg.Params)
	if err != nil {
		l.reply(msg, remoteError(CodeApplication, l.module, err), nil)
		return
	}
	l.reply(msg, nil, values)
}

func (l *listener) handleStop(msg *Message) {
	l.mu.Lock()
	inst := l.instance
	l.mu.Unlock()

	var hookErr error
	if inst != nil {
		if hook, ok := inst.value.(PreStopper); ok {
			hookErr = hook.BeforeStop(l.ctx)
		}
	}

	if hookErr != nil {
		l.reply(msg, remoteError(CodeStopHook, l.module, hookErr), nil)
	} else {
		l.reply(msg, nil, nil)
	}

	if hookErr != nil && !msg.Force {
		l.log.WithError(hookErr).Warn("Stop hook failed, staying up")
		return
	}
	time.AfterFunc(l.stopDelay, l.shutdown)
}

func (l *listener) reply(msg *Message, err *RemoteError, values []msgpack.RawMessage) {
	if err := l.ch.send(msg.Reply(err, values)); err != nil {
		l.log.WithError(err).WithField("token", msg.Token).Error("Failed to send reply")
	}
}

// shutdown cancels running functions and exits with status 0.
func (l *listener) shutdown() {
	l.exitOnce.Do(func() {
		l.cancel()
		l.exit(0)
	})
}
