package procdisp

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// EnvModule is set in every worker's environment to the module name it runs.
const EnvModule = "PROCDISP_MODULE"

// Transports a worker channel can use.
const (
	TransportPipe = "pipe"
	TransportZMQ  = "zmq"
)

// workerConn is the owner's side of a running worker.
type workerConn struct {
	ch   channel
	pid  int
	wait func() error
	kill func() error

	cleanupOnce sync.Once
	cleanupFn   func()
}

// cleanup releases the owner's ends of the channel. The worker sees EOF.
func (c *workerConn) cleanup() {
	c.cleanupOnce.Do(func() {
		if c.cleanupFn != nil {
			c.cleanupFn()
		}
	})
}

// spawnFunc starts a worker for mod and returns the owner's side of it.
type spawnFunc func(mod Module, log logrus.FieldLogger) (*workerConn, error)

// spawnProcess runs the module's executable as a child process with the
// worker role passed on its command line.
func spawnProcess(mod Module, log logrus.FieldLogger) (*workerConn, error) {
	path := mod.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		path = exe
	}

	role := Role{Module: mod.Name, Transport: mod.transport()}

	// Anonymous pipes: fd 3 is owner -> worker, fd 4 is worker -> owner.
	// With the zmq transport fd 3 only serves as a lifeline.
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	childFiles := []*os.File{toWorkerR}
	parentFiles := []*os.File{toWorkerW}

	var ch channel
	switch role.Transport {
	case TransportZMQ:
		zc, endpoint, err := listenZMQ()
		if err != nil {
			closeFiles(childFiles, parentFiles)
			return nil, err
		}
		role.Endpoint = endpoint
		ch = zc
	default:
		fromWorkerR, fromWorkerW, err := os.Pipe()
		if err != nil {
			closeFiles(childFiles, parentFiles)
			return nil, fmt.Errorf("failed to create pipe: %w", err)
		}
		childFiles = append(childFiles, fromWorkerW)
		parentFiles = append(parentFiles, fromWorkerR)
		ch = newStreamChannel(fromWorkerR, toWorkerW)
	}

	args := append(append([]string{}, mod.Args...), role.args()...)
	cmd := exec.Command(path, args...)
	cmd.Dir = mod.Dir
	cmd.Env = workerEnv(mod)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = childFiles

	if err := cmd.Start(); err != nil {
		closeFiles(childFiles, parentFiles)
		ch.close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	closeFiles(childFiles)

	log.WithFields(logrus.Fields{
		"pid":       cmd.Process.Pid,
		"path":      path,
		"transport": role.Transport,
	}).Debug("Spawned worker process")

	return &workerConn{
		ch:   ch,
		pid:  cmd.Process.Pid,
		wait: cmd.Wait,
		kill: cmd.Process.Kill,
		cleanupFn: func() {
			ch.close()
			closeFiles(parentFiles)
		},
	}, nil
}

// workerEnv is the owner's environment overlaid with the module's overrides
// and the module marker. exec keeps the last value of a duplicated key.
func workerEnv(mod Module) []string {
	env := os.Environ()
	keys := make([]string, 0, len(mod.Env))
	for k := range mod.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+mod.Env[k])
	}
	return append(env, EnvModule+"="+mod.Name)
}

func closeFiles(groups ...[]*os.File) {
	for _, files := range groups {
		for _, f := range files {
			f.Close()
		}
	}
}
