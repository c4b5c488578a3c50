package procdisp

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startProcess(t *testing.T, name string, opts ...Option) *ModuleProcess {
	t.Helper()
	p := NewModuleProcess(Module{Name: name}, testOptions(opts...)...)
	require.NoError(t, p.Start(testContext(t)))
	t.Cleanup(func() { p.Stop(true) })
	return p
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// silentSpawner returns workers that never answer.
func silentSpawner(killed chan struct{}) spawnFunc {
	return func(mod Module, log logrus.FieldLogger) (*workerConn, error) {
		r, w := io.Pipe()
		var once sync.Once
		kill := func() error {
			once.Do(func() {
				w.Close()
				close(killed)
			})
			return nil
		}
		return &workerConn{
			ch:  newStreamChannel(r, nopWriteCloser{io.Discard}),
			pid: os.Getpid(),
			wait: func() error {
				<-killed
				return errors.New("signal: killed")
			},
			kill: kill,
		}, nil
	}
}

func TestModuleProcess_Start(t *testing.T) {
	t.Run("handshake", func(t *testing.T) {
		p := startProcess(t, "sorter")

		assert.Equal(t, StateInitialized, p.State())
		assert.NotZero(t, p.Pid())
		assert.NotEmpty(t, p.ID())
	})

	t.Run("second start is a no-op", func(t *testing.T) {
		p := startProcess(t, "sorter")
		pid := p.Pid()

		require.NoError(t, p.Start(testContext(t)))
		assert.Equal(t, pid, p.Pid())
		assert.Equal(t, StateInitialized, p.State())
	})

	t.Run("invalid module", func(t *testing.T) {
		p := NewModuleProcess(Module{}, testOptions()...)
		assert.Error(t, p.Start(testContext(t)))
		assert.Equal(t, StateUninitialized, p.State())
	})

	t.Run("unknown module", func(t *testing.T) {
		p := NewModuleProcess(Module{Name: "missing"}, testOptions()...)
		err := p.Start(testContext(t))

		assert.ErrorIs(t, err, ErrUnknownModule)
		assert.Equal(t, StateFailed, p.State())
	})

	t.Run("factory error fails the handle", func(t *testing.T) {
		p := NewModuleProcess(Module{Name: "bad_factory"}, testOptions()...)
		err := p.Start(testContext(t))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "factory exploded")
		assert.Equal(t, StateFailed, p.State())
	})

	t.Run("init hook error fails the handle", func(t *testing.T) {
		p := NewModuleProcess(Module{Name: "broken_init"}, testOptions()...)
		err := p.Start(testContext(t))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "init exploded")
		assert.Equal(t, StateFailed, p.State())

		reply := p.Invoke("pid", nil).Reply()
		require.NotNil(t, reply)
		assert.ErrorIs(t, reply.Err, ErrNotInitialized)

		select {
		case <-p.Exited():
		case <-time.After(2 * time.Second):
			t.Fatal("failed worker was not killed")
		}
	})

	t.Run("spawn error", func(t *testing.T) {
		spawnErr := errors.New("no such file")
		p := NewModuleProcess(Module{Name: "sorter"}, testOptions(withSpawner(
			func(Module, logrus.FieldLogger) (*workerConn, error) { return nil, spawnErr },
		))...)

		err := p.Start(testContext(t))
		assert.ErrorIs(t, err, spawnErr)
		assert.Equal(t, StateFailed, p.State())
		assert.ErrorIs(t, p.Stop(true).Reply().Err, ErrNotStarted)
	})

	t.Run("handshake timeout kills the worker", func(t *testing.T) {
		killed := make(chan struct{})
		p := NewModuleProcess(Module{Name: "sorter"}, testOptions(withSpawner(silentSpawner(killed)))...)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := p.Start(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StateFailed, p.State())

		select {
		case <-killed:
		case <-time.After(time.Second):
			t.Fatal("worker was not killed")
		}
	})
}

func TestModuleProcess_Invoke(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		p := NewModuleProcess(Module{Name: "sorter"}, testOptions()...)
		_, err := p.Invoke("pid", nil).Wait(testContext(t))
		assert.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("returns values", func(t *testing.T) {
		p := startProcess(t, "sorter")

		reply, err := p.Invoke("insertionSort", map[string]any{"array": []int{5, 3, 4}}).Wait(testContext(t))
		require.NoError(t, err)

		var out []int
		require.NoError(t, reply.Decode(&out))
		assert.Equal(t, []int{3, 4, 5}, out)
		assert.Equal(t, p.ID(), reply.Worker)
	})

	t.Run("unknown function", func(t *testing.T) {
		p := startProcess(t, "sorter")

		_, err := p.Invoke("quickSort", nil).Wait(testContext(t))
		assert.ErrorIs(t, err, ErrFunctionNotFound)
		assert.EqualError(t, err, "'quickSort' function does not exist in 'sorter' module")
	})

	t.Run("replies are matched out of order", func(t *testing.T) {
		p := startProcess(t, "sorter")
		ctx := testContext(t)

		slow := p.Invoke("sleep", 300)
		fast := p.Invoke("sleep", 1)

		reply, err := fast.Wait(ctx)
		require.NoError(t, err)
		var n int
		require.NoError(t, reply.Decode(&n))
		assert.Equal(t, 1, n)
		assert.Nil(t, slow.Reply())

		reply, err = slow.Wait(ctx)
		require.NoError(t, err)
		require.NoError(t, reply.Decode(&n))
		assert.Equal(t, 300, n)
		assert.Equal(t, 0, p.Pending())
	})

	t.Run("concurrent calls", func(t *testing.T) {
		p := startProcess(t, "sorter")
		ctx := testContext(t)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var out int
				reply, err := p.Invoke("echo", i).Wait(ctx)
				if assert.NoError(t, err) {
					assert.NoError(t, reply.Decode(&out))
					assert.Equal(t, i, out)
				}
			}(i)
		}
		wg.Wait()
	})
}

func TestModuleProcess_Stop(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		p := startProcess(t, "sorter")

		_, err := p.Stop(false).Wait(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, StateStopped, p.State())

		select {
		case <-p.Exited():
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not exit")
		}
		assert.Equal(t, StateStopped, p.State())

		_, err = p.Invoke("pid", nil).Wait(testContext(t))
		assert.ErrorIs(t, err, ErrStopped)
		assert.ErrorIs(t, p.Start(testContext(t)), ErrStopped)
	})

	t.Run("failing hook keeps the worker", func(t *testing.T) {
		p := startProcess(t, "stubborn")

		_, err := p.Stop(false).Wait(testContext(t))
		require.Error(t, err)
		assert.EqualError(t, err, "not now")
		assert.Equal(t, StateInitialized, p.State())

		_, err = p.Invoke("pid", nil).Wait(testContext(t))
		assert.NoError(t, err)
	})

	t.Run("force overrides the hook", func(t *testing.T) {
		p := startProcess(t, "stubborn")

		_, err := p.Stop(true).Wait(testContext(t))
		assert.EqualError(t, err, "not now")
		assert.Equal(t, StateStopped, p.State())

		select {
		case <-p.Exited():
		default:
			t.Fatal("forced stop resolved before the worker exited")
		}
	})

	t.Run("force on a stopped worker", func(t *testing.T) {
		p := startProcess(t, "sorter")
		_, err := p.Stop(false).Wait(testContext(t))
		require.NoError(t, err)

		_, err = p.Stop(true).Wait(testContext(t))
		assert.NoError(t, err)
	})

	t.Run("pending calls fail when the worker stops", func(t *testing.T) {
		p := startProcess(t, "sorter")

		pending := p.Invoke("sleep", 5000)
		_, err := p.Stop(true).Wait(testContext(t))
		require.NoError(t, err)

		reply, err := pending.Wait(testContext(t))
		require.Error(t, err)
		assert.NotNil(t, reply)
	})

	t.Run("close", func(t *testing.T) {
		metrics := NewMetrics()
		p := startProcess(t, "sorter", WithMetrics(metrics))

		require.NoError(t, p.Close())
		assert.Equal(t, StateStopped, p.State())
		assert.Equal(t, 0, metrics.Snapshot().WorkersLost)
	})
}

func TestModuleProcess_Lost(t *testing.T) {
	metrics := NewMetrics()
	p := startProcess(t, "sorter", WithMetrics(metrics))

	pending := p.Invoke("sleep", 5000)
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, 5*time.Millisecond)

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	require.NoError(t, conn.kill())

	reply, err := pending.Wait(testContext(t))
	assert.ErrorIs(t, err, ErrWorkerExited)
	require.NotNil(t, reply)
	assert.Equal(t, p.ID(), reply.Worker)

	<-p.Exited()
	assert.Equal(t, StateExited, p.State())
	assert.Equal(t, 1, metrics.Snapshot().WorkersLost)

	_, err = p.Invoke("pid", nil).Wait(testContext(t))
	assert.ErrorIs(t, err, ErrWorkerExited)
	assert.ErrorIs(t, p.Start(testContext(t)), ErrWorkerExited)

	_, err = p.Stop(false).Wait(testContext(t))
	assert.ErrorIs(t, err, ErrWorkerExited)
	_, err = p.Stop(true).Wait(testContext(t))
	assert.NoError(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "State(42)", State(42).String())
}
