package procdisp

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// pendingCall is one request awaiting its reply.
type pendingCall struct {
	token    string
	function string
	future   *Future
	issued   time.Time
}

// callRegistry matches replies to the calls that produced them.
// It is scoped to one worker process.
type callRegistry struct {
	mu      sync.Mutex
	seq     atomic.Uint64
	pending map[string]*pendingCall
	log     logrus.FieldLogger
}

func newCallRegistry(log logrus.FieldLogger) *callRegistry {
	return &callRegistry{
		pending: make(map[string]*pendingCall),
		log:     log,
	}
}

// nextToken returns a fresh correlation token for a request of the given kind.
func (r *callRegistry) nextToken(kind Kind) string {
	return string(kind) + "-" + strconv.FormatUint(r.seq.Add(1), 10)
}

// register stores a pending call under token.
func (r *callRegistry) register(token, function string, future *Future) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[token]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	r.pending[token] = &pendingCall{
		token:    token,
		function: function,
		future:   future,
		issued:   time.Now(),
	}
	return nil
}

// forget drops a pending call without resolving it.
func (r *callRegistry) forget(token string) *pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := r.pending[token]
	delete(r.pending, token)
	return call
}

// resolve removes the call registered under token and delivers reply to it.
// Unknown tokens are logged and dropped. It reports whether a call was found.
func (r *callRegistry) resolve(token string, reply *Reply) bool {
	call := r.forget(token)
	if call == nil {
		r.log.WithField("token", token).Warn("Dropping reply for unknown token")
		return false
	}

	reply.Latency = time.Since(call.issued)
	call.future.resolve(reply)
	return true
}

// failAll resolves every pending call with err, stamped with the worker id.
func (r *callRegistry) failAll(err error, worker string) int {
	r.mu.Lock()
	calls := r.pending
	r.pending = make(map[string]*pendingCall)
	r.mu.Unlock()

	for _, call := range calls {
		call.future.resolve(&Reply{Err: err, Latency: time.Since(call.issued), Worker: worker})
	}
	return len(calls)
}

func (r *callRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
