package procdisp

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Reply holds the reply arguments of one call: the error first, then the
// values the remote function returned, still msgpack encoded.
type Reply struct {
	Err     error
	Values  []msgpack.RawMessage
	Latency time.Duration
	Worker  string
}

// Len returns the number of values after the error.
func (r *Reply) Len() int {
	return len(r.Values)
}

// Decode decodes the reply values into out, in order. It returns the reply
// error when there is one. Extra out arguments are left untouched.
func (r *Reply) Decode(out ...any) error {
	if r.Err != nil {
		return r.Err
	}
	for i, dst := range out {
		if i >= len(r.Values) {
			break
		}
		if dst == nil {
			continue
		}
		if err := msgpack.Unmarshal(r.Values[i], dst); err != nil {
			return fmt.Errorf("decode reply value %d: %w", i, err)
		}
	}
	return nil
}

// Value returns the first reply value decoded into a generic Go value.
// Integers come back as int64/uint64 and floats as float64.
func (r *Reply) Value() (any, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	if len(r.Values) == 0 {
		return nil, nil
	}
	return decodeLoose(r.Values[0])
}

// Interfaces returns every reply value decoded into generic Go values.
func (r *Reply) Interfaces() ([]any, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	out := make([]any, 0, len(r.Values))
	for i, raw := range r.Values {
		v, err := decodeLoose(raw)
		if err != nil {
			return nil, fmt.Errorf("decode reply value %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeLoose(raw msgpack.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return msgpack.NewDecoder(bytes.NewReader(raw)).DecodeInterfaceLoose()
}

// Future is the single-resolution result of an asynchronous operation.
type Future struct {
	done  chan struct{}
	once  sync.Once
	reply *Reply
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(reply *Reply) *Future {
	f := newFuture()
	f.resolve(reply)
	return f
}

func failedFuture(err error) *Future {
	return resolvedFuture(&Reply{Err: err})
}

// resolve completes the future. Only the first call has an effect.
func (f *Future) resolve(reply *Reply) bool {
	resolved := false
	f.once.Do(func() {
		f.reply = reply
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the reply is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Reply returns the reply, or nil while the operation is still pending.
func (f *Future) Reply() *Reply {
	select {
	case <-f.done:
		return f.reply
	default:
		return nil
	}
}

// Wait blocks until the reply arrives or ctx is done. Giving up on ctx does
// not cancel the remote operation.
func (f *Future) Wait(ctx context.Context) (*Reply, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.reply, f.reply.Err
	}
}
