package procdisp

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/vmihailenco/msgpack/v5"
)

// channel is the private message path between an owner and one worker.
// send may be called from many goroutines; recv from one.
type channel interface {
	send(msg *Message) error
	// recv returns io.EOF once the other side is gone.
	recv() (*Message, error)
	close() error
}

// streamChannel carries msgpack messages over a pair of byte streams,
// normally the anonymous pipes a worker inherits as fd 3 and fd 4.
type streamChannel struct {
	mu  sync.Mutex
	r   io.ReadCloser
	w   io.WriteCloser
	dec *msgpack.Decoder

	closeOnce sync.Once
	closeErr  error
}

func newStreamChannel(r io.ReadCloser, w io.WriteCloser) *streamChannel {
	return &streamChannel{
		r:   r,
		w:   w,
		dec: msgpack.NewDecoder(r),
	}
}

func (c *streamChannel) send(msg *Message) error {
	data, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack message: %w", err)
	}
	if len(data) > maxMessageSize {
		return fmt.Errorf("message size %d exceeds limit %d", len(data), maxMessageSize)
	}

	// One write per message keeps frames whole when many goroutines reply.
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *streamChannel) recv() (*Message, error) {
	return readMessage(c.dec)
}

func (c *streamChannel) close() error {
	c.closeOnce.Do(func() {
		var result *multierror.Error
		if err := c.w.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := c.r.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		c.closeErr = result.ErrorOrNil()
	})
	return c.closeErr
}
