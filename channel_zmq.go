package procdisp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	zmq "github.com/go-zeromq/zmq4"
)

// zmqChannel carries messages over a ZeroMQ socket pair. The owner holds a
// DEALER bound to a private ipc endpoint, the worker dials it with a ROUTER.
type zmqChannel struct {
	socket zmq.Socket
	router bool

	mu   sync.Mutex
	peer []byte

	dir    string
	closed atomic.Bool
}

// newIPCEndpoint creates a private directory holding the socket file.
func newIPCEndpoint() (endpoint, dir string, err error) {
	dir, err = os.MkdirTemp("", "procdisp-")
	if err != nil {
		return "", "", fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return "", "", fmt.Errorf("failed to restrict socket directory: %w", err)
	}
	return "ipc://" + filepath.Join(dir, "worker.sock"), dir, nil
}

// listenZMQ binds the owner's DEALER socket.
func listenZMQ() (*zmqChannel, string, error) {
	endpoint, dir, err := newIPCEndpoint()
	if err != nil {
		return nil, "", err
	}

	socket := zmq.NewDealer(context.Background())
	if err := socket.Listen(endpoint); err != nil {
		socket.Close()
		os.RemoveAll(dir)
		return nil, "", fmt.Errorf("failed to bind to %s: %w", endpoint, err)
	}
	return &zmqChannel{socket: socket, dir: dir}, endpoint, nil
}

// dialZMQ connects the worker's ROUTER socket to the owner.
func dialZMQ(endpoint string) (*zmqChannel, error) {
	socket := zmq.NewRouter(context.Background())
	if err := socket.Dial(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return &zmqChannel{socket: socket, router: true}, nil
}

func (c *zmqChannel) send(msg *Message) error {
	data, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack message: %w", err)
	}

	var frames zmq.Msg
	if c.router {
		// ROUTER envelope: [sender_id, empty_frame, message_data]
		c.mu.Lock()
		peer := c.peer
		c.mu.Unlock()
		if peer == nil {
			return fmt.Errorf("no owner connected")
		}
		frames = zmq.NewMsgFrom(peer, []byte{}, data)
	} else {
		// DEALER envelope: [empty_frame, message_data]
		frames = zmq.NewMsgFrom([]byte{}, data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.socket.Send(frames); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *zmqChannel) recv() (*Message, error) {
	for {
		msg, err := c.socket.Recv()
		if err != nil {
			if c.closed.Load() || err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("receive failed: %w", err)
		}

		frames := msg.Frames
		var data []byte
		if c.router {
			if len(frames) < 3 {
				continue
			}
			c.mu.Lock()
			c.peer = frames[0]
			c.mu.Unlock()
			data = frames[2]
		} else {
			if len(frames) < 2 {
				continue
			}
			data = frames[1]
		}
		return Unpack(data)
	}
}

func (c *zmqChannel) close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.socket.Close()
	if c.dir != "" {
		os.RemoveAll(c.dir)
	}
	return err
}
