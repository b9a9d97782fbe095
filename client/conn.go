package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/mbocsi/statusync/metrics"
	"github.com/mbocsi/statusync/proto"
)

// Conn is an acknowledged broker connection. It is handed out by Manager and
// stays valid until Done is closed; after that a new one must be obtained.
type Conn struct {
	transport Transport
	session   string
	server    string
	log       *slog.Logger

	writeMu sync.Mutex
	frames  chan *frame.Frame
	done    chan struct{}

	once sync.Once
	err  error
}

func newConn(t Transport, connected *frame.Frame, log *slog.Logger) *Conn {
	c := &Conn{
		transport: t,
		session:   connected.Header.Get(proto.HdrSession),
		server:    connected.Header.Get(proto.HdrServer),
		log:       log,
		frames:    make(chan *frame.Frame, 64),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Session is the broker assigned session id, if the broker sent one.
func (c *Conn) Session() string {
	return c.session
}

// Frames carries inbound MESSAGE frames in arrival order. It is closed when the
// connection drops.
func (c *Conn) Frames() <-chan *frame.Frame {
	return c.frames
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, or nil while it is live.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Send(f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("send %s: %w", f.Command, c.err)
	default:
	}

	if err := c.transport.Send(f); err != nil {
		c.fail(err)
		return fmt.Errorf("send %s: %w", f.Command, err)
	}
	metrics.FramesOut.WithLabelValues(f.Command).Inc()
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.frames)

	for {
		f, err := c.transport.Read()
		if err != nil {
			c.fail(err)
			return
		}
		metrics.FramesIn.WithLabelValues(f.Command).Inc()
		c.log.Debug("Received frame", "frame", proto.Describe(f), "session", c.session)

		switch f.Command {
		case proto.CmdMessage:
			select {
			case c.frames <- f:
			case <-c.done:
				return
			}
		case proto.CmdError:
			msg := f.Header.Get(proto.HdrMessage)
			c.log.Warn("Broker sent ERROR", "message", msg, "body", string(f.Body))
			c.fail(fmt.Errorf("broker error: %s", msg))
			return
		case proto.CmdReceipt:
		default:
			c.log.Debug("Ignoring unexpected frame", "command", f.Command)
		}
	}
}

func (c *Conn) fail(err error) {
	c.once.Do(func() {
		if err == nil {
			err = errors.New("connection closed")
		}
		c.err = err
		close(c.done)
		if cerr := c.transport.Close(); cerr != nil {
			c.log.Debug("Transport close failed", "error", cerr)
		}
	})
}

// close sends DISCONNECT and tears the connection down.
func (c *Conn) close() {
	select {
	case <-c.done:
		return
	default:
	}
	if err := c.Send(frame.New(proto.CmdDisconnect)); err != nil {
		c.log.Debug("DISCONNECT failed", "error", err)
	}
	c.writeMu.Lock()
	c.fail(ErrClosed)
	c.writeMu.Unlock()
}
