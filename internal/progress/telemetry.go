package progress

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Telemetry mirrors status payloads to an external observer.
// Send errors are reported but callers treat them as non-fatal.
type Telemetry interface {
	Send(payload []byte) error
	Close() error
}

// Greeting opens every telemetry session; the observer must answer before we send status.
const Greeting = "Hello, world"

const (
	writeTimeout = 2 * time.Second
	replyBufSize = 1024
)

type nopTelemetry struct{}

func (nopTelemetry) Send([]byte) error { return nil }
func (nopTelemetry) Close() error      { return nil }

// Nop returns a Telemetry that discards everything.
func Nop() Telemetry { return nopTelemetry{} }

// Conn is a TCP telemetry session to the observer.
type Conn struct {
	mu     sync.Mutex
	conn   net.Conn
	reply  string
	closed bool
}

// Dial connects to addr and performs the greeting handshake. The whole exchange is
// bounded by timeout. Any failure returns an error and no connection.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial telemetry %s", addr)
	}
	dl, _ := ctx.Deadline()
	_ = c.SetDeadline(dl)

	if _, err := c.Write([]byte(Greeting)); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "telemetry greeting")
	}
	buf := make([]byte, replyBufSize)
	n, err := c.Read(buf)
	if err != nil && n == 0 {
		_ = c.Close()
		return nil, errors.Wrap(err, "telemetry reply")
	}
	_ = c.SetDeadline(time.Time{})
	return &Conn{conn: c, reply: string(buf[:n])}, nil
}

// Reply is what the observer answered to the greeting.
func (c *Conn) Reply() string { return c.reply }

func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(payload)
	return err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
