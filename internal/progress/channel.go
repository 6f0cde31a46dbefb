// Package progress renders the run status line and mirrors it to an observer.
package progress

import (
	"io"
	"time"

	"golang.org/x/time/rate"

	logx "specrun/pkg/logx"
)

// StatusFunc receives every emitted payload (e.g. a service manager status line).
type StatusFunc func(payload string)

// Channel writes status lines at most once per second.
//
// It is owned by the scheduler's control loop and is not safe for concurrent use.
type Channel struct {
	out     io.Writer
	tel     Telemetry
	status  StatusFunc
	limiter *rate.Limiter
	log     logx.Logger

	wrote     bool
	sendFails int
}

type Option func(*Channel)

// WithConsole sets the writer that receives the carriage-return status line.
func WithConsole(w io.Writer) Option { return func(c *Channel) { c.out = w } }

// WithTelemetry attaches an observer session. nil keeps telemetry disabled.
func WithTelemetry(t Telemetry) Option {
	return func(c *Channel) {
		if t != nil {
			c.tel = t
		}
	}
}

func WithStatus(fn StatusFunc) Option { return func(c *Channel) { c.status = fn } }

func WithLogger(log logx.Logger) Option { return func(c *Channel) { c.log = log } }

// WithInterval overrides the minimum spacing between emissions.
func WithInterval(d time.Duration) Option {
	return func(c *Channel) { c.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

func New(opts ...Option) *Channel {
	c := &Channel{
		out:     io.Discard,
		tel:     Nop(),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Emit renders s if at least one interval has passed since the previous emission.
// It reports whether a line was written.
func (c *Channel) Emit(now time.Time, s Snapshot) bool {
	if !c.limiter.AllowN(now, 1) {
		return false
	}
	c.write(s)
	return true
}

// Flush renders s unconditionally.
func (c *Channel) Flush(s Snapshot) { c.write(s) }

// SendFailures counts telemetry sends that failed; they are otherwise ignored.
func (c *Channel) SendFailures() int { return c.sendFails }

func (c *Channel) write(s Snapshot) {
	_, _ = io.WriteString(c.out, FormatLine(s))
	c.wrote = true

	payload := Payload(s)
	if err := c.tel.Send([]byte(payload)); err != nil {
		c.sendFails++
		if c.sendFails == 1 && !c.log.IsZero() {
			c.log.Debug("telemetry send failed", logx.Err(err))
		}
	}
	if c.status != nil {
		c.status(payload)
	}
}

// Close ends the console line and closes telemetry.
func (c *Channel) Close() error {
	if c.wrote {
		_, _ = io.WriteString(c.out, "\n")
	}
	return c.tel.Close()
}
