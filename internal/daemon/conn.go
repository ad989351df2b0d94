// Package daemon implements the request/reply state machine of the
// appliance daemon: the synchronous dispatch loop, the reply and
// error-reply encoders, the chunked file-streaming sub-protocol, and the
// out-of-band progress and pulse-mode notification machinery.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/protocol/transport"
	"github.com/arheider/vdiskd/internal/protocol/wire"
	"github.com/arheider/vdiskd/internal/ratelimiter"
	"github.com/arheider/vdiskd/pkg/metrics"
)

// Call outcome labels used for metrics and the call journal.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// CallRecord summarizes one dispatched procedure call.
type CallRecord struct {
	Proc    uint32
	Name    string
	Serial  uint32
	Status  string
	Elapsed time.Duration
	When    time.Time
}

// CallRecorder receives one record per completed call. Implementations must
// not block the dispatch loop for long; recording failures must never reach
// the wire.
type CallRecorder interface {
	RecordCall(rec CallRecord)
}

// Conn drives the protocol for a single connection.
//
// The dispatch loop is strictly sequential: one frame is read, one handler
// runs to completion, one reply is sent. The per-call fields below are
// therefore plain struct members rather than anything synchronized; they
// are ambient state valid only while the handler for that call is running.
// The sole concurrent actor is the pulse-mode heartbeat goroutine, which
// touches nothing here but the transport's write lock.
type Conn struct {
	t        *transport.Transport
	registry *Registry
	metrics  metrics.ProtocolMetrics
	recorder CallRecorder
	limiter  *ratelimiter.RateLimiter

	// Ambient state for the call currently being handled.
	proc         uint32
	serial       uint32
	progressHint uint64
	optArgs      uint64

	callStart  time.Time
	callStatus string

	progressCount int
	lastProgress  time.Time
	pulse         *pulseTimer

	// now and the pulse cadence are swappable for tests.
	now           func() time.Time
	pulseDelay    time.Duration
	pulseInterval time.Duration
}

// New builds a Conn over the given stream. metrics and recorder may be nil;
// limiter may be nil for an unlimited connection.
func New(stream transport.Conn, registry *Registry, m metrics.ProtocolMetrics, recorder CallRecorder, limiter *ratelimiter.RateLimiter) *Conn {
	if m == nil {
		m = metrics.NewNoopProtocolMetrics()
	}
	return &Conn{
		t:        transport.New(stream),
		registry: registry,
		metrics:  m,
		recorder: recorder,
		limiter:  limiter,

		now:           time.Now,
		pulseDelay:    progressInitialDelay,
		pulseInterval: progressInterval,
	}
}

// ProgressHint returns the caller's transfer-size estimate for the current
// call, 0 if unknown.
func (c *Conn) ProgressHint() uint64 { return c.progressHint }

// OptArgSet reports whether optional argument bit is set in the current
// call's bitmask.
func (c *Conn) OptArgSet(bit uint) bool {
	return c.optArgs&(1<<bit) != 0
}

// Serial returns the current call's correlation id.
func (c *Conn) Serial() uint32 { return c.serial }

// Serve writes the launch handshake and then runs the dispatch loop until
// the transport fails or ctx is cancelled. Any returned error means the
// wire is desynchronized or gone; the caller must not reuse the
// connection.
func (c *Conn) Serve(ctx context.Context) error {
	// One raw word, not a frame: tells the peer userspace is up.
	if err := c.t.WriteWord(wire.LaunchFlag); err != nil {
		return fmt.Errorf("send launch flag: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, cancelled, err := c.t.ReadFrame()
		if err != nil {
			return fmt.Errorf("main loop: %w", err)
		}
		if cancelled {
			// A cancellation sentinel with no call in flight: the race
			// where the peer cancelled just as the previous transfer
			// finished on its own. Drop it.
			logger.Debug("ignoring stray cancellation flag between calls")
			continue
		}

		logger.Hexdump("incoming frame", frame)
		c.metrics.RecordBytes(metrics.DirectionIn, len(frame))

		hdr, body, err := wire.DecodeHeader(frame)
		if err != nil {
			// Header decode failure means we can no longer trust frame
			// boundaries to line up with message boundaries.
			return fmt.Errorf("main loop: %w", err)
		}

		if verr := wire.ValidateCall(hdr); verr != nil {
			c.beginCall(hdr)
			if err := c.ReplyWithError("%s", verr); err != nil {
				return err
			}
			continue
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("main loop: %w", err)
			}
		}

		c.beginCall(hdr)
		start := c.now()

		if err := c.dispatch(body); err != nil {
			return fmt.Errorf("proc %d: %w", c.proc, err)
		}

		c.endCall(start)
	}
}

// beginCall installs the ambient per-call state from a validated (or, for
// validation error replies, merely decoded) header.
func (c *Conn) beginCall(hdr *wire.MessageHeader) {
	c.proc = hdr.Proc
	c.serial = hdr.Serial
	c.progressHint = hdr.ProgressHint
	c.optArgs = hdr.OptArgsBitmask
	c.callStart = c.now()
	c.callStatus = StatusOK
	c.progressCount = 0
	c.lastProgress = time.Time{}
}

func (c *Conn) dispatch(args []byte) error {
	proc, ok := c.registry.Lookup(c.proc)
	if !ok {
		return c.ReplyWithError("procedure %d not implemented", c.proc)
	}
	// The handler owns the reply: it must call Reply or ReplyWithError
	// exactly once (streaming aside). A non-nil return is a transport
	// failure, never an application error.
	return proc.Handler(c, args)
}

// endCall logs, records, and releases any per-call resources a handler
// leaked.
func (c *Conn) endCall(start time.Time) {
	if c.pulse != nil {
		// Handlers must disarm their own pulse timer; a survivor here
		// would heartbeat into the next call's traffic.
		logger.Warn("proc %d left pulse mode armed, disarming", c.proc)
		c.PulseCancel()
	}

	elapsed := c.now().Sub(start)
	name := c.registry.Name(c.proc)
	logger.Debug("proc %d (%s) took %s, status %s", c.proc, name, elapsed, c.callStatus)
	c.metrics.RecordCall(name, c.callStatus, elapsed)

	if c.recorder != nil {
		c.recorder.RecordCall(CallRecord{
			Proc:    c.proc,
			Name:    name,
			Serial:  c.serial,
			Status:  c.callStatus,
			Elapsed: elapsed,
			When:    start,
		})
	}
}
