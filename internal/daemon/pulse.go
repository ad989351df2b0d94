package daemon

import (
	"encoding/binary"
	"time"

	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/protocol/wire"
)

// Pulse mode is the progress mechanism for calls whose total work is
// unknown up front, typically ones blocked inside an external command. A
// background goroutine emits a synthetic position=0,total=1 heartbeat on
// the progress cadence so the peer can tell "still working" from "hung".
//
// The heartbeat frame is serialized once at arm time; the goroutine only
// ever replays that fixed buffer through the transport's write lock, so a
// heartbeat can fire while the dispatch goroutine is blocked on an
// external command yet can never interleave with the bytes of another
// frame.
//
// Pulse mode and NotifyProgress are mutually exclusive for a given call.
type pulseTimer struct {
	stop chan struct{}
	done chan struct{}
}

// PulseStart arms the heartbeat for the current call. Handlers must pair
// it with exactly one of PulseEnd (success path) or PulseCancel (every
// error path) before replying.
func (c *Conn) PulseStart() {
	if c.pulse != nil {
		logger.Warn("proc %d: pulse mode armed twice", c.proc)
		return
	}

	body, err := wire.EncodeBody(&wire.ProgressMessage{
		Proc:     c.proc,
		Serial:   c.serial,
		Position: 0,
		Total:    1,
	})
	if err != nil {
		// Can only happen if the progress struct itself is broken.
		logger.Error("encode pulse heartbeat: %v", err)
		return
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, wire.ProgressFlag)
	copy(frame[4:], body)

	p := &pulseTimer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.pulse = p

	t := c.t
	m := c.metrics
	delay, interval := c.pulseDelay, c.pulseInterval
	go func() {
		defer close(p.done)

		initial := time.NewTimer(delay)
		defer initial.Stop()
		select {
		case <-p.stop:
			return
		case <-initial.C:
		}

		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			if err := t.WriteRaw(frame); err != nil {
				logger.Error("send pulse heartbeat: %v", err)
				return
			}
			m.RecordProgress()
			select {
			case <-p.stop:
				return
			case <-tick.C:
			}
		}
	}()
}

// PulseEnd disarms the heartbeat and sends the final explicit
// position=1,total=1 message the peer uses as the 100% event. Call it only
// on the success path, before the reply.
func (c *Conn) PulseEnd() {
	if !c.disarmPulse() {
		return
	}
	c.sendProgress(1, 1)
}

// PulseCancel disarms the heartbeat and sends nothing further. Error paths
// must use it so no stray heartbeat can trail the error reply. It touches
// no other call state and is safe to invoke from inside error handling.
func (c *Conn) PulseCancel() {
	c.disarmPulse()
}

// disarmPulse stops the goroutine and waits for it to exit, guaranteeing
// no heartbeat write can happen after disarmPulse returns.
func (c *Conn) disarmPulse() bool {
	p := c.pulse
	if p == nil {
		return false
	}
	c.pulse = nil
	close(p.stop)
	<-p.done
	return true
}
