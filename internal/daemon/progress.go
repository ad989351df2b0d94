package daemon

import (
	"time"

	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/protocol/wire"
)

// Progress pacing. Nothing is sent for short-lived calls (the peer would
// only flicker a progress bar), and once notifications start they are
// spaced out so a tight loop calling NotifyProgress per block cannot flood
// the channel.
const (
	// progressInitialDelay is how long a call must have been running
	// before the first notification goes out.
	progressInitialDelay = 2 * time.Second

	// progressInterval is the minimum spacing between subsequent
	// notifications.
	progressInterval = 333 * time.Millisecond
)

// NotifyProgress reports that the current call has transferred position out
// of total units. It rate-limits itself; callers may invoke it as often as
// they like.
//
// Completion (position == total) is special-cased: if any notification has
// been sent for this call, the 100% message is always sent, so the peer is
// guaranteed a final event without having to infer completion from the
// reply. Consequently the last progress message observed for a call, if
// any, always has position == total.
func (c *Conn) NotifyProgress(position, total uint64) {
	if c.pulse != nil {
		// Pulse mode owns the progress channel for this call.
		logger.Warn("proc %d: NotifyProgress while pulse mode armed, dropped", c.proc)
		return
	}

	now := c.now()
	switch {
	case c.progressCount == 0:
		if now.Sub(c.callStart) < progressInitialDelay {
			return
		}
	case position == total:
		// Always sent.
	default:
		if now.Sub(c.lastProgress) < progressInterval {
			return
		}
	}

	c.sendProgress(position, total)
}

// sendProgress transmits unconditionally and updates the pacing state.
func (c *Conn) sendProgress(position, total uint64) {
	body, err := wire.EncodeBody(&wire.ProgressMessage{
		Proc:     c.proc,
		Serial:   c.serial,
		Position: position,
		Total:    total,
	})
	if err != nil {
		logger.Error("encode progress message: %v", err)
		return
	}
	if err := c.t.WriteProgressFrame(body); err != nil {
		// Progress is advisory; the call itself will hit the same broken
		// transport on its reply and fail properly there.
		logger.Error("send progress message: %v", err)
		return
	}
	c.progressCount++
	c.lastProgress = c.now()
	c.metrics.RecordProgress()
}
