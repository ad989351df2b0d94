package daemon

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/protocol/wire"
	"github.com/arheider/vdiskd/pkg/metrics"
)

func (c *Conn) replyHeader(status uint32) *wire.MessageHeader {
	return &wire.MessageHeader{
		Prog:      wire.Program,
		Vers:      wire.ProtocolVersion,
		Direction: wire.DirectionReply,
		Status:    status,
		Proc:      c.proc,
		Serial:    c.serial,
	}
}

// Reply sends the ordinary OK reply for the current call. ret is the
// XDR-encodable return value, or nil for procedures with no return.
//
// If the return value cannot be encoded, or the encoded reply would exceed
// the maximum message size, an error reply is sent in its place; the peer
// still gets exactly one reply either way. A non-nil return value means the
// transport failed.
func (c *Conn) Reply(ret any) error {
	payload, err := wire.EncodeMessage(c.replyHeader(wire.StatusOK), ret)
	if err != nil {
		return c.ReplyWithError("failed to encode reply body: %s", err)
	}
	if len(payload) > wire.MessageMax {
		return c.ReplyWithError("reply body exceeds the maximum message size in the protocol (%d > %d)",
			len(payload), wire.MessageMax)
	}
	c.metrics.RecordBytes(metrics.DirectionOut, len(payload))
	return c.t.WriteFrame(payload)
}

// ReplyWithError sends an error reply carrying the formatted message and no
// OS error number.
func (c *Conn) ReplyWithError(format string, args ...any) error {
	return c.sendError(0, fmt.Sprintf(format, args...))
}

// ReplyWithPerror sends an error reply for a failed OS operation. The errno
// is dug out of err (through os.PathError wrappers and the like) so the
// peer receives its symbolic name alongside the message.
func (c *Conn) ReplyWithPerror(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var errno syscall.Errno
	errors.As(err, &errno)
	return c.sendError(errno, fmt.Sprintf("%s: %s", msg, err))
}

// sendError encodes and transmits the error reply. The full message is
// logged before truncation so operators are never limited to the wire's
// MaxErrorLen bytes. This path must not itself produce a second reply: any
// failure past this point is fatal to the connection.
func (c *Conn) sendError(errno syscall.Errno, msg string) error {
	logger.Error("proc %d: %s", c.proc, msg)
	c.callStatus = StatusError

	var name string
	if errno != 0 {
		name = unix.ErrnoName(unix.Errno(errno))
	}

	body := &wire.MessageError{
		Errno:   name,
		Message: wire.TruncateError(msg),
	}
	payload, err := wire.EncodeMessage(c.replyHeader(wire.StatusError), body)
	if err != nil {
		return fmt.Errorf("encode error reply: %w", err)
	}
	c.metrics.RecordBytes(metrics.DirectionOut, len(payload))
	return c.t.WriteFrame(payload)
}
