package daemon

import (
	"errors"
	"fmt"

	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/protocol/wire"
	"github.com/arheider/vdiskd/pkg/metrics"
)

// ErrPeerCancelled reports that the peer aborted a file transfer. Handlers
// seeing it must send no reply at all: the peer initiated the abort and
// expects silence, not an error frame.
var ErrPeerCancelled = errors.New("file transfer cancelled by peer")

// SinkError wraps a failure of the local sink during an upload. The
// transfer has already been cancelled towards the peer; the handler must
// still convert the wrapped error into an ordinary error reply, since no
// reply has been sent yet on the upload path.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string { return e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }

// SinkFunc consumes one chunk of uploaded data. The slice is only valid
// for the duration of the call.
type SinkFunc func(data []byte) error

// ReceiveFile runs the upload (FileIn) receive loop, feeding each data
// chunk to sink. sink may be nil to discard the stream.
//
// Return values, which callers must distinguish:
//
//	nil               normal end of stream; handler sends its usual reply
//	ErrPeerCancelled  peer aborted; handler must send no reply
//	*SinkError        local sink failed; transfer already cancelled to the
//	                  peer, handler must reply with an error
//	anything else     transport failure; handler propagates it, the
//	                  connection is dead
func (c *Conn) ReceiveFile(sink SinkFunc) error {
	for {
		frame, cancelled, err := c.t.ReadFrame()
		if err != nil {
			return fmt.Errorf("receive file: %w", err)
		}
		if cancelled {
			// A bare cancellation sentinel, not a cancel chunk: the peer
			// cancelled a transfer that had not logically started
			// relative to this read. Keep reading.
			logger.Debug("receive file: ignoring stray cancellation flag")
			continue
		}

		chunk, err := wire.DecodeChunk(frame)
		if err != nil {
			// The frame was consumed whole, so the stream is still in
			// sync; treat a malformed chunk like a sink failure.
			if cerr := c.cancelReceive(); cerr != nil {
				return cerr
			}
			return &SinkError{Err: err}
		}

		if chunk.Cancel != 0 {
			logger.Debug("receive file: cancellation chunk from peer")
			c.callStatus = StatusCancelled
			return ErrPeerCancelled
		}
		if len(chunk.Data) == 0 {
			logger.Debug("receive file: end of stream")
			return nil
		}

		c.metrics.RecordChunk(metrics.DirectionIn, len(chunk.Data))

		if sink == nil {
			continue
		}
		if err := sink(chunk.Data); err != nil {
			logger.Debug("receive file: sink failed: %v", err)
			if cerr := c.cancelReceive(); cerr != nil {
				return cerr
			}
			return &SinkError{Err: err}
		}
	}
}

// CancelReceive aborts an upload the handler cannot accept, typically
// because opening the destination failed before any chunk arrived. The
// peer is told to stop and the stream is drained; the handler still owes
// the peer its error reply afterwards.
func (c *Conn) CancelReceive() error {
	return c.cancelReceive()
}

// cancelReceive tells the peer to stop sending and then drains the
// remaining chunks until the peer acknowledges, either with a cancel chunk
// of its own or with its end-of-stream marker. Only transport failures are
// returned.
func (c *Conn) cancelReceive() error {
	if err := c.t.WriteWord(wire.CancelFlag); err != nil {
		return fmt.Errorf("cancel receive: %w", err)
	}
	if err := c.ReceiveFile(nil); err != nil && !errors.Is(err, ErrPeerCancelled) {
		return err
	}
	return nil
}

// SendFileWrite sends one chunk of download (FileOut) data, first polling
// for a cancellation sentinel from the peer. If the peer has cancelled, a
// cancel chunk is sent instead of the data and ErrPeerCancelled is
// returned; the handler must stop streaming and send no further frames.
//
// The OK reply has already gone out by the time this runs, so there is no
// error-reply escape hatch left: any local failure the handler hits must be
// converted into SendFileEnd(true).
func (c *Conn) SendFileWrite(data []byte) error {
	if len(data) > wire.MaxChunkSize {
		return fmt.Errorf("send file: chunk length %d exceeds maximum %d", len(data), wire.MaxChunkSize)
	}

	cancelled, err := c.t.PollCancel()
	if err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	if cancelled {
		logger.Debug("send file: cancellation from peer")
		c.callStatus = StatusCancelled
		if err := c.sendChunk(&wire.Chunk{Cancel: 1}); err != nil {
			return err
		}
		return ErrPeerCancelled
	}

	c.metrics.RecordChunk(metrics.DirectionOut, len(data))
	return c.sendChunk(&wire.Chunk{Data: data})
}

// SendFileEnd terminates a download: a zero-length data chunk for normal
// completion, a cancel chunk when cancel is true. A cancel chunk is the
// only failure signal available after the OK reply has committed the wire
// to a chunk stream; the details stay in the local log.
func (c *Conn) SendFileEnd(cancel bool) error {
	chunk := &wire.Chunk{}
	if cancel {
		chunk.Cancel = 1
		c.callStatus = StatusError
	}
	return c.sendChunk(chunk)
}

func (c *Conn) sendChunk(chunk *wire.Chunk) error {
	payload, err := wire.EncodeBody(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	c.metrics.RecordBytes(metrics.DirectionOut, len(payload))
	return c.t.WriteFrame(payload)
}
