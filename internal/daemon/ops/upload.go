package ops

import (
	"errors"
	"os"

	"github.com/arheider/vdiskd/internal/daemon"
	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/protocol/wire"
)

// UploadArgs are the arguments of the upload (FileIn) procedure.
type UploadArgs struct {
	Path string
}

// upload streams the peer's chunks into a file under the root. The reply
// comes only after the stream terminates: success reply on end-of-stream,
// error reply on a local write failure, and no reply at all when the peer
// cancels.
func (o *Ops) upload(c *daemon.Conn, args []byte) error {
	var a UploadArgs
	if err := wire.DecodeBody(args, &a); err != nil {
		// The peer is about to stream chunks at us; they must be
		// cancelled and drained before the error reply or the next loop
		// iteration would read a chunk as a call.
		if cerr := c.CancelReceive(); cerr != nil {
			return cerr
		}
		return c.ReplyWithError("upload: decoding arguments: %s", err)
	}
	path := o.resolve(a.Path)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		if cerr := c.CancelReceive(); cerr != nil {
			return cerr
		}
		return c.ReplyWithPerror(err, "upload: %s", a.Path)
	}

	hint := c.ProgressHint()
	var written uint64
	rerr := c.ReceiveFile(func(data []byte) error {
		n, werr := f.Write(data)
		written += uint64(n)
		if hint > 0 {
			c.NotifyProgress(written, hint)
		}
		return werr
	})

	var sinkErr *daemon.SinkError
	switch {
	case rerr == nil:
		if err := f.Close(); err != nil {
			return c.ReplyWithPerror(err, "upload: close %s", a.Path)
		}
		return c.Reply(nil)

	case errors.Is(rerr, daemon.ErrPeerCancelled):
		// The peer aborted and expects silence. Drop the partial file.
		_ = f.Close()
		_ = os.Remove(path)
		logger.Debug("upload: %s cancelled by peer after %d bytes", a.Path, written)
		return nil

	case errors.As(rerr, &sinkErr):
		_ = f.Close()
		_ = os.Remove(path)
		return c.ReplyWithPerror(sinkErr.Err, "upload: write %s", a.Path)

	default:
		// Transport failure: the connection is gone, nothing to reply to.
		_ = f.Close()
		return rerr
	}
}
