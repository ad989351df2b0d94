package ops

import (
	"errors"
	"io"
	"os"

	"github.com/arheider/vdiskd/internal/daemon"
	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/protocol/wire"
)

// DownloadArgs are the arguments of the download (FileOut) procedure.
type DownloadArgs struct {
	Path string
}

// download streams a file back to the peer. Everything up to and including
// opening the file can still fail with an ordinary error reply; once the
// OK reply is out the wire is committed to a chunk stream and the only
// remaining failure signal is a cancel chunk.
func (o *Ops) download(c *daemon.Conn, args []byte) error {
	var a DownloadArgs
	if err := wire.DecodeBody(args, &a); err != nil {
		return c.ReplyWithError("download: decoding arguments: %s", err)
	}
	path := o.resolve(a.Path)

	f, err := os.Open(path)
	if err != nil {
		return c.ReplyWithPerror(err, "download: %s", a.Path)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return c.ReplyWithPerror(err, "download: stat %s", a.Path)
	}
	total := uint64(st.Size())

	// Commit point: stream of chunks follows.
	if err := c.Reply(nil); err != nil {
		return err
	}

	buf := make([]byte, wire.MaxChunkSize)
	var sent uint64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			werr := c.SendFileWrite(buf[:n])
			if errors.Is(werr, daemon.ErrPeerCancelled) {
				logger.Debug("download: %s cancelled by peer after %d bytes", a.Path, sent)
				return nil
			}
			if werr != nil {
				return werr
			}
			sent += uint64(n)
			if total > 0 {
				c.NotifyProgress(sent, total)
			}
		}
		if rerr == io.EOF {
			return c.SendFileEnd(false)
		}
		if rerr != nil {
			// Unreportable-after-commit: the detail stays local, the
			// peer just sees the cancel.
			logger.Error("download: read %s: %v", a.Path, rerr)
			return c.SendFileEnd(true)
		}
	}
}
