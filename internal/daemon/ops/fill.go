package ops

import (
	"bytes"
	"os"

	"github.com/arheider/vdiskd/internal/daemon"
	"github.com/arheider/vdiskd/internal/protocol/wire"
)

const fillBlockSize = 64 * 1024

// FillArgs are the arguments of the fill procedure: write Length bytes of
// CVal to a new file.
type FillArgs struct {
	CVal   uint32
	Length uint64
	Path   string
}

// ZeroArgs are the arguments of the zero procedure.
type ZeroArgs struct {
	Path   string
	Length uint64
}

// fill writes a constant byte pattern, reporting rate-limited progress per
// block. The total is known up front, so this is the NotifyProgress
// counterpart to checksum's pulse mode.
func (o *Ops) fill(c *daemon.Conn, args []byte) error {
	var a FillArgs
	if err := wire.DecodeBody(args, &a); err != nil {
		return c.ReplyWithError("fill: decoding arguments: %s", err)
	}
	if a.CVal > 255 {
		return c.ReplyWithError("fill: c (%d) must be a byte value", a.CVal)
	}
	return o.writePattern(c, a.Path, byte(a.CVal), a.Length)
}

// zero is fill with a fixed zero pattern, kept as its own procedure for
// wire compatibility.
func (o *Ops) zero(c *daemon.Conn, args []byte) error {
	var a ZeroArgs
	if err := wire.DecodeBody(args, &a); err != nil {
		return c.ReplyWithError("zero: decoding arguments: %s", err)
	}
	return o.writePattern(c, a.Path, 0, a.Length)
}

func (o *Ops) writePattern(c *daemon.Conn, path string, val byte, length uint64) error {
	f, err := os.OpenFile(o.resolve(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return c.ReplyWithPerror(err, "fill: %s", path)
	}

	block := bytes.Repeat([]byte{val}, fillBlockSize)
	var written uint64
	for written < length {
		n := uint64(fillBlockSize)
		if length-written < n {
			n = length - written
		}
		if _, err := f.Write(block[:n]); err != nil {
			_ = f.Close()
			return c.ReplyWithPerror(err, "fill: write %s", path)
		}
		written += n
		c.NotifyProgress(written, length)
	}

	if err := f.Close(); err != nil {
		return c.ReplyWithPerror(err, "fill: close %s", path)
	}
	return c.Reply(nil)
}
