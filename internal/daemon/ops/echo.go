package ops

import (
	"strings"

	"github.com/arheider/vdiskd/internal/daemon"
	"github.com/arheider/vdiskd/internal/protocol/wire"
)

// Optional-argument bits for echo.
const echoOptCount = 0

// EchoArgs are the arguments of the echo procedure. Count is only
// meaningful when its optargs bit is set.
type EchoArgs struct {
	Message string
	Count   uint32
}

// EchoRet is the echo return value.
type EchoRet struct {
	Message string
}

// echo returns its message, optionally repeated. It exists so clients can
// verify the round trip, including optional-argument handling, without
// touching any disk.
func (o *Ops) echo(c *daemon.Conn, args []byte) error {
	var a EchoArgs
	if err := wire.DecodeBody(args, &a); err != nil {
		return c.ReplyWithError("echo: decoding arguments: %s", err)
	}

	count := 1
	if c.OptArgSet(echoOptCount) {
		count = int(a.Count)
	}
	if count < 1 || count > 1000 {
		return c.ReplyWithError("echo: count %d out of range", count)
	}

	return c.Reply(&EchoRet{Message: strings.Repeat(a.Message, count)})
}
