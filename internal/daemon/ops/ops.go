// Package ops registers the daemon's procedure handlers. Each handler
// decodes its XDR arguments, does its work against the appliance root, and
// produces exactly one reply through the daemon's reply or streaming
// primitives.
package ops

import (
	"path/filepath"

	"github.com/arheider/vdiskd/internal/daemon"
)

// Procedure numbers. These are wire protocol constants shared with the
// host library; renumbering is a protocol break.
const (
	ProcNull     = 0
	ProcEcho     = 1
	ProcUpload   = 2
	ProcDownload = 3
	ProcChecksum = 4
	ProcFill     = 5
	ProcZero     = 6
)

// Ops holds handler state shared across calls.
type Ops struct {
	// root confines every path argument, the way the appliance confines
	// operations to the inspected disk's mounted tree.
	root string
}

// RegisterAll populates reg with every procedure, rooted at root.
func RegisterAll(reg *daemon.Registry, root string) *Ops {
	o := &Ops{root: root}
	reg.Register(ProcNull, "null", o.null)
	reg.Register(ProcEcho, "echo", o.echo)
	reg.Register(ProcUpload, "upload", o.upload)
	reg.Register(ProcDownload, "download", o.download)
	reg.Register(ProcChecksum, "checksum", o.checksum)
	reg.Register(ProcFill, "fill", o.fill)
	reg.Register(ProcZero, "zero", o.zero)
	return o
}

// resolve maps a caller-supplied path into the appliance root. The
// leading-slash join strips any ".." escape attempt before the root is
// prepended.
func (o *Ops) resolve(path string) string {
	return filepath.Join(o.root, filepath.Clean("/"+path))
}

func (o *Ops) null(c *daemon.Conn, _ []byte) error {
	return c.Reply(nil)
}
