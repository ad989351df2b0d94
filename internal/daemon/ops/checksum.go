package ops

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/arheider/vdiskd/internal/daemon"
	"github.com/arheider/vdiskd/internal/protocol/wire"
)

// ChecksumArgs are the arguments of the checksum procedure.
type ChecksumArgs struct {
	CSumType string
	Path     string
}

// ChecksumRet carries the hex digest.
type ChecksumRet struct {
	Checksum string
}

func newDigest(csumType string) hash.Hash {
	switch csumType {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	case "sha256":
		return sha256.New()
	case "sha512":
		return sha512.New()
	default:
		return nil
	}
}

// checksum hashes a file with pulse mode armed: the duration depends on
// file size and storage speed, neither of which is known to the peer, so
// heartbeats are the only viable progress signal.
func (o *Ops) checksum(c *daemon.Conn, args []byte) error {
	var a ChecksumArgs
	if err := wire.DecodeBody(args, &a); err != nil {
		return c.ReplyWithError("checksum: decoding arguments: %s", err)
	}

	digest := newDigest(a.CSumType)
	if digest == nil {
		return c.ReplyWithError("checksum: unknown type %q", a.CSumType)
	}

	f, err := os.Open(o.resolve(a.Path))
	if err != nil {
		return c.ReplyWithPerror(err, "checksum: %s", a.Path)
	}
	defer f.Close()

	c.PulseStart()
	if _, err := io.Copy(digest, f); err != nil {
		// Disarm before the error reply so no heartbeat can trail it.
		c.PulseCancel()
		return c.ReplyWithPerror(err, "checksum: read %s", a.Path)
	}
	c.PulseEnd()

	return c.Reply(&ChecksumRet{Checksum: hex.EncodeToString(digest.Sum(nil))})
}
