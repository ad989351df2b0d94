// Package transport implements the framed byte-stream layer every other
// message type rides on: 4-byte big-endian length words, sentinel lengths
// for out-of-band signals, and the zero-timeout cancellation poll used
// during outbound file streaming.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/protocol/wire"
)

// ErrFrameTooLong reports a length word exceeding wire.MessageMax. The
// stream is unparseable from this point on; callers must tear the
// connection down.
var ErrFrameTooLong = errors.New("incoming message is too long")

// Conn is the minimal duplex stream the transport runs over. net.Conn
// satisfies it, as does *os.File for virtio-serial character devices.
type Conn interface {
	io.ReadWriter

	// SetReadDeadline is needed for the non-blocking cancellation poll.
	SetReadDeadline(t time.Time) error
}

// Transport frames messages over a single duplex stream.
//
// Reads are only ever issued from the single dispatch goroutine, so they
// are unsynchronized. Writes additionally come from the pulse-mode
// heartbeat goroutine and are serialized by a mutex so a heartbeat frame
// can never interleave with the bytes of a reply.
type Transport struct {
	conn Conn

	wmu sync.Mutex
}

// New wraps conn in a Transport.
func New(conn Conn) *Transport {
	return &Transport{conn: conn}
}

// ReadFrame reads one length word and, unless it is a sentinel, the payload
// it announces. It returns (payload, false, nil) for an ordinary frame and
// (nil, true, nil) when the length word was the cancellation sentinel,
// which carries no payload. Any I/O error, and any length word above
// wire.MessageMax, is a protocol desynchronization: the caller cannot
// continue on this connection.
func (t *Transport) ReadFrame() ([]byte, bool, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(t.conn, lenbuf[:]); err != nil {
		return nil, false, fmt.Errorf("read length word: %w", err)
	}

	length := binary.BigEndian.Uint32(lenbuf[:])
	if length == wire.CancelFlag {
		return nil, true, nil
	}
	if length > wire.MessageMax {
		return nil, false, fmt.Errorf("%w (%d bytes)", ErrFrameTooLong, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(t.conn, payload); err != nil {
		return nil, false, fmt.Errorf("read frame payload (%d bytes): %w", length, err)
	}
	return payload, false, nil
}

// WriteFrame frames payload with its length word and writes both in a
// single Write call, so the header and payload can never be split by a
// concurrent heartbeat.
func (t *Transport) WriteFrame(payload []byte) error {
	if len(payload) > wire.MessageMax {
		return fmt.Errorf("outgoing frame too long (%d bytes)", len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.conn.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteWord writes a bare 4-byte big-endian word with no payload. Used for
// the launch handshake and for the cancellation sentinel.
func (t *Transport) WriteWord(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("write control word: %w", err)
	}
	return nil
}

// WriteProgressFrame writes a progress body prefixed with the progress
// sentinel instead of a real length. The receiver recognizes the sentinel
// and reads the fixed-size body that follows.
func (t *Transport) WriteProgressFrame(body []byte) error {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, wire.ProgressFlag)
	copy(buf[4:], body)
	return t.writeRaw(buf)
}

// WriteRaw writes an already-framed buffer under the write lock. The pulse
// heartbeat pre-serializes its frame once and replays it through here.
func (t *Transport) WriteRaw(buf []byte) error {
	return t.writeRaw(buf)
}

func (t *Transport) writeRaw(buf []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.conn.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// PollCancel checks, without blocking, whether the peer has sent the
// cancellation sentinel. It is the moral equivalent of a zero-timeout
// select on the socket: an absent word means no cancellation.
//
// For real sockets and character devices the check is a single
// non-blocking read syscall. An expired read deadline cannot be used for
// this: the runtime fails such a read before ever looking at buffered
// data. Streams without syscall access (net.Pipe in tests) fall back to a
// short genuine deadline instead.
//
// If a word arrives only partially, the remainder is read blocking; a
// length word is in flight and leaving it half-read would desynchronize
// the stream. A word that is not the cancellation sentinel is a peer bug;
// it is logged and treated as "no cancellation".
func (t *Transport) PollCancel() (bool, error) {
	var buf [4]byte
	n, pending, err := t.pollWord(buf[:])
	if err != nil {
		return false, err
	}
	if !pending {
		return false, nil
	}
	if n < 4 {
		if _, err := io.ReadFull(t.conn, buf[n:]); err != nil {
			return false, fmt.Errorf("complete polled word: %w", err)
		}
	}

	flag := binary.BigEndian.Uint32(buf[:])
	if flag != wire.CancelFlag {
		logger.Warn("poll: read 0x%x from peer, expected cancellation flag 0x%x",
			flag, uint32(wire.CancelFlag))
		return false, nil
	}
	return true, nil
}

// pollWindow bounds the deadline-based fallback poll. Only non-syscall
// streams pay it, and only when no data is waiting.
const pollWindow = time.Millisecond

// pollWord attempts a non-blocking read of up to 4 bytes. pending reports
// whether any bytes arrived.
func (t *Transport) pollWord(buf []byte) (n int, pending bool, err error) {
	if sc, ok := t.conn.(syscall.Conn); ok {
		return pollWordRaw(sc, buf)
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, false, fmt.Errorf("arm poll deadline: %w", err)
	}
	n, rerr := t.conn.Read(buf)
	if derr := t.conn.SetReadDeadline(time.Time{}); derr != nil {
		return 0, false, fmt.Errorf("disarm poll deadline: %w", derr)
	}
	if rerr != nil && !errors.Is(rerr, os.ErrDeadlineExceeded) {
		return 0, false, fmt.Errorf("poll for cancellation: %w", rerr)
	}
	return n, n > 0, nil
}

func pollWordRaw(sc syscall.Conn, buf []byte) (n int, pending bool, err error) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, false, fmt.Errorf("poll for cancellation: %w", err)
	}

	var rerr error
	cerr := rc.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), buf)
		// Returning true means "do not wait for readability": one
		// non-blocking attempt is the whole poll.
		return true
	})
	if cerr != nil {
		return 0, false, fmt.Errorf("poll for cancellation: %w", cerr)
	}
	switch {
	case rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK:
		return 0, false, nil
	case rerr != nil:
		return 0, false, fmt.Errorf("poll for cancellation: %w", rerr)
	case n == 0:
		return 0, false, fmt.Errorf("poll for cancellation: %w", io.ErrUnexpectedEOF)
	}
	return n, true, nil
}
