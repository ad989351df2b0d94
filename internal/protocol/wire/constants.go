package wire

// Protocol identity. Every call and reply header carries both values and the
// daemon refuses anything else.
const (
	// Program identifies this daemon's RPC program on the wire.
	Program = 0x2000F5F5

	// ProtocolVersion is bumped whenever the wire format changes
	// incompatibly. There is no version negotiation: both sides must match.
	ProtocolVersion = 4
)

// Frame limits and sentinel length words.
//
// The first four bytes of every frame are a big-endian payload length. Three
// values can never be a legal length because they exceed MessageMax, so they
// are reserved as out-of-band signals:
//
//	LaunchFlag   written once by the daemon at startup, before any frame
//	CancelFlag   either side asks the other to abort a file transfer
//	ProgressFlag prefixes an out-of-band progress message
const (
	// MessageMax is the maximum payload length of an ordinary frame.
	// A longer length word means the stream is desynchronized; there is no
	// way to recover.
	MessageMax = 4 * 1024 * 1024

	LaunchFlag   = 0xF5F55FF5
	CancelFlag   = 0xFFFFEEEE
	ProgressFlag = 0xFFFF5555
)

const (
	// MaxChunkSize is the largest data payload of a single file-transfer
	// chunk.
	MaxChunkSize = 8192

	// MaxErrorLen is the hard cap on an error reply's message text. Longer
	// messages are truncated before encoding so the encode step itself
	// cannot fail on oversize input.
	MaxErrorLen = 256
)

// Header direction values.
const (
	DirectionCall  = 0
	DirectionReply = 1
)

// Header status values.
const (
	StatusOK    = 0
	StatusError = 1
)
