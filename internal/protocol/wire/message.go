package wire

// MessageHeader precedes the procedure-specific body of every call and every
// reply. Field order is the wire order; all fields are XDR-encoded
// big-endian.
type MessageHeader struct {
	// Prog must equal Program.
	Prog uint32

	// Vers must equal ProtocolVersion.
	Vers uint32

	// Direction is DirectionCall or DirectionReply.
	Direction uint32

	// Status is StatusOK or StatusError. Calls always carry StatusOK; a
	// reply with StatusError is followed by a MessageError body.
	Status uint32

	// Proc is the procedure number, echoed verbatim in the reply.
	Proc uint32

	// Serial is the client-assigned correlation id, echoed verbatim in the
	// reply.
	Serial uint32

	// ProgressHint is the caller's estimate of the number of bytes this
	// call will transfer, or 0 if unknown. Handlers may use it to compute
	// progress percentages.
	ProgressHint uint64

	// OptArgsBitmask flags which optional arguments of the call are
	// semantically present.
	OptArgsBitmask uint64
}

// Chunk is one unit of the file-streaming sub-protocol. A zero-length Data
// with Cancel == 0 marks end of stream; Cancel == 1 aborts the transfer.
type Chunk struct {
	Cancel uint32
	Data   []byte
}

// MessageError is the body of a StatusError reply.
type MessageError struct {
	// Errno is the symbolic name of the OS error ("ENOENT", ...) or the
	// empty string when the failure was not an OS-level error.
	Errno string

	// Message is the human-readable error text, at most MaxErrorLen bytes.
	Message string
}

// ProgressMessage is the body of an out-of-band progress frame. Proc and
// Serial let the client attribute it to the in-flight call.
type ProgressMessage struct {
	Proc     uint32
	Serial   uint32
	Position uint64
	Total    uint64
}
