package wire

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// DecodeHeader decodes the message header at the start of frame and returns
// it together with the remaining body bytes.
func DecodeHeader(frame []byte) (*MessageHeader, []byte, error) {
	hdr := &MessageHeader{}
	n, err := xdr.Unmarshal(bytes.NewReader(frame), hdr)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal message header: %w", err)
	}
	return hdr, frame[n:], nil
}

// ValidateCall checks the header of an incoming frame against the dispatch
// policy: it must be an OK-status call for our program and protocol version.
// The returned error text is sent back to the peer verbatim.
func ValidateCall(hdr *MessageHeader) error {
	if hdr.Prog != Program {
		return fmt.Errorf("wrong program (%d)", hdr.Prog)
	}
	if hdr.Vers != ProtocolVersion {
		return fmt.Errorf("wrong protocol version (%d)", hdr.Vers)
	}
	if hdr.Direction != DirectionCall {
		return fmt.Errorf("unexpected message direction (%d)", hdr.Direction)
	}
	if hdr.Status != StatusOK {
		return fmt.Errorf("unexpected message status (%d)", hdr.Status)
	}
	return nil
}

// EncodeMessage encodes a header followed by an optional body into a single
// frame payload. body may be nil for replies with no return value.
func EncodeMessage(hdr *MessageHeader, body any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, hdr); err != nil {
		return nil, fmt.Errorf("marshal message header: %w", err)
	}
	if body != nil {
		if _, err := xdr.Marshal(&buf, body); err != nil {
			return nil, fmt.Errorf("marshal message body: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// EncodeBody encodes a single XDR value with no header, used for procedure
// arguments in tests and for chunk payloads.
func EncodeBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBody decodes a single XDR value from data.
func DecodeBody(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	return nil
}

// DecodeChunk decodes one file-transfer chunk.
func DecodeChunk(data []byte) (*Chunk, error) {
	chunk := &Chunk{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}
	return chunk, nil
}

// TruncateError clamps an error message to MaxErrorLen bytes so that the
// fixed-size error body can always be encoded.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorLen {
		return msg[:MaxErrorLen]
	}
	return msg
}
