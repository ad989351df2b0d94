package daemon

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arheider/vdiskd/internal/protocol/transport"
	"github.com/arheider/vdiskd/internal/protocol/wire"
)

// testClient drives the peer side of a connection over net.Pipe. All
// methods are synchronous; net.Pipe rendezvous keeps call/reply exchanges
// in lockstep.
type testClient struct {
	t *testing.T
	c net.Conn
}

func (tc *testClient) writeWord(v uint32) {
	tc.t.Helper()
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := tc.c.Write(buf[:])
	require.NoError(tc.t, err)
}

func (tc *testClient) writeFrame(payload []byte) {
	tc.t.Helper()
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := tc.c.Write(buf)
	require.NoError(tc.t, err)
}

func (tc *testClient) readWord() uint32 {
	tc.t.Helper()
	var buf [4]byte
	_, err := io.ReadFull(tc.c, buf[:])
	require.NoError(tc.t, err)
	return binary.BigEndian.Uint32(buf[:])
}

func (tc *testClient) readFrame() []byte {
	tc.t.Helper()
	length := tc.readWord()
	require.LessOrEqual(tc.t, length, uint32(wire.MessageMax), "unexpected sentinel 0x%x", length)
	payload := make([]byte, length)
	_, err := io.ReadFull(tc.c, payload)
	require.NoError(tc.t, err)
	return payload
}

func (tc *testClient) call(proc, serial uint32, args any) {
	tc.t.Helper()
	payload, err := wire.EncodeMessage(&wire.MessageHeader{
		Prog:      wire.Program,
		Vers:      wire.ProtocolVersion,
		Direction: wire.DirectionCall,
		Status:    wire.StatusOK,
		Proc:      proc,
		Serial:    serial,
	}, args)
	require.NoError(tc.t, err)
	tc.writeFrame(payload)
}

func (tc *testClient) readReply() (*wire.MessageHeader, []byte) {
	tc.t.Helper()
	hdr, body, err := wire.DecodeHeader(tc.readFrame())
	require.NoError(tc.t, err)
	assert.Equal(tc.t, uint32(wire.Program), hdr.Prog)
	assert.Equal(tc.t, uint32(wire.ProtocolVersion), hdr.Vers)
	assert.Equal(tc.t, uint32(wire.DirectionReply), hdr.Direction)
	return hdr, body
}

func (tc *testClient) readErrorReply() *wire.MessageError {
	tc.t.Helper()
	hdr, body := tc.readReply()
	require.Equal(tc.t, uint32(wire.StatusError), hdr.Status)
	msgErr := &wire.MessageError{}
	require.NoError(tc.t, wire.DecodeBody(body, msgErr))
	return msgErr
}

func (tc *testClient) writeChunk(cancel uint32, data []byte) {
	tc.t.Helper()
	payload, err := wire.EncodeBody(&wire.Chunk{Cancel: cancel, Data: data})
	require.NoError(tc.t, err)
	tc.writeFrame(payload)
}

func (tc *testClient) readChunk() *wire.Chunk {
	tc.t.Helper()
	chunk, err := wire.DecodeChunk(tc.readFrame())
	require.NoError(tc.t, err)
	return chunk
}

type pingArgs struct {
	Message string
}

type pingRet struct {
	Message string
}

const procPing = 42

func pingRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(procPing, "ping", func(c *Conn, args []byte) error {
		a := &pingArgs{}
		if err := wire.DecodeBody(args, a); err != nil {
			return c.ReplyWithError("decode ping args: %s", err)
		}
		return c.Reply(&pingRet{Message: a.Message})
	})
	return reg
}

// startDaemon runs Serve over one end of a pipe and hands back a client on
// the other, with the launch handshake already consumed.
func startDaemon(t *testing.T, reg *Registry, rec CallRecorder) (*testClient, <-chan error) {
	t.Helper()
	server, client := net.Pipe()

	conn := New(server, reg, nil, rec, nil)
	errc := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		errc <- conn.Serve(ctx)
		close(errc)
	}()

	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		_ = server.Close()
		<-errc
	})

	tc := &testClient{t: t, c: client}
	require.Equal(t, uint32(wire.LaunchFlag), tc.readWord())
	return tc, errc
}

func TestServe(t *testing.T) {
	t.Run("RepliesToCall", func(t *testing.T) {
		tc, _ := startDaemon(t, pingRegistry(), nil)

		tc.call(procPing, 7, &pingArgs{Message: "hello"})

		hdr, body := tc.readReply()
		assert.Equal(t, uint32(wire.StatusOK), hdr.Status)
		assert.Equal(t, uint32(procPing), hdr.Proc)
		assert.Equal(t, uint32(7), hdr.Serial)

		ret := &pingRet{}
		require.NoError(t, wire.DecodeBody(body, ret))
		assert.Equal(t, "hello", ret.Message)
	})

	t.Run("EchoesSerialPerCall", func(t *testing.T) {
		tc, _ := startDaemon(t, pingRegistry(), nil)

		for _, serial := range []uint32{1, 99, 7} {
			tc.call(procPing, serial, &pingArgs{Message: "x"})
			hdr, _ := tc.readReply()
			assert.Equal(t, serial, hdr.Serial)
		}
	})

	t.Run("WrongVersionGetsErrorReplyAndConnectionSurvives", func(t *testing.T) {
		tc, _ := startDaemon(t, pingRegistry(), nil)

		payload, err := wire.EncodeMessage(&wire.MessageHeader{
			Prog:      wire.Program,
			Vers:      wire.ProtocolVersion + 1,
			Direction: wire.DirectionCall,
			Status:    wire.StatusOK,
			Proc:      procPing,
			Serial:    3,
		}, &pingArgs{Message: "x"})
		require.NoError(t, err)
		tc.writeFrame(payload)

		msgErr := tc.readErrorReply()
		assert.Contains(t, msgErr.Message, "wrong protocol version")

		// The connection must still dispatch the next, valid call.
		tc.call(procPing, 4, &pingArgs{Message: "still here"})
		hdr, _ := tc.readReply()
		assert.Equal(t, uint32(wire.StatusOK), hdr.Status)
		assert.Equal(t, uint32(4), hdr.Serial)
	})

	t.Run("UnknownProcedureGetsErrorReply", func(t *testing.T) {
		tc, _ := startDaemon(t, pingRegistry(), nil)

		tc.call(999, 1, nil)
		msgErr := tc.readErrorReply()
		assert.Contains(t, msgErr.Message, "999")
		assert.Contains(t, msgErr.Message, "not implemented")
		assert.Empty(t, msgErr.Errno)
	})

	t.Run("StrayCancellationFlagIsDropped", func(t *testing.T) {
		tc, _ := startDaemon(t, pingRegistry(), nil)

		tc.writeWord(wire.CancelFlag)
		tc.call(procPing, 5, &pingArgs{Message: "after cancel"})

		hdr, _ := tc.readReply()
		assert.Equal(t, uint32(wire.StatusOK), hdr.Status)
		assert.Equal(t, uint32(5), hdr.Serial)
	})

	t.Run("GarbageHeaderIsFatal", func(t *testing.T) {
		tc, errc := startDaemon(t, pingRegistry(), nil)

		tc.writeFrame([]byte{0xDE, 0xAD, 0xBE})
		err := <-errc
		assert.Error(t, err)
	})

	t.Run("OversizedLengthWordIsFatal", func(t *testing.T) {
		tc, errc := startDaemon(t, pingRegistry(), nil)

		tc.writeWord(wire.MessageMax + 1)
		err := <-errc
		assert.ErrorIs(t, err, transport.ErrFrameTooLong)
	})

	t.Run("CancelledContextStopsLoop", func(t *testing.T) {
		server, client := net.Pipe()
		t.Cleanup(func() {
			_ = server.Close()
			_ = client.Close()
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		conn := New(server, pingRegistry(), nil, nil, nil)
		errc := make(chan error, 1)
		go func() { errc <- conn.Serve(ctx) }()

		// The launch word still goes out before the loop notices.
		tc := &testClient{t: t, c: client}
		require.Equal(t, uint32(wire.LaunchFlag), tc.readWord())

		assert.ErrorIs(t, <-errc, context.Canceled)
	})
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []CallRecord
}

func (r *captureRecorder) RecordCall(rec CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *captureRecorder) records() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallRecord(nil), r.recs...)
}

func TestServeRecordsCalls(t *testing.T) {
	rec := &captureRecorder{}
	tc, _ := startDaemon(t, pingRegistry(), rec)

	tc.call(procPing, 11, &pingArgs{Message: "a"})
	tc.readReply()

	tc.call(999, 12, nil)
	tc.readErrorReply()

	// One more exchange so the previous call's bookkeeping has finished
	// before we look at the records.
	tc.call(procPing, 13, &pingArgs{Message: "b"})
	tc.readReply()

	recs := rec.records()
	require.GreaterOrEqual(t, len(recs), 2)

	assert.Equal(t, uint32(procPing), recs[0].Proc)
	assert.Equal(t, "ping", recs[0].Name)
	assert.Equal(t, uint32(11), recs[0].Serial)
	assert.Equal(t, StatusOK, recs[0].Status)

	assert.Equal(t, uint32(999), recs[1].Proc)
	assert.Equal(t, "unknown-999", recs[1].Name)
	assert.Equal(t, StatusError, recs[1].Status)
}

func TestConnOptArgs(t *testing.T) {
	var gotHint uint64
	var bit0, bit3 bool

	reg := NewRegistry()
	reg.Register(1, "probe", func(c *Conn, args []byte) error {
		gotHint = c.ProgressHint()
		bit0 = c.OptArgSet(0)
		bit3 = c.OptArgSet(3)
		return c.Reply(nil)
	})

	tc, _ := startDaemon(t, reg, nil)

	payload, err := wire.EncodeMessage(&wire.MessageHeader{
		Prog:           wire.Program,
		Vers:           wire.ProtocolVersion,
		Direction:      wire.DirectionCall,
		Status:         wire.StatusOK,
		Proc:           1,
		Serial:         2,
		ProgressHint:   4096,
		OptArgsBitmask: 1 << 3,
	}, nil)
	require.NoError(t, err)
	tc.writeFrame(payload)
	tc.readReply()

	assert.Equal(t, uint64(4096), gotHint)
	assert.False(t, bit0)
	assert.True(t, bit3)
}
