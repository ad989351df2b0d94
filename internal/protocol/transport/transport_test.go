package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arheider/vdiskd/internal/protocol/wire"
)

func pipePair(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return New(server), client
}

func writeWord(t *testing.T, w io.Writer, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	require.NoError(t, err)
}

func TestReadFrame(t *testing.T) {
	t.Run("RoundTripsPayloads", func(t *testing.T) {
		for _, size := range []int{0, 1, 3, 4, 5, 100, wire.MaxChunkSize, 1 << 20} {
			tr, client := pipePair(t)

			payload := bytes.Repeat([]byte{0xA5}, size)
			go func() {
				writeWord(t, client, uint32(size))
				if size > 0 {
					_, _ = client.Write(payload)
				}
			}()

			got, cancelled, err := tr.ReadFrame()
			require.NoError(t, err, "size %d", size)
			assert.False(t, cancelled)
			assert.Equal(t, payload, got)
		}
	})

	t.Run("ReportsCancellationSentinel", func(t *testing.T) {
		tr, client := pipePair(t)
		go writeWord(t, client, wire.CancelFlag)

		got, cancelled, err := tr.ReadFrame()
		require.NoError(t, err)
		assert.True(t, cancelled)
		assert.Nil(t, got)
	})

	t.Run("RejectsOversizedLength", func(t *testing.T) {
		tr, client := pipePair(t)
		go writeWord(t, client, wire.MessageMax+1)

		_, _, err := tr.ReadFrame()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFrameTooLong)
	})

	t.Run("FailsOnClosedStream", func(t *testing.T) {
		tr, client := pipePair(t)
		require.NoError(t, client.Close())

		_, _, err := tr.ReadFrame()
		assert.Error(t, err)
	})
}

func TestWriteFrame(t *testing.T) {
	t.Run("FramesPayloadWithLengthWord", func(t *testing.T) {
		tr, client := pipePair(t)
		payload := []byte("hello wire")

		done := make(chan error, 1)
		go func() { done <- tr.WriteFrame(payload) }()

		buf := make([]byte, 4+len(payload))
		_, err := io.ReadFull(client, buf)
		require.NoError(t, err)
		require.NoError(t, <-done)

		assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(buf[:4]))
		assert.Equal(t, payload, buf[4:])
	})

	t.Run("RejectsOversizedPayload", func(t *testing.T) {
		tr, _ := pipePair(t)
		err := tr.WriteFrame(make([]byte, wire.MessageMax+1))
		assert.Error(t, err)
	})
}

func TestWriteWord(t *testing.T) {
	tr, client := pipePair(t)

	done := make(chan error, 1)
	go func() { done <- tr.WriteWord(wire.LaunchFlag) }()

	var buf [4]byte
	_, err := io.ReadFull(client, buf[:])
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, []byte{0xF5, 0xF5, 0x5F, 0xF5}, buf[:])
}

func TestWriteProgressFrame(t *testing.T) {
	tr, client := pipePair(t)
	body := []byte{1, 2, 3, 4}

	done := make(chan error, 1)
	go func() { done <- tr.WriteProgressFrame(body) }()

	buf := make([]byte, 8)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, uint32(wire.ProgressFlag), binary.BigEndian.Uint32(buf[:4]))
	assert.Equal(t, body, buf[4:])
}

func TestPollCancelPipe(t *testing.T) {
	// net.Pipe has no syscall access, exercising the deadline fallback.
	t.Run("NoDataMeansNoCancel", func(t *testing.T) {
		tr, _ := pipePair(t)
		cancelled, err := tr.PollCancel()
		require.NoError(t, err)
		assert.False(t, cancelled)
	})

	t.Run("DetectsPendingCancelFlag", func(t *testing.T) {
		tr, client := pipePair(t)
		go writeWord(t, client, wire.CancelFlag)
		time.Sleep(50 * time.Millisecond) // let the writer block in Write

		cancelled, err := tr.PollCancel()
		require.NoError(t, err)
		assert.True(t, cancelled)
	})

	t.Run("IgnoresNonCancelWord", func(t *testing.T) {
		tr, client := pipePair(t)
		go writeWord(t, client, 0x1234)
		time.Sleep(50 * time.Millisecond)

		cancelled, err := tr.PollCancel()
		require.NoError(t, err)
		assert.False(t, cancelled)
	})
}

func TestPollCancelTCP(t *testing.T) {
	// Real sockets take the non-blocking syscall path.
	newTCPPair := func(t *testing.T) (*Transport, net.Conn) {
		t.Helper()
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })

		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })

		server, err := ln.Accept()
		require.NoError(t, err)
		t.Cleanup(func() { _ = server.Close() })

		return New(server), client
	}

	t.Run("NoDataMeansNoCancel", func(t *testing.T) {
		tr, _ := newTCPPair(t)
		cancelled, err := tr.PollCancel()
		require.NoError(t, err)
		assert.False(t, cancelled)
	})

	t.Run("DetectsBufferedCancelFlag", func(t *testing.T) {
		tr, client := newTCPPair(t)
		writeWord(t, client, wire.CancelFlag)
		time.Sleep(50 * time.Millisecond) // let loopback deliver

		cancelled, err := tr.PollCancel()
		require.NoError(t, err)
		assert.True(t, cancelled)
	})

	t.Run("FrameTrafficStillWorksAfterPoll", func(t *testing.T) {
		tr, client := newTCPPair(t)

		cancelled, err := tr.PollCancel()
		require.NoError(t, err)
		require.False(t, cancelled)

		writeWord(t, client, 2)
		_, err = client.Write([]byte("ok"))
		require.NoError(t, err)

		payload, cancelled, err := tr.ReadFrame()
		require.NoError(t, err)
		assert.False(t, cancelled)
		assert.Equal(t, []byte("ok"), payload)
	})
}
