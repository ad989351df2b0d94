// Package channel opens the duplex byte stream the daemon talks to the
// host library over. The appliance model is one peer per daemon process:
// listener-style channels accept exactly one connection and then stop
// listening.
package channel

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"

	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/protocol/transport"
)

// Open connects or accepts the channel described by addr:
//
//	tcp:host:port    listen on TCP, accept one peer
//	unix:/path       listen on a unix socket, accept one peer
//	vsock:port       listen on AF_VSOCK, accept one peer
//	serial:/dev/path open a virtio-serial port device read/write
//
// The returned closer releases the channel (and, where relevant, the
// listener socket).
func Open(addr string) (transport.Conn, func() error, error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, nil, fmt.Errorf("channel address %q: missing scheme", addr)
	}

	switch scheme {
	case "tcp":
		return acceptOne("tcp", rest)
	case "unix":
		return acceptOne("unix", rest)
	case "vsock":
		return acceptVsock(rest)
	case "serial":
		return openSerial(rest)
	default:
		return nil, nil, fmt.Errorf("channel address %q: unknown scheme %q", addr, scheme)
	}
}

func acceptOne(network, addr string) (transport.Conn, func() error, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s %s: %w", network, addr, err)
	}
	logger.Info("waiting for peer on %s %s", network, ln.Addr())

	conn, err := ln.Accept()
	// One peer per process: the listener has served its purpose either
	// way.
	_ = ln.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("accept on %s %s: %w", network, addr, err)
	}

	logger.Info("peer connected from %s", conn.RemoteAddr())
	return conn, conn.Close, nil
}

func acceptVsock(portStr string) (transport.Conn, func() error, error) {
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("vsock port %q: %w", portStr, err)
	}

	ln, err := vsock.Listen(uint32(port), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on vsock port %d: %w", port, err)
	}
	logger.Info("waiting for peer on vsock port %d", port)

	conn, err := ln.Accept()
	_ = ln.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("accept on vsock port %d: %w", port, err)
	}

	logger.Info("peer connected from %s", conn.RemoteAddr())
	return conn, conn.Close, nil
}

// openSerial opens a virtio-serial character device. The device must be
// pollable for the read-deadline based cancellation poll to work, which
// virtio ports are.
func openSerial(path string) (transport.Conn, func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	logger.Info("opened serial channel %s", path)
	return f, f.Close, nil
}
