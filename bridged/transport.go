package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/mdlayher/vsock"
)

// maxFrameSize bounds a single inbound or outbound frame.
const maxFrameSize = 10 * 1024 * 1024

// Listener is the interface for accepting peer connections
type Listener interface {
	Accept() (Conn, error)
	Close() error
}

// Conn is the interface for exchanging raw message frames with one peer.
// Frames carry a JSON message in either wire dialect; dialect detection
// happens above this layer.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// unixListener implements Listener over a unix domain socket
type unixListener struct {
	listener net.Listener
}

// NewUnixListener creates a listener on a unix socket path, replacing any
// stale socket file left by a previous run.
func NewUnixListener(path string) (Listener, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix listener: %w", err)
	}
	return &unixListener{listener: l}, nil
}

func (l *unixListener) Accept() (Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return &frameConn{conn: conn}, nil
}

func (l *unixListener) Close() error {
	return l.listener.Close()
}

func removeStaleSocket(path string) error {
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is already in use", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

// vsockListener implements Listener for VM-guest deployments
type vsockListener struct {
	listener *vsock.Listener
}

// NewVsockListener creates a vsock listener on the given port
func NewVsockListener(port uint32) (Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create vsock listener: %w", err)
	}
	return &vsockListener{listener: l}, nil
}

func (l *vsockListener) Accept() (Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return &frameConn{conn: conn}, nil
}

func (l *vsockListener) Close() error {
	return l.listener.Close()
}

// tcpListener implements Listener for TCP (dev mode)
type tcpListener struct {
	listener net.Listener
}

// NewTCPListener creates a TCP listener for development mode
func NewTCPListener(port uint16) (Listener, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}
	return &tcpListener{listener: l}, nil
}

func (l *tcpListener) Accept() (Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return &frameConn{conn: conn}, nil
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

// frameConn frames messages as a 4-byte big-endian length plus body
type frameConn struct {
	conn net.Conn
}

// NewFrameConn wraps a stream connection with length-prefixed framing.
// Used by client-role callers; the listeners wrap their own connections.
func NewFrameConn(conn net.Conn) Conn {
	return &frameConn{conn: conn}
}

func (c *frameConn) ReadFrame() ([]byte, error) {
	return readFrame(c.conn)
}

func (c *frameConn) WriteFrame(data []byte) error {
	return writeFrame(c.conn, data)
}

func (c *frameConn) Close() error {
	return c.conn.Close()
}

// readFrame reads one length-prefixed frame
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeFrame writes one length-prefixed frame
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
