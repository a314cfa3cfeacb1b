// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultMaxMessageSize bounds individual messages in both directions.
// It matches the connection buffer size of the reference client
// library; nothing this client speaks comes near it.
const DefaultMaxMessageSize = 4096

// maxQueuedFDs caps the ancillary descriptor queue. The protocols this
// client speaks attach at most one descriptor per message, so a deep
// queue means the peer is broken.
const maxQueuedFDs = 32

// readChunkSize is the per-read buffer for the stream.
const readChunkSize = 4096

// Option configures a Conn.
type Option func(*Conn)

// WithMaxMessageSize overrides DefaultMaxMessageSize.
func WithMaxMessageSize(n int) Option {
	return func(c *Conn) { c.maxMessageSize = n }
}

// Conn is a wire-format connection to the compositor. Exactly one
// goroutine calls Receive; any goroutine may call Send. After a
// receive error the connection is poisoned: every further Receive
// returns the same error.
type Conn struct {
	socket *net.UnixConn
	logger *slog.Logger

	maxMessageSize int

	// fdCount reports how many descriptors accompany a given event.
	// Installed by the protocol layer before the receive loop starts.
	fdCount func(object ObjectID, opcode uint16) int

	sendMu sync.Mutex

	recvMu     sync.Mutex
	buffer     []byte
	pendingFDs []int
	recvErr    error

	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial connects to the compositor socket. An empty display falls back
// to $WAYLAND_DISPLAY, then "wayland-0". A display containing an
// absolute path is used verbatim; otherwise it is resolved under
// $XDG_RUNTIME_DIR.
func Dial(logger *slog.Logger, display string, opts ...Option) (*Conn, error) {
	if display == "" {
		display = os.Getenv("WAYLAND_DISPLAY")
	}
	if display == "" {
		display = "wayland-0"
	}

	path := display
	if !filepath.IsAbs(path) {
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			return nil, errors.New("wire: XDG_RUNTIME_DIR not set")
		}
		path = filepath.Join(runtimeDir, display)
	}

	socket, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("wire: connecting to compositor at %s: %w", path, err)
	}
	logger.Info("connected to compositor", "socket", path)
	return NewConn(socket, logger, opts...), nil
}

// NewConn wraps an already-connected Unix stream socket. Tests use
// this with one end of a socketpair.
func NewConn(socket *net.UnixConn, logger *slog.Logger, opts ...Option) *Conn {
	conn := &Conn{
		socket:         socket,
		logger:         logger,
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(conn)
	}
	if conn.maxMessageSize < headerLength {
		conn.maxMessageSize = headerLength
	}
	return conn
}

// SetEventFDCount installs the signature hook that tells the receive
// path how many descriptors accompany a given event. Must be called
// before the first Receive.
func (c *Conn) SetEventFDCount(count func(object ObjectID, opcode uint16) int) {
	c.fdCount = count
}

// Send encodes and writes one message, including any attached
// descriptors. Safe for concurrent use.
func (c *Conn) Send(m *Message) error {
	data, err := m.Encode(c.maxMessageSize)
	if err != nil {
		return err
	}

	var oob []byte
	if len(m.fds) > 0 {
		oob = unix.UnixRights(m.fds...)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}

	// Descriptors ride with the first chunk; any remainder is plain
	// stream data.
	n, _, err := c.socket.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return fmt.Errorf("wire: writing to compositor socket: %w", err)
	}
	for n < len(data) {
		more, err := c.socket.Write(data[n:])
		if err != nil {
			return fmt.Errorf("wire: writing to compositor socket: %w", err)
		}
		n += more
	}
	return nil
}

// Receive blocks until one complete message is available and returns
// it with any descriptors its signature calls for. The first error is
// sticky: the stream position is unrecoverable after a malformed or
// oversize message, so the connection refuses further use.
func (c *Conn) Receive() (*Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.recvErr != nil {
		return nil, c.recvErr
	}
	message, err := c.receiveLocked()
	if err != nil {
		c.recvErr = err
		return nil, err
	}
	return message, nil
}

func (c *Conn) receiveLocked() (*Message, error) {
	for len(c.buffer) < headerLength {
		if err := c.fill(); err != nil {
			return nil, err
		}
	}

	object := ObjectID(binary.NativeEndian.Uint32(c.buffer[0:4]))
	word := binary.NativeEndian.Uint32(c.buffer[4:8])
	size := int(word >> 16)
	opcode := uint16(word & 0xFFFF)

	if object == 0 {
		return nil, fmt.Errorf("%w: opcode %d", ErrZeroObject, opcode)
	}
	if size < headerLength {
		return nil, fmt.Errorf("%w: declared %d bytes (object %d opcode %d)",
			ErrMessageTooShort, size, object, opcode)
	}
	if size > c.maxMessageSize {
		return nil, fmt.Errorf("%w: declared %d bytes (object %d opcode %d, max %d)",
			ErrMessageTooLong, size, object, opcode, c.maxMessageSize)
	}

	for len(c.buffer) < size {
		if err := c.fill(); err != nil {
			return nil, err
		}
	}

	// Copy the payload out: the stream buffer's backing array is
	// reused by later fills.
	payload := append([]byte(nil), c.buffer[headerLength:size]...)
	c.buffer = c.buffer[size:]

	message := &Message{Object: object, Opcode: opcode, payload: payload}

	count := 0
	if c.fdCount != nil {
		count = c.fdCount(object, opcode)
	}
	for range count {
		if len(c.pendingFDs) == 0 {
			message.CloseUnusedFDs()
			return nil, fmt.Errorf("%w: event on object %d opcode %d", ErrNoFD, object, opcode)
		}
		message.fds = append(message.fds, c.pendingFDs[0])
		c.pendingFDs = c.pendingFDs[1:]
	}
	return message, nil
}

// fill reads more stream bytes and any ancillary descriptors.
func (c *Conn) fill() error {
	chunk := make([]byte, readChunkSize)
	oob := make([]byte, unix.CmsgSpace(maxQueuedFDs*4))

	n, oobn, _, _, err := c.socket.ReadMsgUnix(chunk, oob)
	if n > 0 {
		c.buffer = append(c.buffer, chunk[:n]...)
	}
	if oobn > 0 {
		if fdErr := c.queueFDs(oob[:oobn]); fdErr != nil {
			return fdErr
		}
	}
	if err != nil {
		return fmt.Errorf("wire: reading from compositor socket: %w", err)
	}
	if n == 0 && oobn == 0 {
		return errors.New("wire: empty read from compositor socket")
	}
	return nil
}

// queueFDs parses SCM_RIGHTS control messages into the descriptor
// queue in arrival order.
func (c *Conn) queueFDs(oob []byte) error {
	controls, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("wire: parsing control messages: %w", err)
	}
	for _, control := range controls {
		if control.Header.Level != unix.SOL_SOCKET || control.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&control)
		if err != nil {
			return fmt.Errorf("wire: parsing SCM_RIGHTS: %w", err)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			c.pendingFDs = append(c.pendingFDs, fd)
		}
	}
	if len(c.pendingFDs) > maxQueuedFDs {
		for _, fd := range c.pendingFDs {
			unix.Close(fd)
		}
		c.pendingFDs = nil
		return fmt.Errorf("%w: %d queued", ErrFDOverflow, maxQueuedFDs+1)
	}
	return nil
}

// Close shuts the connection down and releases any descriptors still
// queued. Idempotent. Concurrent Receive calls unblock with an error.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.socket.Close()

		// The socket close above unblocks any reader, so this lock
		// cannot deadlock against a blocked Receive.
		c.recvMu.Lock()
		for _, fd := range c.pendingFDs {
			unix.Close(fd)
		}
		c.pendingFDs = nil
		if c.recvErr == nil {
			c.recvErr = ErrConnClosed
		}
		c.recvMu.Unlock()
	})
	return err
}
