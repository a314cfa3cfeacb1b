// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// ObjectID identifies a protocol object within one connection. Zero is
// the null object. The client allocates from 2 upward (the display is
// always 1); the server allocates from ServerIDBase upward.
type ObjectID uint32

// DisplayID is the fixed object ID of the display singleton.
const DisplayID ObjectID = 1

// ServerIDBase is the first object ID in the server-allocated range.
const ServerIDBase ObjectID = 0xFF000000

// headerLength is the fixed message header size: object ID (u32) plus
// size<<16|opcode (u32).
const headerLength = 8

// maxEncodableSize is the hard cap imposed by the 16-bit size field,
// independent of the configured connection maximum.
const maxEncodableSize = math.MaxUint16

// Fixed is the wire format's signed 24.8 fixed-point number.
type Fixed int32

// Float64 converts the fixed-point value to a float.
func (f Fixed) Float64() float64 { return float64(f) / 256.0 }

// FixedFromFloat64 converts a float to the nearest fixed-point value.
func FixedFromFloat64(v float64) Fixed { return Fixed(math.Round(v * 256.0)) }

// Message is one protocol message: a request being built for sending,
// or an event received from the compositor. Argument append methods
// marshal directly into the payload; they never fail, and size
// enforcement happens once at encode time.
type Message struct {
	// Object is the protocol object this message belongs to.
	Object ObjectID

	// Opcode selects the request or event within the object's
	// interface.
	Opcode uint16

	payload []byte

	// fds are the file descriptors attached to this message. For
	// outgoing messages they are queued by PutFD; for incoming ones
	// the connection attaches them per the signature hook. TakeFD
	// consumes them in order.
	fds     []int
	fdsUsed int
}

// NewMessage starts a message for the given object and opcode.
func NewMessage(object ObjectID, opcode uint16) *Message {
	return &Message{Object: object, Opcode: opcode}
}

// pad returns the number of padding bytes that follow n payload bytes.
func pad(n int) int { return (4 - n&3) & 3 }

// PutUint appends an unsigned 32-bit argument.
func (m *Message) PutUint(v uint32) {
	m.payload = binary.NativeEndian.AppendUint32(m.payload, v)
}

// PutInt appends a signed 32-bit argument.
func (m *Message) PutInt(v int32) {
	m.PutUint(uint32(v))
}

// PutFixed appends a 24.8 fixed-point argument.
func (m *Message) PutFixed(v Fixed) {
	m.PutUint(uint32(v))
}

// PutString appends a string argument: length including the NUL
// terminator, the bytes, the NUL, and padding to a 32-bit boundary.
// The string must not contain a NUL byte.
func (m *Message) PutString(s string) {
	length := len(s) + 1
	m.PutUint(uint32(length))
	m.payload = append(m.payload, s...)
	m.payload = append(m.payload, 0)
	for range pad(length) {
		m.payload = append(m.payload, 0)
	}
}

// PutBytes appends an array argument: length, bytes, padding.
func (m *Message) PutBytes(data []byte) {
	m.PutUint(uint32(len(data)))
	m.payload = append(m.payload, data...)
	for range pad(len(data)) {
		m.payload = append(m.payload, 0)
	}
}

// PutObject appends an object reference. Zero encodes the null object.
func (m *Message) PutObject(id ObjectID) {
	m.PutUint(uint32(id))
}

// PutNewID appends a new_id argument for a request whose interface is
// fixed by the protocol.
func (m *Message) PutNewID(id ObjectID) {
	m.PutUint(uint32(id))
}

// PutNewIDUnknown appends the long new_id form used by registry bind:
// interface name, version, then the ID.
func (m *Message) PutNewIDUnknown(interfaceName string, version uint32, id ObjectID) {
	m.PutString(interfaceName)
	m.PutUint(version)
	m.PutUint(uint32(id))
}

// PutFD attaches a file descriptor to the message. It travels as
// ancillary data, not payload, so it contributes nothing to the
// message size.
func (m *Message) PutFD(fd int) {
	m.fds = append(m.fds, fd)
}

// TakeFD consumes the next attached file descriptor. Ownership
// transfers to the caller, who must close it.
func (m *Message) TakeFD() (int, error) {
	if m.fdsUsed >= len(m.fds) {
		return -1, fmt.Errorf("%w: message %d opcode %d", ErrNoFD, m.Object, m.Opcode)
	}
	fd := m.fds[m.fdsUsed]
	m.fdsUsed++
	return fd, nil
}

// CloseUnusedFDs closes any attached descriptors that were never
// consumed with TakeFD. Every path that drops a message must call
// this, or descriptors leak until process exit.
func (m *Message) CloseUnusedFDs() {
	for ; m.fdsUsed < len(m.fds); m.fdsUsed++ {
		unix.Close(m.fds[m.fdsUsed])
	}
}

// PayloadLen returns the current payload length, excluding the header.
func (m *Message) PayloadLen() int { return len(m.payload) }

// Encode frames the message for the socket: header plus payload. It
// fails with ErrMessageTooLong if the total exceeds maxSize or the
// format's 16-bit size field.
func (m *Message) Encode(maxSize int) ([]byte, error) {
	size := headerLength + len(m.payload)
	if size > maxSize || size > maxEncodableSize {
		return nil, fmt.Errorf("%w: %d bytes for object %d opcode %d (max %d)",
			ErrMessageTooLong, size, m.Object, m.Opcode, maxSize)
	}

	data := make([]byte, size)
	binary.NativeEndian.PutUint32(data[0:4], uint32(m.Object))
	binary.NativeEndian.PutUint32(data[4:8], uint32(size)<<16|uint32(m.Opcode))
	copy(data[headerLength:], m.payload)
	return data, nil
}
