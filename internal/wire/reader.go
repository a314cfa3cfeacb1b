// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Reader decodes a received message's arguments in order. Every
// accessor bounds-checks; malformed input yields an error, never a
// panic. After reading all arguments the handler calls Finish, which
// fails if payload bytes remain — the reliable symptom of decoding
// against the wrong signature.
type Reader struct {
	message *Message
	offset  int
}

// Reader returns a decoding cursor positioned at the start of the
// message's payload. File descriptor consumption is shared with the
// message itself (TakeFD), so a partially-read message still knows
// which descriptors remain for CloseUnusedFDs.
func (m *Message) Reader() *Reader {
	return &Reader{message: m}
}

// remaining returns the undecoded byte count.
func (r *Reader) remaining() int { return len(r.message.payload) - r.offset }

// take returns the next n payload bytes and advances.
func (r *Reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d (object %d opcode %d)",
			ErrFieldBounds, n, r.remaining(), r.message.Object, r.message.Opcode)
	}
	data := r.message.payload[r.offset : r.offset+n]
	r.offset += n
	return data, nil
}

// Uint decodes an unsigned 32-bit argument.
func (r *Reader) Uint() (uint32, error) {
	data, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(data), nil
}

// Int decodes a signed 32-bit argument.
func (r *Reader) Int() (int32, error) {
	v, err := r.Uint()
	return int32(v), err
}

// Fixed decodes a 24.8 fixed-point argument.
func (r *Reader) Fixed() (Fixed, error) {
	v, err := r.Uint()
	return Fixed(v), err
}

// String decodes a string argument. A null string decodes as "".
func (r *Reader) String() (string, error) {
	length, err := r.Uint()
	if err != nil {
		return "", err
	}
	if length == 0 {
		// Null string: no bytes, no padding.
		return "", nil
	}

	padded := int(length) + pad(int(length))
	data, err := r.take(padded)
	if err != nil {
		return "", err
	}

	content := data[:length-1]
	if data[length-1] != 0 {
		return "", fmt.Errorf("%w: missing NUL terminator (object %d opcode %d)",
			ErrStringFraming, r.message.Object, r.message.Opcode)
	}
	for _, b := range content {
		if b == 0 {
			return "", fmt.Errorf("%w: interior NUL (object %d opcode %d)",
				ErrStringFraming, r.message.Object, r.message.Opcode)
		}
	}
	if !utf8.Valid(content) {
		return "", fmt.Errorf("%w: object %d opcode %d", ErrStringEncoding,
			r.message.Object, r.message.Opcode)
	}
	return string(content), nil
}

// Bytes decodes an array argument. The returned slice aliases the
// message payload; copy it if it must outlive the handler call.
func (r *Reader) Bytes() ([]byte, error) {
	length, err := r.Uint()
	if err != nil {
		return nil, err
	}
	padded := int(length) + pad(int(length))
	data, err := r.take(padded)
	if err != nil {
		return nil, err
	}
	return data[:length], nil
}

// Object decodes an object reference. Zero is the null object.
func (r *Reader) Object() (ObjectID, error) {
	v, err := r.Uint()
	return ObjectID(v), err
}

// NewID decodes a new_id argument announcing a server-created object.
func (r *Reader) NewID() (ObjectID, error) {
	v, err := r.Uint()
	return ObjectID(v), err
}

// FD consumes the next file descriptor attached to the message.
// Ownership transfers to the caller.
func (r *Reader) FD() (int, error) {
	return r.message.TakeFD()
}

// Finish verifies the payload was consumed exactly.
func (r *Reader) Finish() error {
	if r.remaining() != 0 {
		return fmt.Errorf("%w: %d bytes after last argument (object %d opcode %d)",
			ErrTrailingBytes, r.remaining(), r.message.Object, r.message.Opcode)
	}
	return nil
}
