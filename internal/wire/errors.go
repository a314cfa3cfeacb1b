// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "errors"

// Errors raised by the codec and connection. Decoding errors are
// protocol violations: the peer (or our own bookkeeping) produced
// bytes the format forbids, and the connection cannot be trusted
// afterwards. IsProtocolViolation distinguishes them from plain
// transport failures.
var (
	// ErrMessageTooShort means a header declared a size below the
	// 8-byte minimum.
	ErrMessageTooShort = errors.New("wire: message size below header length")

	// ErrMessageTooLong means a message exceeded the connection's
	// configured maximum size, in either direction.
	ErrMessageTooLong = errors.New("wire: message exceeds maximum size")

	// ErrZeroObject means a received header named object ID zero,
	// which the format reserves as the null object.
	ErrZeroObject = errors.New("wire: message for object id zero")

	// ErrFieldBounds means an argument read ran past the end of the
	// payload.
	ErrFieldBounds = errors.New("wire: argument extends past payload end")

	// ErrStringFraming means a string argument was missing its NUL
	// terminator or contained an interior NUL.
	ErrStringFraming = errors.New("wire: malformed string framing")

	// ErrStringEncoding means a string argument was not valid UTF-8.
	ErrStringEncoding = errors.New("wire: string is not valid UTF-8")

	// ErrNoFD means a message's signature called for a file
	// descriptor but none was queued on the connection.
	ErrNoFD = errors.New("wire: no file descriptor available")

	// ErrFDOverflow means the peer sent more ancillary file
	// descriptors than any reasonable message sequence carries.
	ErrFDOverflow = errors.New("wire: too many queued file descriptors")

	// ErrTrailingBytes means a handler finished decoding with payload
	// bytes left over, indicating a signature mismatch.
	ErrTrailingBytes = errors.New("wire: payload has trailing bytes")

	// ErrIDExhausted means the client-side object ID space ran out.
	// Practically unreachable; IDs are never reused, so a very
	// long-lived connection could get here.
	ErrIDExhausted = errors.New("wire: client object ids exhausted")

	// ErrObjectExists means Register was asked to add an ID that is
	// already tracked.
	ErrObjectExists = errors.New("wire: object id already registered")

	// ErrConnClosed means the connection was closed locally and can
	// no longer send or receive.
	ErrConnClosed = errors.New("wire: connection closed")
)

// protocolViolations are the errors that indicate the byte stream
// itself is broken, as opposed to the transport failing.
var protocolViolations = []error{
	ErrMessageTooShort,
	ErrMessageTooLong,
	ErrZeroObject,
	ErrFieldBounds,
	ErrStringFraming,
	ErrStringEncoding,
	ErrNoFD,
	ErrFDOverflow,
	ErrTrailingBytes,
}

// IsProtocolViolation reports whether err (or anything it wraps) is a
// wire-format violation. Callers treat these exactly like fatal
// transport errors but log them distinctly.
func IsProtocolViolation(err error) bool {
	for _, violation := range protocolViolations {
		if errors.Is(err, violation) {
			return true
		}
	}
	return false
}
