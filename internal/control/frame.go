// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/otpclip/otpclip/lib/codec"
)

// maxFrameSize bounds a single control frame. Requests are tens of
// bytes; a status response with a long error string stays far below
// this. Anything bigger is a broken or hostile peer.
const maxFrameSize = 64 * 1024

// ErrFrameTooLarge means a frame's declared length exceeded
// maxFrameSize.
var ErrFrameTooLarge = errors.New("control: frame exceeds maximum size")

// writeFrame encodes v as CBOR behind a 4-byte big-endian length
// prefix.
func writeFrame(w io.Writer, v any) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	header := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	if _, err := w.Write(append(header, body...)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed CBOR frame into v.
func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
