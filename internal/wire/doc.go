// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the client side of the Wayland wire format
// over a Unix stream socket.
//
// The package is protocol-agnostic: it knows how to frame, encode, and
// decode messages and how to track object identity, but nothing about
// any particular Wayland interface. Interface constants and event
// semantics live in the datactl package.
//
// File roles:
//
//   - message.go: Message construction and encoding (argument
//     marshalling, header framing, size enforcement)
//   - reader.go: bounds-checked decoding of received payloads
//   - conn.go: the socket transport (framing on receive, SCM_RIGHTS
//     file descriptor transfer in both directions)
//   - registry.go: object ID allocation and the ID-to-handler table
//     with destroy/delete_id lifecycle tracking
//   - errors.go: the error taxonomy shared by all of the above
//
// Framing: every message is an 8-byte header — object ID (u32), then
// size<<16|opcode (u32) — followed by the argument payload padded to
// 32-bit boundaries. The size field counts the header itself. Byte
// order is the platform's native order. File descriptors never appear
// in the payload; they travel as SCM_RIGHTS ancillary data and are
// matched to messages by the connection's signature hook.
package wire
