// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the daemon's local command surface: a Unix
// stream socket carrying one CBOR request and one response per
// connection. otpclip-ctl is its only intended client, and the socket
// doubles as the single-instance lock — a second daemon finds a live
// listener answering ping and refuses to start.
package control

import "time"

// Ops accepted on the control socket.
const (
	OpPing     = "ping"
	OpStatus   = "status"
	OpAccounts = "accounts"
	OpCopy     = "copy"
	OpClear    = "clear"
	OpUpdate   = "update"
	OpQuit     = "quit"
)

// Request is one control command.
type Request struct {
	// Op is the operation to perform.
	Op string `cbor:"op"`

	// Account is the exact account label for copy requests.
	Account string `cbor:"account,omitempty"`
}

// Response is the daemon's answer.
type Response struct {
	// OK reports whether the operation succeeded.
	OK bool `cbor:"ok"`

	// Error describes the failure when OK is false.
	Error string `cbor:"error,omitempty"`

	// Status is set for status responses.
	Status *StatusInfo `cbor:"status,omitempty"`

	// Accounts is set for accounts responses.
	Accounts []AccountInfo `cbor:"accounts,omitempty"`
}

// StatusInfo mirrors the agent's snapshot for display.
type StatusInfo struct {
	State        string        `cbor:"state"`
	UnlockGate   string        `cbor:"unlock_gate"`
	AccountCount int           `cbor:"account_count"`
	OfferedLabel string        `cbor:"offered_label,omitempty"`
	LastError    string        `cbor:"last_error,omitempty"`
	Uptime       time.Duration `cbor:"uptime"`
	Version      string        `cbor:"version"`
}

// AccountInfo is one selectable account.
type AccountInfo struct {
	Label string `cbor:"label"`
}
