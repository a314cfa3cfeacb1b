// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package datactl publishes clipboard content by speaking the
// ext_data_control_v1 protocol family directly over the compositor
// socket. It owns the wire connection, the object registry, and all
// protocol state, and runs them on a single goroutine: events from
// the compositor and commands from other goroutines interleave
// through one loop, so no two protocol operations ever race.
//
// The package plays only the data-source role. It offers content and
// serves it on demand; it never reads another client's selection.
package datactl
