// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now
// or time.After directly. In production, Real() provides the standard
// library behavior. In tests, Fake() provides a deterministic clock
// that advances only when Advance is called, so code paths keyed to
// the current one-time-password period can be pinned to a known
// instant.
//
// # Wiring Pattern
//
// Add a Clock field to structs that read time:
//
//	type Agent struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	a := &Agent{clock: clock.Real()}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	a := &Agent{clock: c}
//	// ... start goroutines ...
//	c.WaitForTimers(1)            // wait for a pending After
//	c.Advance(3 * time.Second)    // fire it deterministically
package clock
