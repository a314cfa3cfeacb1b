// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package datactl

import (
	"log/slog"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/otpclip/otpclip/internal/wire"
)

// Offer describes one clipboard publication: what to advertise and
// how to produce the bytes when a paste target asks for them.
type Offer struct {
	// Label identifies the publication in logs. Never the content.
	Label string

	// MimeTypes are the advertised types. Empty means every common
	// plain-text spelling.
	MimeTypes []string

	// Provider produces the payload for one of the advertised types.
	// It runs on the service goroutine and must return promptly.
	Provider func(mimeType string) ([]byte, error)
}

// session is the live protocol state behind one published Offer: the
// data-source object and the sorted mime set it advertised. Exactly
// one session is live at a time; publishing a replacement or receiving
// cancelled retires it, and a retired session never serves again.
type session struct {
	offer     Offer
	mimeTypes []string
	source    *wire.Object
	retired   bool
}

func newSession(offer Offer) *session {
	mimeTypes := offer.MimeTypes
	if len(mimeTypes) == 0 {
		mimeTypes = plainTextMimeTypes
	}
	sorted := slices.Clone(mimeTypes)
	slices.Sort(sorted)
	return &session{offer: offer, mimeTypes: sorted}
}

// advertises reports whether the session offered the given mime type.
func (s *session) advertises(mimeType string) bool {
	_, found := slices.BinarySearch(s.mimeTypes, mimeType)
	return found
}

// serve answers one send event: write the payload for mimeType to the
// sink descriptor. The descriptor is closed on every path, exactly
// once. A mime type outside the advertised set is rejected without
// invoking the provider; that is protocol-defined behavior, not an
// error. Write failures are warnings: the paste target may simply
// have gone away.
func (s *session) serve(logger *slog.Logger, mimeType string, sinkFD int) {
	defer unix.Close(sinkFD)

	if !s.advertises(mimeType) {
		logger.Debug("rejecting request for unadvertised mime type",
			"label", s.offer.Label, "mime", mimeType)
		return
	}

	payload, err := s.offer.Provider(mimeType)
	if err != nil {
		logger.Warn("payload provider failed",
			"label", s.offer.Label, "mime", mimeType, "error", err)
		return
	}
	if err := writeAll(sinkFD, payload); err != nil {
		logger.Warn("writing clipboard payload",
			"label", s.offer.Label, "mime", mimeType, "error", err)
		return
	}
	logger.Debug("served clipboard payload",
		"label", s.offer.Label, "mime", mimeType, "bytes", len(payload))
}

func closeFD(fd int) {
	unix.Close(fd)
}

// writeAll writes data fully to fd, continuing short writes and
// retrying EINTR.
func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
