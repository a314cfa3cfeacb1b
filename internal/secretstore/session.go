// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package secretstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/otpclip/otpclip/lib/secretbuf"
)

var (
	ErrNoAlgorithm   = errors.New("secretstore: no mutually supported session algorithm")
	ErrSessionOutput = errors.New("secretstore: invalid session output")
	ErrSecretFormat  = errors.New("secretstore: malformed secret payload")
)

// cryptoSession is one negotiated transfer encryption. decode turns a
// wire (parameters, value) pair into plaintext in a locked buffer.
type cryptoSession interface {
	algorithm() string
	input() dbus.Variant
	accept(output dbus.Variant) error
	decode(parameters, value []byte) (*secretbuf.Buffer, error)
}

// openSession negotiates a session with the service. Mode "auto"
// tries the DH algorithm first and falls back to plain when the
// service rejects it; "dh" and "plain" pin one algorithm.
func openSession(ctx context.Context, logger *slog.Logger, service dbus.BusObject, mode string) (cryptoSession, dbus.ObjectPath, error) {
	var candidates []cryptoSession
	switch mode {
	case "plain":
		candidates = []cryptoSession{plainSession{}}
	case "dh":
		dh, err := newDHSession()
		if err != nil {
			return nil, "", err
		}
		candidates = []cryptoSession{dh}
	default:
		dh, err := newDHSession()
		if err != nil {
			return nil, "", err
		}
		candidates = []cryptoSession{dh, plainSession{}}
	}

	for _, candidate := range candidates {
		var output dbus.Variant
		var path dbus.ObjectPath
		err := service.CallWithContext(ctx, serviceInterface+".OpenSession", 0,
			candidate.algorithm(), candidate.input()).Store(&output, &path)
		if err != nil {
			logger.Warn("session algorithm rejected",
				"algorithm", candidate.algorithm(), "error", err)
			continue
		}
		// A bad output on an accepted session is not negotiable:
		// the service agreed to the algorithm and then spoke
		// something else.
		if err := candidate.accept(output); err != nil {
			return nil, "", fmt.Errorf("algorithm %s: %w", candidate.algorithm(), err)
		}
		logger.Debug("secret session open",
			"algorithm", candidate.algorithm(), "path", string(path))
		return candidate, path, nil
	}
	return nil, "", ErrNoAlgorithm
}

// plainSession transfers secret values unencrypted.
type plainSession struct{}

func (plainSession) algorithm() string { return "plain" }

func (plainSession) input() dbus.Variant { return dbus.MakeVariant("") }

func (plainSession) accept(output dbus.Variant) error {
	s, ok := output.Value().(string)
	if !ok || s != "" {
		return fmt.Errorf("%w: plain session wants an empty string, got %v", ErrSessionOutput, output.Value())
	}
	return nil
}

func (plainSession) decode(parameters, value []byte) (*secretbuf.Buffer, error) {
	if len(parameters) != 0 {
		return nil, fmt.Errorf("%w: plain secret carries %d parameter bytes", ErrSecretFormat, len(parameters))
	}
	return secretbuf.NewFromBytes(value)
}
