// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package totp

import (
	"encoding/base32"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/otpclip/otpclip/lib/secretbuf"
)

// Code is one computed one-time code. NotAfter marks the end of the
// code's period; it informs logging only, codes are never cached or
// refreshed.
type Code struct {
	Value    string
	Label    string
	NotAfter time.Time
}

// Generate computes the key's code for the period containing at.
func Generate(key *Key, at time.Time) (string, error) {
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(key.seed.Bytes())
	value, err := totp.GenerateCodeCustom(encoded, at, totp.ValidateOpts{
		Period:    uint(key.Period),
		Digits:    otp.Digits(key.Digits),
		Algorithm: key.Algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("computing code: %w", err)
	}
	return value, nil
}

// Generator computes codes straight from stored seed descriptors.
type Generator struct{}

// CodeAt parses the otpauth descriptor in uri, computes its code for
// the period containing at, and wipes both the descriptor and the
// decoded seed before returning. It consumes uri on every path.
func (Generator) CodeAt(uri *secretbuf.Buffer, at time.Time) (Code, error) {
	defer uri.Close()

	key, err := ParseURI(uri.Bytes())
	if err != nil {
		return Code{}, err
	}
	defer key.Wipe()

	value, err := Generate(key, at)
	if err != nil {
		return Code{}, err
	}
	counter := at.Unix() / int64(key.Period)
	return Code{
		Value:    value,
		Label:    key.DisplayLabel(),
		NotAfter: time.Unix((counter+1)*int64(key.Period), 0),
	}, nil
}
