// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package totp parses otpauth seed descriptors and computes RFC 6238
// one-time codes. Seeds live in locked buffers; the otpauth text and
// its base32 re-encoding cross into ordinary memory only at the
// parsing and HMAC boundaries.
package totp

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pquerna/otp"

	"github.com/otpclip/otpclip/lib/secretbuf"
)

var (
	// ErrMalformedURI covers text that does not parse as a URI at
	// all. Deliberately detail-free: the raw text contains the seed.
	ErrMalformedURI = errors.New("totp: malformed otpauth URI")

	ErrNotOTPAuth    = errors.New("totp: not an otpauth URI")
	ErrNotTOTP       = errors.New("totp: unsupported key type")
	ErrMissingSecret = errors.New("totp: secret parameter missing")
	ErrBadSecret     = errors.New("totp: secret is not valid base32")
	ErrBadAlgorithm  = errors.New("totp: unsupported algorithm")
	ErrBadDigits     = errors.New("totp: digits out of range")
	ErrBadPeriod     = errors.New("totp: period out of range")
)

const (
	defaultDigits = 6
	defaultPeriod = 30

	minDigits = 6
	maxDigits = 8
)

// Key is one parsed seed descriptor. The seed itself stays in a
// locked buffer; everything else is display metadata.
type Key struct {
	Issuer    string
	Account   string
	Algorithm otp.Algorithm
	Digits    int
	Period    int

	seed *secretbuf.Buffer
}

// Wipe releases the seed. The Key must not be used afterwards.
func (k *Key) Wipe() {
	if k.seed != nil {
		k.seed.Close()
	}
}

// DisplayLabel renders the conventional "issuer:account" form, or
// just the account when no issuer is known.
func (k *Key) DisplayLabel() string {
	if k.Issuer == "" {
		return k.Account
	}
	return k.Issuer + ":" + k.Account
}

// ParseURI parses an otpauth://totp/ descriptor. The query's issuer
// parameter wins over an issuer prefix in the label. Absent
// parameters default to SHA1, 6 digits, 30 seconds; present ones are
// validated strictly, so an unrecognized algorithm is an error rather
// than a silent SHA1 fallback that would generate wrong codes.
//
// Callers treat a parse error as "skip this entry", never as fatal.
func ParseURI(raw []byte) (*Key, error) {
	parsed, err := url.Parse(string(raw))
	if err != nil {
		// url errors echo the input; do not wrap them.
		return nil, ErrMalformedURI
	}
	if !strings.EqualFold(parsed.Scheme, "otpauth") {
		return nil, fmt.Errorf("%w: scheme %q", ErrNotOTPAuth, parsed.Scheme)
	}
	if !strings.EqualFold(parsed.Host, "totp") {
		return nil, fmt.Errorf("%w: %q", ErrNotTOTP, parsed.Host)
	}

	key := &Key{
		Algorithm: otp.AlgorithmSHA1,
		Digits:    defaultDigits,
		Period:    defaultPeriod,
	}

	// Label is "issuer:account" or bare "account", percent-decoded
	// by url.Parse already.
	label := strings.TrimPrefix(parsed.Path, "/")
	if issuer, account, found := strings.Cut(label, ":"); found {
		key.Issuer = strings.TrimSpace(issuer)
		key.Account = strings.TrimSpace(account)
	} else {
		key.Account = strings.TrimSpace(label)
	}

	query := parsed.Query()
	if issuer := query.Get("issuer"); issuer != "" {
		key.Issuer = issuer
	}

	if algorithm := query.Get("algorithm"); algorithm != "" {
		switch strings.ToUpper(algorithm) {
		case "SHA1":
			key.Algorithm = otp.AlgorithmSHA1
		case "SHA256":
			key.Algorithm = otp.AlgorithmSHA256
		case "SHA512":
			key.Algorithm = otp.AlgorithmSHA512
		default:
			return nil, fmt.Errorf("%w: %q", ErrBadAlgorithm, algorithm)
		}
	}

	if digits := query.Get("digits"); digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil || n < minDigits || n > maxDigits {
			return nil, fmt.Errorf("%w: %q (want %d-%d)", ErrBadDigits, digits, minDigits, maxDigits)
		}
		key.Digits = n
	}

	if period := query.Get("period"); period != "" {
		n, err := strconv.Atoi(period)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: %q", ErrBadPeriod, period)
		}
		key.Period = n
	}

	secret := query.Get("secret")
	if secret == "" {
		return nil, ErrMissingSecret
	}
	seed, err := decodeBase32(secret)
	if err != nil {
		return nil, err
	}
	buffer, err := secretbuf.NewFromBytes(seed)
	if err != nil {
		secretbuf.Zero(seed)
		return nil, fmt.Errorf("storing seed: %w", err)
	}
	key.seed = buffer
	return key, nil
}

// decodeBase32 accepts the wild-west forms seed exporters produce:
// any case, padding present or absent.
func decodeBase32(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.TrimRight(secret, "="))
	seed, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	if err != nil {
		return nil, ErrBadSecret
	}
	if len(seed) == 0 {
		return nil, ErrMissingSecret
	}
	return seed, nil
}
