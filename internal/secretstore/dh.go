// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"github.com/godbus/dbus/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/otpclip/otpclip/lib/secretbuf"
)

// Second Oakley Group prime, RFC 2409 section 6.2. The Secret Service
// dh-ietf1024-sha256-aes128-cbc-pkcs7 algorithm is defined over this
// group with generator 2.
const oakleyGroup2Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
	"FFFFFFFFFFFFFFFF"

// dhKeyBytes is the byte width of the group: public keys go out
// full-width, and the shared secret is taken full-width as HKDF input
// keying material.
const dhKeyBytes = 128

var (
	oakleyGroup2Prime, _ = new(big.Int).SetString(oakleyGroup2Hex, 16)
	oakleyGroup2Gen      = big.NewInt(2)
)

// dhSession implements dh-ietf1024-sha256-aes128-cbc-pkcs7: a DH
// exchange over the Second Oakley Group, HKDF-SHA256 (nil salt, empty
// info) down to an AES-128 key, and CBC with PKCS#7 padding on the
// secret values. The daemon only ever decrypts.
type dhSession struct {
	private *big.Int
	public  *big.Int
	aesKey  *secretbuf.Buffer
}

func newDHSession() (*dhSession, error) {
	// Private exponent uniform in [2, p-2].
	upper := new(big.Int).Sub(oakleyGroup2Prime, big.NewInt(3))
	private, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return nil, fmt.Errorf("generating DH private key: %w", err)
	}
	private.Add(private, big.NewInt(2))

	public := new(big.Int).Exp(oakleyGroup2Gen, private, oakleyGroup2Prime)
	return &dhSession{private: private, public: public}, nil
}

func (*dhSession) algorithm() string { return "dh-ietf1024-sha256-aes128-cbc-pkcs7" }

func (d *dhSession) input() dbus.Variant {
	return dbus.MakeVariant(d.public.FillBytes(make([]byte, dhKeyBytes)))
}

func (d *dhSession) accept(output dbus.Variant) error {
	peerBytes, ok := output.Value().([]byte)
	if !ok {
		return fmt.Errorf("%w: DH session wants a byte array, got %T", ErrSessionOutput, output.Value())
	}
	if len(peerBytes) > dhKeyBytes {
		return fmt.Errorf("%w: peer public key is %d bytes, group width is %d", ErrSessionOutput, len(peerBytes), dhKeyBytes)
	}
	peer := new(big.Int).SetBytes(peerBytes)

	// Degenerate peer keys would fix the shared secret.
	one := big.NewInt(1)
	limit := new(big.Int).Sub(oakleyGroup2Prime, one)
	if peer.Cmp(one) <= 0 || peer.Cmp(limit) >= 0 {
		return fmt.Errorf("%w: degenerate peer public key", ErrSessionOutput)
	}

	shared := new(big.Int).Exp(peer, d.private, oakleyGroup2Prime)
	ikm := shared.FillBytes(make([]byte, dhKeyBytes))
	defer secretbuf.Zero(ikm)

	key := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, nil), key); err != nil {
		secretbuf.Zero(key)
		return fmt.Errorf("deriving session key: %w", err)
	}
	buffer, err := secretbuf.NewFromBytes(key)
	if err != nil {
		secretbuf.Zero(key)
		return fmt.Errorf("storing session key: %w", err)
	}
	d.aesKey = buffer
	return nil
}

func (d *dhSession) decode(parameters, value []byte) (*secretbuf.Buffer, error) {
	if d.aesKey == nil {
		return nil, fmt.Errorf("%w: session key not established", ErrSecretFormat)
	}
	if len(parameters) != aes.BlockSize {
		return nil, fmt.Errorf("%w: IV is %d bytes, want %d", ErrSecretFormat, len(parameters), aes.BlockSize)
	}
	if len(value) == 0 || len(value)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrSecretFormat, len(value))
	}

	block, err := aes.NewCipher(d.aesKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("initializing AES: %w", err)
	}
	plaintext := make([]byte, len(value))
	cipher.NewCBCDecrypter(block, parameters).CryptBlocks(plaintext, value)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		secretbuf.Zero(plaintext)
		return nil, err
	}
	buffer, err := secretbuf.NewFromBytes(unpadded)
	secretbuf.Zero(plaintext)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: padded length %d", ErrSecretFormat, len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: padding byte %d", ErrSecretFormat, n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrSecretFormat)
		}
	}
	return data[:len(data)-n], nil
}
