// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package secretstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestPlainSessionAccept(t *testing.T) {
	t.Parallel()

	session := plainSession{}
	if err := session.accept(dbus.MakeVariant("")); err != nil {
		t.Fatalf("accept empty string: %v", err)
	}
	if err := session.accept(dbus.MakeVariant("key material")); !errors.Is(err, ErrSessionOutput) {
		t.Fatalf("accept non-empty = %v, want ErrSessionOutput", err)
	}
	if err := session.accept(dbus.MakeVariant([]byte{1, 2})); !errors.Is(err, ErrSessionOutput) {
		t.Fatalf("accept byte array = %v, want ErrSessionOutput", err)
	}
}

func TestPlainSessionDecode(t *testing.T) {
	t.Parallel()

	session := plainSession{}
	value := []byte("otpauth://totp/a?secret=AAAA")
	original := append([]byte(nil), value...)

	buffer, err := session.decode(nil, value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer buffer.Close()
	if !bytes.Equal(buffer.Bytes(), original) {
		t.Fatalf("decode = %q, want %q", buffer.Bytes(), original)
	}
	// The wire slice must not keep a readable copy.
	if bytes.Equal(value, original) {
		t.Fatal("source slice not wiped")
	}

	if _, err := session.decode([]byte{1}, []byte("x")); !errors.Is(err, ErrSecretFormat) {
		t.Fatalf("decode with parameters = %v, want ErrSecretFormat", err)
	}
}

func TestUnlockOutcomeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		outcome UnlockOutcome
		want    string
	}{
		{UnlockAlreadyUnlocked, "already-unlocked"},
		{UnlockCompleted, "completed"},
		{UnlockDismissed, "dismissed"},
		{UnlockOutcome(42), "UnlockOutcome(42)"},
	}
	for _, test := range tests {
		if got := test.outcome.String(); got != test.want {
			t.Errorf("String(%d) = %q, want %q", int(test.outcome), got, test.want)
		}
	}
}

func TestIsDBusError(t *testing.T) {
	t.Parallel()

	err := dbus.Error{Name: "org.freedesktop.DBus.Error.NameHasNoOwner"}
	if !isDBusError(err, "org.freedesktop.DBus.Error.NameHasNoOwner") {
		t.Fatal("matching name not recognized")
	}
	if isDBusError(err, "org.freedesktop.DBus.Error.NotSupported") {
		t.Fatal("mismatched name recognized")
	}
	if isDBusError(errors.New("plain"), "org.freedesktop.DBus.Error.NameHasNoOwner") {
		t.Fatal("non-dbus error recognized")
	}
}
