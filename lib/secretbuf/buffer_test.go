// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package secretbuf

import (
	"bytes"
	"testing"
)

func TestNewAllocatesZeroed(t *testing.T) {
	t.Parallel()

	buffer, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 64 {
		t.Fatalf("Len() = %d, want 64", buffer.Len())
	}
	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("fresh buffer byte %d = %d, want 0", index, value)
		}
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

func TestNewFromBytesZeroesSource(t *testing.T) {
	t.Parallel()

	source := []byte("otpauth://totp/example?secret=AAAA")
	original := append([]byte(nil), source...)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), original) {
		t.Fatal("buffer contents differ from original source")
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d = %d after NewFromBytes, want 0", index, value)
		}
	}
}

func TestNewFromBytesRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("NewFromBytes(nil) succeeded, want error")
	}
}

func TestStringCopies(t *testing.T) {
	t.Parallel()

	buffer, err := NewFromBytes([]byte("sensitive"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "sensitive" {
		t.Fatalf("String() = %q, want %q", got, "sensitive")
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	buffer, err := NewFromBytes([]byte("seed material"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}

	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestAccessAfterClosePanics(t *testing.T) {
	t.Parallel()

	buffer, err := NewFromBytes([]byte("gone"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Bytes() on closed buffer did not panic")
		}
	}()
	_ = buffer.Bytes()
}

func TestZero(t *testing.T) {
	t.Parallel()

	data := []byte{1, 2, 3, 4, 5}
	Zero(data)
	for index, value := range data {
		if value != 0 {
			t.Fatalf("byte %d = %d after Zero, want 0", index, value)
		}
	}
}
