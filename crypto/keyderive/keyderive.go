// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package keyderive turns a member's password into a key-encryption
// key (KEK) using PBKDF2-HMAC-SHA256. A KEK only ever wraps and
// unwraps the vault's data-encryption key; it never encrypts content.
//
// The iteration count is a deployment constant and is not stored with
// the salt: changing it makes every existing wrapped key unreadable.
package keyderive

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/grailbio/mediavault/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of a derived key in bytes (AES-256).
	KeySize = 32
	// SaltSize is the size of a per-member salt in bytes.
	SaltSize = 16
	// Iterations is the PBKDF2 iteration count.
	Iterations = 250000
)

// iterations is overridden by tests.
var iterations = Iterations

var randomSource io.Reader = rand.Reader

// KEK is a key-encryption key derived from a password.
type KEK [KeySize]byte

// Zero overwrites the key with zeros.
func (k *KEK) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// Derive derives the KEK for password and salt. It is deterministic:
// the same password and salt always yield the same key. Derive is
// CPU-bound and takes on the order of a hundred milliseconds.
func Derive(password string, salt []byte) (KEK, error) {
	var kek KEK
	if password == "" {
		return kek, errors.E(errors.Invalid, "derive key: empty password")
	}
	if len(salt) != SaltSize {
		return kek, errors.E(errors.Invalid, fmt.Sprintf("derive key: salt must be %d bytes, got %d", SaltSize, len(salt)))
	}
	copy(kek[:], pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New))
	return kek, nil
}

// NewSalt returns SaltSize bytes from the system's secure random
// source.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(randomSource, salt); err != nil {
		return nil, errors.E(fmt.Sprintf("failed to read %d bytes of random data", SaltSize), err)
	}
	return salt, nil
}

// DeriveNew derives a KEK for password under a fresh salt, which the
// caller stores alongside the wrapped key.
func DeriveNew(password string) (KEK, []byte, error) {
	salt, err := NewSalt()
	if err != nil {
		return KEK{}, nil, err
	}
	kek, err := Derive(password, salt)
	return kek, salt, err
}

// SetRandSource sets the source of random numbers used for salts and
// is intended primarily for testing purposes.
func SetRandSource(rd io.Reader) {
	randomSource = rd
}
