// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package envelope implements envelope encryption for a vault: a
// random data-encryption key (DEK) encrypts all of a vault's content
// and metadata, and each member holds a copy of the DEK sealed under
// a key derived from that member's password (a WrappedKey).
//
// All sealing uses AES-256-GCM with a fresh random 96-bit IV and no
// additional data. A sealed value is serialized as
//
//	hex(iv) ":" base64(ciphertext || tag)
//
// which is the storage format of wrapped keys and of encrypted text
// fields.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/grailbio/mediavault/crypto/keyderive"
	"github.com/grailbio/mediavault/errors"
)

const (
	// KeySize is the size of a DEK in bytes.
	KeySize = 32
	// IVSize is the size of an AES-GCM IV in bytes.
	IVSize = 12
	// TagSize is the size of an AES-GCM authentication tag in bytes.
	TagSize = 16
)

var randomSource io.Reader = rand.Reader

// SetRandSource sets the source of random numbers used for keys and
// IVs and is intended primarily for testing purposes.
func SetRandSource(rd io.Reader) {
	randomSource = rd
}

// DEK is a vault's data-encryption key. A DEK is held only in memory;
// it is persisted solely in wrapped form.
type DEK [KeySize]byte

// GenerateDEK returns a new DEK from the secure random source.
func GenerateDEK() (*DEK, error) {
	dek := new(DEK)
	if err := readRandom(dek[:]); err != nil {
		return nil, err
	}
	return dek, nil
}

// Zero overwrites the key with zeros.
func (d *DEK) Zero() {
	for i := range d {
		d[i] = 0
	}
}

// IsZero tells whether the key is all zeros, as it is after Zero.
func (d *DEK) IsZero() bool {
	var zero DEK
	return subtle.ConstantTimeCompare(d[:], zero[:]) == 1
}

// NewIV returns a fresh random IV.
func NewIV() ([IVSize]byte, error) {
	var iv [IVSize]byte
	err := readRandom(iv[:])
	return iv, err
}

func readRandom(b []byte) error {
	n, err := io.ReadFull(randomSource, b)
	if err != nil {
		return errors.E(fmt.Sprintf("failed to read %d bytes of random data", len(b)), err)
	}
	if n != len(b) {
		return errors.E(fmt.Sprintf("failed to read %d bytes of random data: %d < %d", len(b), n, len(b)))
	}
	return nil
}

// NewGCM returns an AES-256-GCM AEAD for key.
func NewGCM(key *[KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.E(errors.Invalid, "new cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.E(errors.Invalid, "new gcm", err)
	}
	return aead, nil
}

// Seal encrypts plaintext under key with a fresh IV.
func Seal(key *[KeySize]byte, plaintext []byte) (Sealed, error) {
	aead, err := NewGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	iv, err := NewIV()
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{IV: iv, Ciphertext: aead.Seal(nil, iv[:], plaintext, nil)}, nil
}

// Open authenticates and decrypts s under key. A failed tag check is
// reported as an Integrity error; no plaintext is returned.
func Open(key *[KeySize]byte, s Sealed) ([]byte, error) {
	aead, err := NewGCM(key)
	if err != nil {
		return nil, err
	}
	if len(s.Ciphertext) < TagSize {
		return nil, errors.E(errors.Integrity, "sealed value shorter than tag")
	}
	plaintext, err := aead.Open(nil, s.IV[:], s.Ciphertext, nil)
	if err != nil {
		return nil, errors.E(errors.Integrity, "open sealed value")
	}
	return plaintext, nil
}

// WrappedKey is a DEK sealed under a member's KEK. Its ciphertext is
// always KeySize+TagSize bytes when produced by Wrap.
type WrappedKey struct {
	Sealed
}

// ParseWrappedKey parses the serialized form of a wrapped key.
func ParseWrappedKey(s string) (WrappedKey, error) {
	sealed, err := ParseSealed(s)
	if err != nil {
		return WrappedKey{}, errors.E("parse wrapped key", err)
	}
	return WrappedKey{sealed}, nil
}

// Wrap seals dek under kek with a fresh IV.
func Wrap(dek *DEK, kek *keyderive.KEK) (WrappedKey, error) {
	if dek == nil {
		return WrappedKey{}, errors.E(errors.Locked, "wrap: no data key")
	}
	sealed, err := Seal((*[KeySize]byte)(kek), dek[:])
	if err != nil {
		return WrappedKey{}, errors.E("wrap", err)
	}
	return WrappedKey{sealed}, nil
}

// Unwrap recovers the DEK sealed in w. A wrong password, a corrupted
// wrapped key and a wrapped value of the wrong size are all reported
// as the same AuthenticationFailed error, and no key material is
// returned.
func Unwrap(w WrappedKey, kek *keyderive.KEK) (*DEK, error) {
	plaintext, err := Open((*[KeySize]byte)(kek), w.Sealed)
	if err != nil || len(plaintext) != KeySize {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return nil, errors.E(errors.AuthenticationFailed, "unwrap data key")
	}
	dek := new(DEK)
	copy(dek[:], plaintext)
	for i := range plaintext {
		plaintext[i] = 0
	}
	return dek, nil
}

// Rewrap seals an unlocked DEK under a new KEK, as when a member
// changes their password. The DEK itself is never changed, so content
// encrypted before the change remains readable. Rewrap fails with
// Locked if dek is nil or has been zeroed.
func Rewrap(dek *DEK, newKEK *keyderive.KEK) (WrappedKey, error) {
	if dek == nil || dek.IsZero() {
		return WrappedKey{}, errors.E(errors.Locked, "rewrap: vault is not unlocked")
	}
	return Wrap(dek, newKEK)
}
