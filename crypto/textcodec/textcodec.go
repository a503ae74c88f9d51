// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package textcodec encrypts short text fields (file names, alt text,
// MIME types) under a vault's DEK. Each call uses a fresh IV; the
// result is the sealed form hex(iv) ":" base64(ciphertext || tag).
//
// Whether a vault's text is encrypted at all is an explicit choice:
// callers select ForSession or Plaintext. A locked session never falls
// back to plaintext.
package textcodec

import (
	"unicode/utf8"

	"github.com/grailbio/mediavault/crypto/envelope"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/session"
)

// Encrypt seals plaintext under the session's DEK.
func Encrypt(s *session.Session, plaintext string) (string, error) {
	var sealed envelope.Sealed
	err := s.WithDEK(func(dek *envelope.DEK) error {
		var err error
		sealed, err = envelope.Seal((*[envelope.KeySize]byte)(dek), []byte(plaintext))
		return err
	})
	if err != nil {
		return "", errors.E("encrypt text", err)
	}
	return sealed.String(), nil
}

// Decrypt opens a value produced by Encrypt. A malformed value is
// Invalid; a value that fails authentication, including one sealed
// under a different key, is an Integrity error.
func Decrypt(s *session.Session, combined string) (string, error) {
	sealed, err := envelope.ParseSealed(combined)
	if err != nil {
		return "", errors.E("decrypt text", err)
	}
	var plaintext []byte
	err = s.WithDEK(func(dek *envelope.DEK) error {
		var err error
		plaintext, err = envelope.Open((*[envelope.KeySize]byte)(dek), sealed)
		return err
	})
	if err != nil {
		return "", errors.E("decrypt text", err)
	}
	if !utf8.Valid(plaintext) {
		return "", errors.E(errors.Integrity, "decrypt text: plaintext is not utf-8")
	}
	return string(plaintext), nil
}

// A Codec encodes text fields for storage.
type Codec interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(stored string) (string, error)
}

// ForSession returns a Codec that encrypts under s.
func ForSession(s *session.Session) Codec {
	return sessionCodec{s}
}

type sessionCodec struct{ s *session.Session }

func (c sessionCodec) EncryptString(plaintext string) (string, error) {
	return Encrypt(c.s, plaintext)
}

func (c sessionCodec) DecryptString(stored string) (string, error) {
	return Decrypt(c.s, stored)
}

// Plaintext returns the identity Codec, for vaults created without
// encryption.
func Plaintext() Codec {
	return plaintextCodec{}
}

type plaintextCodec struct{}

func (plaintextCodec) EncryptString(plaintext string) (string, error) { return plaintext, nil }
func (plaintextCodec) DecryptString(stored string) (string, error)    { return stored, nil }

// Fields is the descriptive metadata stored with a content item.
type Fields struct {
	Name, Alt, MimeType string
}

// EncryptFields encodes each of f's fields with c.
func EncryptFields(c Codec, f Fields) (Fields, error) {
	return mapFields(f, c.EncryptString)
}

// DecryptFields decodes each of f's fields with c.
func DecryptFields(c Codec, f Fields) (Fields, error) {
	return mapFields(f, c.DecryptString)
}

func mapFields(f Fields, fn func(string) (string, error)) (out Fields, err error) {
	if out.Name, err = fn(f.Name); err != nil {
		return Fields{}, errors.E("name", err)
	}
	if out.Alt, err = fn(f.Alt); err != nil {
		return Fields{}, errors.E("alt", err)
	}
	if out.MimeType, err = fn(f.MimeType); err != nil {
		return Fields{}, errors.E("mime type", err)
	}
	return out, nil
}
