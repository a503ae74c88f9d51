// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/grailbio/mediavault/errors"
)

// Sealed is the output of one AES-GCM operation: the IV and the
// ciphertext with the authentication tag appended.
type Sealed struct {
	IV         [IVSize]byte
	Ciphertext []byte
}

// String returns the serialized form hex(iv) ":" base64(ciphertext).
func (s Sealed) String() string {
	return hex.EncodeToString(s.IV[:]) + ":" + base64.StdEncoding.EncodeToString(s.Ciphertext)
}

// MarshalText implements encoding.TextMarshaler.
func (s Sealed) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Sealed) UnmarshalText(text []byte) error {
	parsed, err := ParseSealed(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSealed parses the serialized form of a sealed value. It
// rejects an IV that is not IVSize bytes, malformed hex or base64,
// and a ciphertext shorter than the tag.
func ParseSealed(str string) (Sealed, error) {
	ivHex, ctB64, ok := strings.Cut(str, ":")
	if !ok {
		return Sealed{}, errors.E(errors.Invalid, "sealed value: missing separator")
	}
	if len(ivHex) != hex.EncodedLen(IVSize) {
		return Sealed{}, errors.E(errors.Invalid, fmt.Sprintf("sealed value: iv must be %d hex digits, got %d", hex.EncodedLen(IVSize), len(ivHex)))
	}
	var s Sealed
	if _, err := hex.Decode(s.IV[:], []byte(ivHex)); err != nil {
		return Sealed{}, errors.E(errors.Invalid, "sealed value: iv", err)
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return Sealed{}, errors.E(errors.Invalid, "sealed value: ciphertext", err)
	}
	if len(ct) < TagSize {
		return Sealed{}, errors.E(errors.Invalid, fmt.Sprintf("sealed value: ciphertext of %d bytes is shorter than the tag", len(ct)))
	}
	s.Ciphertext = ct
	return s, nil
}
