// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package session holds the unlocked state of a vault. A Session is
// obtained by creating a vault or by unlocking one with a member's
// password; it owns the only in-memory copy of the vault's DEK until
// Lock zeroes it. Components that encrypt or decrypt take a *Session
// explicitly, so there is no ambient "current key".
package session

import (
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/grailbio/mediavault/crypto/envelope"
	"github.com/grailbio/mediavault/crypto/keyderive"
	"github.com/grailbio/mediavault/errors"
)

// MemberKey is the persisted key material of one vault member: the
// vault DEK wrapped under the member's KEK and the salt that KEK was
// derived with.
type MemberKey struct {
	Wrapped envelope.WrappedKey
	Salt    []byte
}

type memberKeyJSON struct {
	WrappedKey string `json:"wrappedKey"`
	Salt       string `json:"salt"`
}

// MarshalJSON encodes the key as {"wrappedKey": "<iv>:<ct>", "salt": "<hex>"}.
func (m MemberKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(memberKeyJSON{m.Wrapped.String(), hex.EncodeToString(m.Salt)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MemberKey) UnmarshalJSON(b []byte) error {
	var j memberKeyJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return errors.E(errors.Invalid, "member key", err)
	}
	w, err := envelope.ParseWrappedKey(j.WrappedKey)
	if err != nil {
		return err
	}
	salt, err := hex.DecodeString(j.Salt)
	if err != nil || len(salt) != keyderive.SaltSize {
		return errors.E(errors.Invalid, "member key: bad salt")
	}
	m.Wrapped, m.Salt = w, salt
	return nil
}

// Session is an unlocked vault. It is safe for concurrent use.
type Session struct {
	mu  sync.RWMutex
	dek *envelope.DEK
}

// Create generates a new vault DEK and wraps it for the creating
// member under password.
func Create(password string) (*Session, MemberKey, error) {
	dek, err := envelope.GenerateDEK()
	if err != nil {
		return nil, MemberKey{}, errors.E("create vault key", err)
	}
	s := &Session{dek: dek}
	key, err := s.wrapFor(password)
	if err != nil {
		s.Lock()
		return nil, MemberKey{}, err
	}
	return s, key, nil
}

// Unlock derives the KEK for password under key's salt and unwraps
// the vault DEK. A wrong password yields an AuthenticationFailed
// error.
func Unlock(password string, key MemberKey) (*Session, error) {
	kek, err := keyderive.Derive(password, key.Salt)
	if err != nil {
		return nil, err
	}
	defer kek.Zero()
	dek, err := envelope.Unwrap(key.Wrapped, &kek)
	if err != nil {
		return nil, err
	}
	return &Session{dek: dek}, nil
}

// FromDEK returns a session holding dek.
func FromDEK(dek *envelope.DEK) *Session {
	return &Session{dek: dek}
}

// Rewrap wraps the session's DEK under newPassword with a fresh salt.
// The DEK is unchanged; the caller persists the returned key and only
// then retires the old one.
func (s *Session) Rewrap(newPassword string) (MemberKey, error) {
	return s.wrapFor(newPassword)
}

// Share wraps the session's DEK for an invited member under the
// invite password.
func (s *Session) Share(invitePassword string) (MemberKey, error) {
	return s.wrapFor(invitePassword)
}

func (s *Session) wrapFor(password string) (MemberKey, error) {
	kek, salt, err := keyderive.DeriveNew(password)
	if err != nil {
		return MemberKey{}, err
	}
	defer kek.Zero()
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, err := envelope.Rewrap(s.dek, &kek)
	if err != nil {
		return MemberKey{}, err
	}
	return MemberKey{Wrapped: w, Salt: salt}, nil
}

// WithDEK calls fn with the session's data key. Lock waits for fn to
// return, so the key is not zeroed while fn uses it. fn must not
// retain the key or call Lock.
func (s *Session) WithDEK(fn func(dek *envelope.DEK) error) error {
	if s == nil {
		return errors.E(errors.Locked, "no session")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dek == nil {
		return errors.E(errors.Locked)
	}
	return fn(s.dek)
}

// Lock zeroes the DEK. Lock is idempotent.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dek != nil {
		s.dek.Zero()
		s.dek = nil
	}
}

// Locked tells whether the session has been locked.
func (s *Session) Locked() bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dek == nil
}
