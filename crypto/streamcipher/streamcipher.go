// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package streamcipher implements AES-256-GCM over a stream of chunks,
// so that large files can be encrypted and decrypted without holding
// them in memory. The output of an encrypt session (the concatenation
// of every Update result followed by the tag returned by Final) is
// byte-for-byte the output of cipher.AEAD.Seal over the whole
// plaintext with the same key and IV and no additional data.
//
// Sessions are strict state machines. Chunks carry a sequence number,
// starting at zero; a chunk delivered out of order, twice, or after
// Final fails the session with a Precondition error, and a failed
// session rejects every later call.
package streamcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/mediavault/crypto/envelope"
	"github.com/grailbio/mediavault/errors"
)

const (
	// IVSize is the size of a session IV in bytes.
	IVSize = envelope.IVSize
	// TagSize is the size of the authentication tag in bytes.
	TagSize = envelope.TagSize
	// MaxPlaintext is the largest plaintext a single session may
	// process: GCM's limit of 2^32-2 blocks.
	MaxPlaintext = (1<<32 - 2) * blockSize
)

type state int

const (
	stateOpen state = iota
	stateFinalized
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateFinalized:
		return "finalized"
	default:
		return "failed"
	}
}

// session is the state shared by encrypt and decrypt sessions: the
// keystream, the authenticator, and the sequencing state machine.
type session struct {
	iv      [IVSize]byte
	ctr     cipher.Stream
	hash    *ghash
	tagMask [blockSize]byte
	// n counts ciphertext bytes processed.
	n     uint64
	next  int
	state state
}

func (s *session) init(dek *envelope.DEK, iv [IVSize]byte) error {
	if dek == nil || dek.IsZero() {
		return errors.E(errors.Locked, "cipher session: no data key")
	}
	block, err := aes.NewCipher(dek[:])
	if err != nil {
		return errors.E(errors.Invalid, "cipher session", err)
	}
	s.iv = iv
	var h [blockSize]byte
	block.Encrypt(h[:], h[:])
	s.hash = newGHASH(&h)

	// J0 = IV || 1 masks the tag; the keystream starts at inc32(J0).
	var counter [blockSize]byte
	copy(counter[:], iv[:])
	binary.BigEndian.PutUint32(counter[IVSize:], 1)
	block.Encrypt(s.tagMask[:], counter[:])
	binary.BigEndian.PutUint32(counter[IVSize:], 2)
	// The 32-bit counter cannot wrap within MaxPlaintext, so a
	// full-width CTR stream matches GCM's inc32.
	s.ctr = cipher.NewCTR(block, counter[:])
	return nil
}

// IV returns the session's IV.
func (s *session) IV() [IVSize]byte {
	return s.iv
}

// advance checks that an update with sequence number seq may proceed
// and consumes the sequence number.
func (s *session) advance(op string, seq int) error {
	switch s.state {
	case stateFinalized:
		return errors.E(errors.Precondition, op, "session is finalized")
	case stateFailed:
		return errors.E(errors.Precondition, op, "session has failed")
	}
	if seq != s.next {
		s.state = stateFailed
		return errors.E(errors.Precondition, op, fmt.Sprintf("chunk %d out of order: expected %d", seq, s.next))
	}
	s.next++
	return nil
}

func (s *session) reserve(op string, n int) error {
	if s.n+uint64(n) > MaxPlaintext {
		s.state = stateFailed
		return errors.E(errors.Invalid, op, "stream exceeds the maximum GCM length")
	}
	s.n += uint64(n)
	return nil
}

func (s *session) finish(op string) ([blockSize]byte, error) {
	var tag [blockSize]byte
	switch s.state {
	case stateFinalized:
		return tag, errors.E(errors.Precondition, op, "session is already finalized")
	case stateFailed:
		return tag, errors.E(errors.Precondition, op, "session has failed")
	}
	s.hash.sum(s.n, &tag)
	subtle.XORBytes(tag[:], tag[:], s.tagMask[:])
	return tag, nil
}

// Encrypter is an encrypt session. An Encrypter is not safe for
// concurrent use; chunks of one file are processed strictly in order.
type Encrypter struct {
	session
}

// NewEncrypter opens an encrypt session under dek with a fresh random
// IV.
func NewEncrypter(dek *envelope.DEK) (*Encrypter, error) {
	iv, err := envelope.NewIV()
	if err != nil {
		return nil, errors.E("new encrypt session", err)
	}
	return newEncrypter(dek, iv)
}

func newEncrypter(dek *envelope.DEK, iv [IVSize]byte) (*Encrypter, error) {
	e := new(Encrypter)
	if err := e.init(dek, iv); err != nil {
		return nil, err
	}
	return e, nil
}

// Update encrypts chunk, which must carry the next sequence number,
// and returns the corresponding ciphertext, of the same length.
func (e *Encrypter) Update(seq int, chunk []byte) ([]byte, error) {
	if err := e.advance("encrypt", seq); err != nil {
		return nil, err
	}
	if err := e.reserve("encrypt", len(chunk)); err != nil {
		return nil, err
	}
	out := make([]byte, len(chunk))
	e.ctr.XORKeyStream(out, chunk)
	e.hash.Write(out)
	return out, nil
}

// Final ends the session and returns the authentication tag, which
// the caller appends to the ciphertext.
func (e *Encrypter) Final() ([]byte, error) {
	tag, err := e.finish("encrypt")
	if err != nil {
		return nil, err
	}
	e.state = stateFinalized
	return tag[:], nil
}

// Decrypter is a decrypt session. Because the tag trails the
// ciphertext, the last TagSize bytes seen so far are always held back
// from decryption; Final checks them against the computed tag.
//
// Plaintext returned by Update is unauthenticated until Final
// succeeds. Callers must stage it (e.g., in a temporary file) and
// discard it if Final fails.
type Decrypter struct {
	session
	held []byte
}

// NewDecrypter opens a decrypt session under dek for a stream
// encrypted with iv.
func NewDecrypter(dek *envelope.DEK, iv [IVSize]byte) (*Decrypter, error) {
	d := &Decrypter{held: make([]byte, 0, TagSize)}
	if err := d.init(dek, iv); err != nil {
		return nil, err
	}
	return d, nil
}

// Update consumes the next piece of the ciphertext||tag stream, which
// must carry the next sequence number, and returns the plaintext for
// every byte that can no longer be part of the tag.
func (d *Decrypter) Update(seq int, chunk []byte) ([]byte, error) {
	if err := d.advance("decrypt", seq); err != nil {
		return nil, err
	}
	total := len(d.held) + len(chunk)
	if total <= TagSize {
		d.held = append(d.held, chunk...)
		return []byte{}, nil
	}
	// Release everything but the last TagSize bytes of held||chunk.
	release := total - TagSize
	if err := d.reserve("decrypt", release); err != nil {
		return nil, err
	}
	ct := make([]byte, release)
	n := copy(ct, d.held)
	copy(ct[n:], chunk)
	var tail [TagSize]byte
	if len(chunk) >= TagSize {
		copy(tail[:], chunk[len(chunk)-TagSize:])
	} else {
		// The new tail straddles held and chunk.
		k := TagSize - len(chunk)
		copy(tail[:], d.held[len(d.held)-k:])
		copy(tail[k:], chunk)
	}
	d.held = append(d.held[:0], tail[:]...)

	d.hash.Write(ct)
	d.ctr.XORKeyStream(ct, ct)
	return ct, nil
}

// Final verifies the authentication tag. It fails with an Integrity
// error if the stream was shorter than a tag or if the tag does not
// match, which happens when the ciphertext was modified, truncated,
// or encrypted under a different key or IV.
func (d *Decrypter) Final() error {
	if d.state == stateOpen && len(d.held) != TagSize {
		d.state = stateFailed
		return errors.E(errors.Integrity, "decrypt", fmt.Sprintf("stream truncated: %d bytes of tag", len(d.held)))
	}
	tag, err := d.finish("decrypt")
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(tag[:], d.held) != 1 {
		d.state = stateFailed
		return errors.E(errors.Integrity, "decrypt", "authentication tag mismatch")
	}
	d.state = stateFinalized
	return nil
}

// EncryptAll encrypts plaintext in one session and returns the IV and
// ciphertext||tag.
func EncryptAll(dek *envelope.DEK, plaintext []byte) ([IVSize]byte, []byte, error) {
	e, err := NewEncrypter(dek)
	if err != nil {
		return [IVSize]byte{}, nil, err
	}
	ct, err := e.Update(0, plaintext)
	if err != nil {
		return [IVSize]byte{}, nil, err
	}
	tag, err := e.Final()
	if err != nil {
		return [IVSize]byte{}, nil, err
	}
	return e.IV(), append(ct, tag...), nil
}

// DecryptAll decrypts and authenticates ciphertext||tag in one
// session. No plaintext is returned unless the tag verifies.
func DecryptAll(dek *envelope.DEK, iv [IVSize]byte, data []byte) ([]byte, error) {
	d, err := NewDecrypter(dek, iv)
	if err != nil {
		return nil, err
	}
	pt, err := d.Update(0, data)
	if err != nil {
		return nil, err
	}
	if err := d.Final(); err != nil {
		return nil, err
	}
	return pt, nil
}
