// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keyderive_test

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/grailbio/mediavault/crypto/keyderive"
	"github.com/grailbio/mediavault/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

type randError struct{}

func (randError) Read(p []byte) (int, error) {
	return 0, fmt.Errorf("rand failures")
}

func TestDeriveDeterministic(t *testing.T) {
	defer keyderive.SetIterations(1000)()
	salt := bytes.Repeat([]byte{7}, keyderive.SaltSize)
	k1, err := keyderive.Derive("hunter2x", salt)
	require.NoError(t, err)
	k2, err := keyderive.Derive("hunter2x", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := keyderive.Derive("hunter3y", salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	other := bytes.Repeat([]byte{8}, keyderive.SaltSize)
	k4, err := keyderive.Derive("hunter2x", other)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)

	want := pbkdf2.Key([]byte("hunter2x"), salt, 1000, keyderive.KeySize, sha256.New)
	assert.Equal(t, want, k1[:])
}

// TestDeriveVector checks the production iteration count against an
// independent computation.
func TestDeriveVector(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	salt := []byte("0123456789abcdef")
	kek, err := keyderive.Derive("hunter2x", salt)
	require.NoError(t, err)
	want := pbkdf2.Key([]byte("hunter2x"), salt, keyderive.Iterations, 32, sha256.New)
	assert.Equal(t, want, kek[:])
}

func TestDeriveInvalid(t *testing.T) {
	_, err := keyderive.Derive("hunter2x", make([]byte, 15))
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = keyderive.Derive("hunter2x", nil)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = keyderive.Derive("", make([]byte, keyderive.SaltSize))
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}

func TestNewSalt(t *testing.T) {
	defer keyderive.SetIterations(1)()
	s1, err := keyderive.NewSalt()
	require.NoError(t, err)
	s2, err := keyderive.NewSalt()
	require.NoError(t, err)
	assert.Len(t, s1, keyderive.SaltSize)
	assert.NotEqual(t, s1, s2)

	kek, salt, err := keyderive.DeriveNew("hunter2x")
	require.NoError(t, err)
	again, err := keyderive.Derive("hunter2x", salt)
	require.NoError(t, err)
	assert.Equal(t, kek, again)

	keyderive.SetRandSource(randError{})
	defer keyderive.SetRandSource(rand.Reader)
	_, err = keyderive.NewSalt()
	assert.Error(t, err)
	_, _, err = keyderive.DeriveNew("hunter2x")
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	kek := keyderive.KEK{1, 2, 3}
	kek.Zero()
	assert.Equal(t, keyderive.KEK{}, kek)
}
