// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package session_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/mediavault/crypto/envelope"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dekOf(t *testing.T, s *session.Session) envelope.DEK {
	t.Helper()
	var dek envelope.DEK
	require.NoError(t, s.WithDEK(func(d *envelope.DEK) error {
		dek = *d
		return nil
	}))
	return dek
}

func TestCreateUnlock(t *testing.T) {
	s, key, err := session.Create("hunter2x")
	require.NoError(t, err)
	want := dekOf(t, s)

	s2, err := session.Unlock("hunter2x", key)
	require.NoError(t, err)
	assert.Equal(t, want, dekOf(t, s2))

	s3, err := session.Unlock("hunter2y", key)
	assert.Nil(t, s3)
	assert.True(t, errors.Is(errors.AuthenticationFailed, err), "%v", err)
}

func TestRewrap(t *testing.T) {
	s, w1, err := session.Create("hunter2x")
	require.NoError(t, err)
	w2, err := s.Rewrap("hunter3y")
	require.NoError(t, err)
	assert.NotEqual(t, w1.Salt, w2.Salt)

	_, err = session.Unlock("hunter2x", w2)
	assert.True(t, errors.Is(errors.AuthenticationFailed, err), "%v", err)

	s2, err := session.Unlock("hunter3y", w2)
	require.NoError(t, err)
	assert.Equal(t, dekOf(t, s), dekOf(t, s2))

	// The old key still opens the same DEK until it is retired.
	s3, err := session.Unlock("hunter2x", w1)
	require.NoError(t, err)
	assert.Equal(t, dekOf(t, s), dekOf(t, s3))
}

func TestShare(t *testing.T) {
	s, _, err := session.Create("hunter2x")
	require.NoError(t, err)
	invite, err := s.Share("welcome-42")
	require.NoError(t, err)
	s2, err := session.Unlock("welcome-42", invite)
	require.NoError(t, err)
	assert.Equal(t, dekOf(t, s), dekOf(t, s2))
}

func TestLock(t *testing.T) {
	s, _, err := session.Create("hunter2x")
	require.NoError(t, err)
	var dek *envelope.DEK
	require.NoError(t, s.WithDEK(func(d *envelope.DEK) error {
		dek = d
		return nil
	}))
	assert.False(t, s.Locked())

	s.Lock()
	assert.True(t, s.Locked())
	assert.True(t, dek.IsZero())
	err = s.WithDEK(func(*envelope.DEK) error { return nil })
	assert.True(t, errors.Is(errors.Locked, err), "%v", err)
	_, err = s.Rewrap("hunter3y")
	assert.True(t, errors.Is(errors.Locked, err), "%v", err)
	s.Lock()

	var nilSession *session.Session
	assert.True(t, nilSession.Locked())
	err = nilSession.WithDEK(func(*envelope.DEK) error { return nil })
	assert.True(t, errors.Is(errors.Locked, err), "%v", err)
}

func TestLockConcurrent(t *testing.T) {
	s, _, err := session.Create("hunter2x")
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				err := s.WithDEK(func(dek *envelope.DEK) error {
					if dek.IsZero() {
						return errors.E("zeroed key observed")
					}
					return nil
				})
				if err != nil && !errors.Is(errors.Locked, err) {
					t.Error(err)
				}
			}
		}()
	}
	s.Lock()
	wg.Wait()
	assert.True(t, s.Locked())
}

func TestWithDEKBlocksLock(t *testing.T) {
	s, _, err := session.Create("hunter2x")
	require.NoError(t, err)
	var (
		dek    *envelope.DEK
		locked = make(chan struct{})
	)
	err = s.WithDEK(func(d *envelope.DEK) error {
		dek = d
		go func() {
			s.Lock()
			close(locked)
		}()
		select {
		case <-locked:
			t.Error("Lock returned while the key was in use")
		case <-time.After(50 * time.Millisecond):
		}
		assert.False(t, d.IsZero())
		return nil
	})
	require.NoError(t, err)
	<-locked
	assert.True(t, dek.IsZero())
	assert.True(t, s.Locked())
}

func TestMemberKeyJSON(t *testing.T) {
	_, key, err := session.Create("hunter2x")
	require.NoError(t, err)
	b, err := json.Marshal(key)
	require.NoError(t, err)

	var decoded session.MemberKey
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, key.Wrapped.String(), decoded.Wrapped.String())
	assert.Equal(t, key.Salt, decoded.Salt)
	_, err = session.Unlock("hunter2x", decoded)
	require.NoError(t, err)

	for _, bad := range []string{
		`{"wrappedKey":"abc","salt":"00112233445566778899aabbccddeeff"}`,
		`{"wrappedKey":"` + key.Wrapped.String() + `","salt":"0011"}`,
		`{"wrappedKey":"` + key.Wrapped.String() + `","salt":"zz"}`,
	} {
		err := json.Unmarshal([]byte(bad), &decoded)
		assert.True(t, errors.Is(errors.Invalid, err), "%s: %v", bad, err)
	}
}
