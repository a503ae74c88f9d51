// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keystore

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/grailbio/mediavault/crypto/envelope"
	"github.com/grailbio/mediavault/crypto/keyderive"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/session"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newKey wraps dek under a random KEK; the store never unwraps keys.
func newKey(t *testing.T, dek *envelope.DEK) session.MemberKey {
	t.Helper()
	var kek keyderive.KEK
	_, err := rand.Read(kek[:])
	require.NoError(t, err)
	salt, err := keyderive.NewSalt()
	require.NoError(t, err)
	w, err := envelope.Wrap(dek, &kek)
	require.NoError(t, err)
	return session.MemberKey{Wrapped: w, Salt: salt}
}

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStageCommit(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	dek, err := envelope.GenerateDEK()
	require.NoError(t, err)

	_, _, err = s.Active(ctx, "v1", "alice")
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)

	k1 := newKey(t, dek)
	v1, err := s.Stage(ctx, "v1", "alice", k1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)
	// Staged keys are not active.
	_, _, err = s.Active(ctx, "v1", "alice")
	assert.True(t, errors.Is(errors.NotExist, err))
	require.NoError(t, s.Commit(ctx, "v1", "alice", v1))

	got, version, err := s.Active(ctx, "v1", "alice")
	require.NoError(t, err)
	assert.Equal(t, v1, version)
	assert.Equal(t, k1, got)

	k2 := newKey(t, dek)
	v2, err := s.Stage(ctx, "v1", "alice", k2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)
	require.NoError(t, s.Commit(ctx, "v1", "alice", v2))
	got, version, err = s.Active(ctx, "v1", "alice")
	require.NoError(t, err)
	assert.Equal(t, v2, version)
	assert.Equal(t, k2, got)

	candidates, err := s.Candidates(ctx, "v1", "alice")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, Active, candidates[0].State)

	n, err := s.Purge(ctx, "v1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Members are independent.
	_, _, err = s.Active(ctx, "v1", "bob")
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestCommitErrors(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	dek, err := envelope.GenerateDEK()
	require.NoError(t, err)

	err = s.Commit(ctx, "v1", "alice", 7)
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)

	v, err := s.Stage(ctx, "v1", "alice", newKey(t, dek))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "v1", "alice", v))
	err = s.Commit(ctx, "v1", "alice", v)
	assert.True(t, errors.Is(errors.Precondition, err), "%v", err)
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	dek, err := envelope.GenerateDEK()
	require.NoError(t, err)
	v, err := s.Stage(ctx, "v1", "alice", newKey(t, dek))
	require.NoError(t, err)
	require.NoError(t, s.Discard(ctx, "v1", "alice", v))
	assert.True(t, errors.Is(errors.NotExist, s.Discard(ctx, "v1", "alice", v)))
	_, err = s.Candidates(ctx, "v1", "alice")
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)
}

// TestInterruptedChange simulates a process that stops after staging a
// new key but before committing it: after reopening, both the old and
// the new key remain candidates.
func TestInterruptedChange(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "keystore")
	defer cleanup()
	dsn := filepath.Join(dir, "keys.db")
	dek, err := envelope.GenerateDEK()
	require.NoError(t, err)
	old, staged := newKey(t, dek), newKey(t, dek)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	v1, err := s.Stage(ctx, "v1", "alice", old)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "v1", "alice", v1))
	v2, err := s.Stage(ctx, "v1", "alice", staged)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	candidates, err := s.Candidates(ctx, "v1", "alice")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, Candidate{Version: v1, State: Active, Key: old}, candidates[0])
	assert.Equal(t, Candidate{Version: v2, State: Staged, Key: staged}, candidates[1])

	require.NoError(t, s.Commit(ctx, "v1", "alice", v2))
	got, _, err := s.Active(ctx, "v1", "alice")
	require.NoError(t, err)
	assert.Equal(t, staged, got)
}

func TestCandidatesMalformed(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	dek, err := envelope.GenerateDEK()
	require.NoError(t, err)
	good := newKey(t, dek)
	v1, err := s.Stage(ctx, "v1", "alice", newKey(t, dek))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "v1", "alice", v1))
	v2, err := s.Stage(ctx, "v1", "alice", good)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE member_keys SET wrapped_key = 'zz:!!' WHERE version = ?`, v1)
	require.NoError(t, err)
	candidates, err := s.Candidates(ctx, "v1", "alice")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, Candidate{Version: v2, State: Staged, Key: good}, candidates[0])

	_, err = s.db.ExecContext(ctx, `UPDATE member_keys SET salt = '0011' WHERE version = ?`, v2)
	require.NoError(t, err)
	_, err = s.Candidates(ctx, "v1", "alice")
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}
