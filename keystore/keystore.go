// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package keystore persists members' wrapped vault keys in SQLite.
//
// Replacing a member's key is a two-phase operation: the new key is
// first staged alongside the active one, then committed, which
// promotes it and retires the old key in one transaction. A process
// that stops between the two phases leaves both keys in place, and
// an unlock may try either (see Candidates), so that the member can
// always unlock with one of the two passwords.
package keystore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/grailbio/mediavault/crypto/envelope"
	"github.com/grailbio/mediavault/crypto/keyderive"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/log"
	"github.com/grailbio/mediavault/session"
	_ "modernc.org/sqlite"
)

// Key states.
const (
	Staged  = "staged"
	Active  = "active"
	Retired = "retired"
)

const schema = `
CREATE TABLE IF NOT EXISTS member_keys (
	vault_id    TEXT NOT NULL,
	member_id   TEXT NOT NULL,
	version     INTEGER NOT NULL,
	wrapped_key TEXT NOT NULL,
	salt        TEXT NOT NULL,
	state       TEXT NOT NULL CHECK(state IN ('staged', 'active', 'retired')),
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (vault_id, member_id, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS member_keys_active
	ON member_keys(vault_id, member_id) WHERE state = 'active';
`

// Store is a member key store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens the store at the SQLite data source dsn, creating its
// schema if needed. ":memory:" opens a transient store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("keystore: open %s", dsn), err)
	}
	// An in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		schema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.E(fmt.Sprintf("keystore: init %s", dsn), err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Candidate is a stored key that may unlock a member's vault.
type Candidate struct {
	Version int64
	State   string
	Key     session.MemberKey
}

// Stage stores key as a staged key of the member and returns its
// version. A staged key does not replace the active key until it is
// committed.
func (s *Store) Stage(ctx context.Context, vaultID, memberID string, key session.MemberKey) (version int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.E("keystore: stage", err)
	}
	defer rollback(tx, &err)
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM member_keys WHERE vault_id = ? AND member_id = ?`,
		vaultID, memberID).Scan(&version); err != nil {
		return 0, errors.E("keystore: stage", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO member_keys (vault_id, member_id, version, wrapped_key, salt, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		vaultID, memberID, version, key.Wrapped.String(), hex.EncodeToString(key.Salt), Staged, time.Now().Unix()); err != nil {
		return 0, errors.E("keystore: stage", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, errors.E("keystore: stage", err)
	}
	log.Debug.Printf("keystore: staged key %d of member %s in vault %s", version, memberID, vaultID)
	return version, nil
}

// Commit promotes the staged key version to active, retiring the
// previously active key and dropping older staged keys, in one
// transaction.
func (s *Store) Commit(ctx context.Context, vaultID, memberID string, version int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E("keystore: commit", err)
	}
	defer rollback(tx, &err)
	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM member_keys WHERE vault_id = ? AND member_id = ? AND version = ?`,
		vaultID, memberID, version).Scan(&state)
	if err == sql.ErrNoRows {
		return errors.E(errors.NotExist, fmt.Sprintf("keystore: commit: no key %d", version))
	}
	if err != nil {
		return errors.E("keystore: commit", err)
	}
	if state != Staged {
		return errors.E(errors.Precondition, fmt.Sprintf("keystore: commit: key %d is %s", version, state))
	}
	for _, stmt := range []struct {
		query string
		args  []interface{}
	}{
		{`UPDATE member_keys SET state = 'retired' WHERE vault_id = ? AND member_id = ? AND state = 'active'`,
			[]interface{}{vaultID, memberID}},
		{`UPDATE member_keys SET state = 'active' WHERE vault_id = ? AND member_id = ? AND version = ?`,
			[]interface{}{vaultID, memberID, version}},
		{`DELETE FROM member_keys WHERE vault_id = ? AND member_id = ? AND state = 'staged' AND version < ?`,
			[]interface{}{vaultID, memberID, version}},
	} {
		if _, err = tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return errors.E("keystore: commit", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.E("keystore: commit", err)
	}
	log.Printf("keystore: committed key %d of member %s in vault %s", version, memberID, vaultID)
	return nil
}

// Active returns the member's active key and its version.
func (s *Store) Active(ctx context.Context, vaultID, memberID string) (session.MemberKey, int64, error) {
	var (
		version       int64
		wrapped, salt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, wrapped_key, salt FROM member_keys
		 WHERE vault_id = ? AND member_id = ? AND state = 'active'`,
		vaultID, memberID).Scan(&version, &wrapped, &salt)
	if err == sql.ErrNoRows {
		return session.MemberKey{}, 0, errors.E(errors.NotExist, fmt.Sprintf("keystore: no active key for member %s", memberID))
	}
	if err != nil {
		return session.MemberKey{}, 0, errors.E("keystore: active", err)
	}
	key, err := decodeKey(wrapped, salt)
	if err != nil {
		return session.MemberKey{}, 0, err
	}
	return key, version, nil
}

// Candidates returns the keys that may unlock the member's vault: the
// active key, if any, followed by staged keys, newest first. Malformed
// keys are skipped; if every key is malformed, Candidates fails with
// Invalid.
func (s *Store) Candidates(ctx context.Context, vaultID, memberID string) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, state, wrapped_key, salt FROM member_keys
		 WHERE vault_id = ? AND member_id = ? AND state != 'retired'
		 ORDER BY state = 'active' DESC, version DESC`,
		vaultID, memberID)
	if err != nil {
		return nil, errors.E("keystore: candidates", err)
	}
	defer rows.Close()
	var (
		candidates []Candidate
		malformed  int
	)
	for rows.Next() {
		var (
			c             Candidate
			wrapped, salt string
		)
		if err := rows.Scan(&c.Version, &c.State, &wrapped, &salt); err != nil {
			return nil, errors.E("keystore: candidates", err)
		}
		if c.Key, err = decodeKey(wrapped, salt); err != nil {
			log.Error.Printf("keystore: skipping key %d of member %s in vault %s: %v", c.Version, memberID, vaultID, err)
			malformed++
			continue
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E("keystore: candidates", err)
	}
	if len(candidates) == 0 {
		if malformed > 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("keystore: %d malformed keys for member %s", malformed, memberID))
		}
		return nil, errors.E(errors.NotExist, fmt.Sprintf("keystore: no keys for member %s", memberID))
	}
	return candidates, nil
}

// Discard removes a staged key.
func (s *Store) Discard(ctx context.Context, vaultID, memberID string, version int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM member_keys WHERE vault_id = ? AND member_id = ? AND version = ? AND state = 'staged'`,
		vaultID, memberID, version)
	if err != nil {
		return errors.E("keystore: discard", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.E(errors.NotExist, fmt.Sprintf("keystore: discard: no staged key %d", version))
	}
	return nil
}

// Purge deletes the member's retired keys and returns their number.
func (s *Store) Purge(ctx context.Context, vaultID, memberID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM member_keys WHERE vault_id = ? AND member_id = ? AND state = 'retired'`,
		vaultID, memberID)
	if err != nil {
		return 0, errors.E("keystore: purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.E("keystore: purge", err)
	}
	return n, nil
}

func decodeKey(wrapped, salt string) (session.MemberKey, error) {
	w, err := envelope.ParseWrappedKey(wrapped)
	if err != nil {
		return session.MemberKey{}, errors.E("keystore: stored key", err)
	}
	b, err := hex.DecodeString(salt)
	if err != nil {
		return session.MemberKey{}, errors.E(errors.Invalid, "keystore: stored salt", err)
	}
	if len(b) != keyderive.SaltSize {
		return session.MemberKey{}, errors.E(errors.Invalid, fmt.Sprintf("keystore: stored salt has %d bytes", len(b)))
	}
	return session.MemberKey{Wrapped: w, Salt: b}, nil
}

func rollback(tx *sql.Tx, err *error) {
	if *err == nil {
		return
	}
	if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
		log.Error.Printf("keystore: rollback: %v", rerr)
	}
}
