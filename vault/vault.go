// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package vault ties key management, transfers and the local cache
// into the lifecycle of one member's view of a vault: create or
// unlock, upload and view content, change password or invite, lock.
//
// An encrypted vault holds its DEK only while unlocked. Locking
// zeroes the DEK and purges the decrypted cache; so does
// backgrounding, which keeps the DEK. Both cancel the downloads in
// flight, so that no plaintext is published after the purge. An
// unencrypted vault bypasses all content and metadata encryption
// explicitly.
package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/grailbio/mediavault/config"
	"github.com/grailbio/mediavault/crypto/textcodec"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/keystore"
	"github.com/grailbio/mediavault/localcache"
	"github.com/grailbio/mediavault/log"
	"github.com/grailbio/mediavault/metrics"
	"github.com/grailbio/mediavault/session"
	"github.com/grailbio/mediavault/syncqueue"
	"github.com/grailbio/mediavault/transfer"
	"github.com/grailbio/mediavault/transfer/s3store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Deps are the collaborators of a Vault.
type Deps struct {
	Store    transfer.ObjectStore
	Registry transfer.ContentRegistry
	Parts    transfer.PartClient
	Keys     *keystore.Store
	// Metrics defaults to metrics.Default().
	Metrics *metrics.Registry
}

// Vault is one member's handle on a vault. A Vault is safe for
// concurrent use.
type Vault struct {
	keys      *keystore.Store
	ownsKeys  bool
	cache     *localcache.Cache
	queue     *syncqueue.TaskQueue
	orch      *transfer.Orchestrator
	metrics   *metrics.Registry
	downloads singleflight.Group

	mu        sync.Mutex
	id        string
	member    string
	opened    bool
	encrypted bool
	sess      *session.Session
	// life is canceled by Lock and Background; downloads run under it.
	life    context.Context
	endLife context.CancelFunc
	views   map[string]*view
	viewGen uint64
}

// A view is a download shared by the concurrent viewers of one item.
// It is canceled when its last viewer leaves.
type view struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	viewers int
}

// Open returns a locked Vault whose key store, S3 object store and
// part client are built from cfg. Content records are registered with
// registry. Close closes the key store.
func Open(ctx context.Context, cfg *config.Config, registry transfer.ContentRegistry) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := s3store.NewFromConfig(cfg.S3, cfg.PresignTTL)
	if err != nil {
		return nil, err
	}
	keys, err := keystore.Open(ctx, cfg.Keystore)
	if err != nil {
		return nil, err
	}
	v, err := New(cfg, Deps{
		Store:    store,
		Registry: registry,
		Parts:    &transfer.HTTPPartClient{},
		Keys:     keys,
	})
	if err != nil {
		if cerr := keys.Close(); cerr != nil {
			log.Error.Printf("vault: close key store: %v", cerr)
		}
		return nil, err
	}
	v.ownsKeys = true
	return v, nil
}

// New returns a locked Vault configured by cfg. The cache directory
// is purged.
func New(cfg *config.Config, deps Deps) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Registry == nil || deps.Parts == nil || deps.Keys == nil {
		return nil, errors.E(errors.Invalid, "vault: missing dependency")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	cache, err := localcache.New(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	deps.Metrics.CachePurges.WithLabelValues("start").Inc()
	v := &Vault{
		keys:    deps.Keys,
		cache:   cache,
		metrics: deps.Metrics,
		views:   make(map[string]*view),
		queue: syncqueue.NewTaskQueue(cfg.QueueLimit, syncqueue.WithObserver(func(s syncqueue.Stats) {
			deps.Metrics.SetQueue(s.Running, s.Waiting)
		})),
	}
	v.orch = transfer.New(deps.Store, deps.Parts, deps.Registry, transfer.Options{
		PartSize: cfg.PartSize,
		Retry:    cfg.Retry.Policy(),
		Metrics:  deps.Metrics,
	})
	v.life, v.endLife = context.WithCancel(context.Background())
	return v, nil
}

// Create creates an encrypted vault with a new DEK, stores the
// creating member's wrapped key and leaves the vault unlocked.
func (v *Vault) Create(ctx context.Context, vaultID, memberID, password string) error {
	sess, key, err := session.Create(password)
	if err != nil {
		return errors.Redact(err)
	}
	if err := v.storeKey(ctx, vaultID, memberID, key); err != nil {
		sess.Lock()
		return err
	}
	v.open(vaultID, memberID, true, sess)
	log.Printf("vault %s: created by %s", vaultID, memberID)
	return nil
}

// OpenUnencrypted opens an unencrypted vault. Content and metadata
// are stored as is.
func (v *Vault) OpenUnencrypted(vaultID, memberID string) {
	v.open(vaultID, memberID, false, nil)
}

func (v *Vault) open(vaultID, memberID string, encrypted bool, sess *session.Session) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sess != nil && v.sess != sess {
		v.sess.Lock()
	}
	v.id, v.member, v.opened, v.encrypted, v.sess = vaultID, memberID, true, encrypted, sess
}

// Unlock unlocks an encrypted vault with the member's password. It
// tries the member's active key and any staged key; a staged key that
// unlocks the vault is committed. A wrong password is an
// AuthenticationFailed error.
func (v *Vault) Unlock(ctx context.Context, vaultID, memberID, password string) error {
	candidates, err := v.keys.Candidates(ctx, vaultID, memberID)
	// Damaged stored keys fail like a wrong password.
	if err != nil && !errors.Is(errors.Invalid, err) {
		return errors.Redact(err)
	}
	for _, c := range candidates {
		sess, err := session.Unlock(password, c.Key)
		if errors.Is(errors.AuthenticationFailed, err) || errors.Is(errors.Invalid, err) {
			continue
		}
		if err != nil {
			return errors.Redact(err)
		}
		if c.State == keystore.Staged {
			if err := v.keys.Commit(ctx, vaultID, memberID, c.Version); err != nil {
				sess.Lock()
				return errors.Redact(err)
			}
		}
		v.open(vaultID, memberID, true, sess)
		log.Printf("vault %s: unlocked by %s", vaultID, memberID)
		return nil
	}
	v.metrics.AuthFailures.Inc()
	return errors.E(errors.AuthenticationFailed, "vault: wrong password")
}

// Lock cancels downloads in flight, zeroes the DEK and purges the
// decrypted cache.
func (v *Vault) Lock() error {
	v.mu.Lock()
	v.restartLifeLocked()
	sess := v.sess
	v.sess = nil
	v.mu.Unlock()
	if sess != nil {
		sess.Lock()
	}
	return v.purge("lock")
}

// Background cancels downloads in flight and purges the decrypted
// cache, keeping the vault unlocked.
func (v *Vault) Background() error {
	v.mu.Lock()
	v.restartLifeLocked()
	v.mu.Unlock()
	return v.purge("background")
}

// restartLifeLocked cancels the current lifetime, and with it every
// download, and starts a new one. v.mu must be held.
func (v *Vault) restartLifeLocked() {
	v.endLife()
	v.life, v.endLife = context.WithCancel(context.Background())
	v.views = make(map[string]*view)
}

func (v *Vault) purge(reason string) error {
	v.metrics.CachePurges.WithLabelValues(reason).Inc()
	return v.cache.PurgeAll()
}

// Locked tells whether content operations would fail for lack of a
// key. An unencrypted vault is never locked once opened.
func (v *Vault) Locked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.opened {
		return true
	}
	return v.encrypted && v.sess.Locked()
}

// session returns the session for content operations: nil for an
// unencrypted vault.
func (v *Vault) session() (*session.Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.opened {
		return nil, errors.E(errors.Locked, "vault: not open")
	}
	if !v.encrypted {
		return nil, nil
	}
	if v.sess.Locked() {
		return nil, errors.E(errors.Locked, "vault")
	}
	return v.sess, nil
}

func (v *Vault) ids() (vaultID, memberID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.id, v.member
}

func (v *Vault) storeKey(ctx context.Context, vaultID, memberID string, key session.MemberKey) error {
	version, err := v.keys.Stage(ctx, vaultID, memberID, key)
	if err != nil {
		return errors.Redact(err)
	}
	if err := v.keys.Commit(ctx, vaultID, memberID, version); err != nil {
		return errors.Redact(err)
	}
	return nil
}

// ChangePassword wraps the DEK under newPassword with a fresh salt and
// stores it as the member's key. The old key is retired only once the
// new one is stored.
func (v *Vault) ChangePassword(ctx context.Context, newPassword string) error {
	sess, err := v.encryptedSession()
	if err != nil {
		return err
	}
	key, err := sess.Rewrap(newPassword)
	if err != nil {
		return errors.Redact(err)
	}
	vaultID, memberID := v.ids()
	if err := v.storeKey(ctx, vaultID, memberID, key); err != nil {
		return err
	}
	log.Printf("vault %s: password changed for %s", vaultID, memberID)
	return nil
}

// Invite wraps the DEK for a new member under invitePassword and
// stores the member's key.
func (v *Vault) Invite(ctx context.Context, inviteeID, invitePassword string) error {
	sess, err := v.encryptedSession()
	if err != nil {
		return err
	}
	key, err := sess.Share(invitePassword)
	if err != nil {
		return errors.Redact(err)
	}
	vaultID, _ := v.ids()
	if err := v.storeKey(ctx, vaultID, inviteeID, key); err != nil {
		return err
	}
	log.Printf("vault %s: invited %s", vaultID, inviteeID)
	return nil
}

func (v *Vault) encryptedSession() (*session.Session, error) {
	sess, err := v.session()
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.E(errors.Precondition, "vault: not encrypted")
	}
	return sess, nil
}

// Upload uploads the file at path with the given metadata through the
// task queue, retrying the whole file on transport failures.
func (v *Vault) Upload(ctx context.Context, path string, meta textcodec.Fields) (transfer.ContentItem, error) {
	sess, err := v.session()
	if err != nil {
		return transfer.ContentItem{}, err
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(path)
	}
	var item transfer.ContentItem
	err = v.queue.Enqueue(ctx, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return errors.E(fmt.Sprintf("vault: upload %s", path), err)
		}
		defer f.Close()
		item, err = v.orch.UploadWithRetry(ctx, sess, transfer.Source{Path: path, Reader: f, Metadata: meta})
		return err
	}).Wait(ctx)
	if err != nil {
		return transfer.ContentItem{}, errors.Redact(err)
	}
	return item, nil
}

// View returns the local path of item's decrypted content, downloading
// it through the task queue if it is not cached. Concurrent views of
// one item share a single download. A viewer whose context is done
// returns at once; the download is canceled when no viewer is left,
// or by Lock and Background.
func (v *Vault) View(ctx context.Context, item transfer.ContentItem) (string, error) {
	sess, err := v.session()
	if err != nil {
		return "", err
	}
	if v.cache.Has(item.StorageKey) {
		return v.cache.Path(item.StorageKey), nil
	}
	w := v.joinView(item.StorageKey)
	defer v.leaveView(item.StorageKey, w)
	ch := v.downloads.DoChan(w.key, func() (interface{}, error) {
		if v.cache.Has(item.StorageKey) {
			return v.cache.Path(item.StorageKey), nil
		}
		var path string
		err := v.queue.Enqueue(w.ctx, func(ctx context.Context) error {
			var err error
			path, err = v.orch.Download(ctx, sess, item, v.cache)
			return err
		}).Wait(w.ctx)
		return path, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", errors.Redact(res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", errors.Redact(errors.E("vault: view", ctx.Err()))
	}
}

// joinView returns the shared download of the item at key, starting
// one under the vault's lifetime if there is none.
func (v *Vault) joinView(key string) *view {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.views[key]
	if !ok {
		v.viewGen++
		ctx, cancel := context.WithCancel(v.life)
		w = &view{key: fmt.Sprintf("%s#%d", key, v.viewGen), ctx: ctx, cancel: cancel}
		v.views[key] = w
	}
	w.viewers++
	return w
}

func (v *Vault) leaveView(key string, w *view) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w.viewers--
	if w.viewers > 0 {
		return
	}
	w.cancel()
	if v.views[key] == w {
		delete(v.views, key)
	}
}

// Prefetch views every item, returning the first error.
func (v *Vault) Prefetch(ctx context.Context, items []transfer.ContentItem) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		g.Go(func() error {
			_, err := v.View(ctx, item)
			return err
		})
	}
	return g.Wait()
}

// DecryptMetadata returns item's plaintext metadata.
func (v *Vault) DecryptMetadata(item transfer.ContentItem) (textcodec.Fields, error) {
	sess, err := v.session()
	if err != nil {
		return textcodec.Fields{}, err
	}
	codec := textcodec.Plaintext()
	if sess != nil {
		codec = textcodec.ForSession(sess)
	}
	fields, err := textcodec.DecryptFields(codec, item.Fields())
	if err != nil {
		return textcodec.Fields{}, errors.Redact(err)
	}
	return fields, nil
}

// Close locks the vault, waits for queued transfers to finish and,
// for a Vault returned by Open, closes the key store.
func (v *Vault) Close() error {
	v.queue.Close()
	err := v.Lock()
	if v.ownsKeys {
		errors.CleanUp(v.keys.Close, &err)
	}
	return err
}
