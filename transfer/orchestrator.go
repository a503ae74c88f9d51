// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/grailbio/mediavault/crypto/envelope"
	"github.com/grailbio/mediavault/crypto/streamcipher"
	"github.com/grailbio/mediavault/crypto/textcodec"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/localcache"
	"github.com/grailbio/mediavault/log"
	"github.com/grailbio/mediavault/metrics"
	"github.com/grailbio/mediavault/retry"
	"github.com/grailbio/mediavault/session"
	"github.com/grailbio/mediavault/syncqueue"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPartSize is the default plaintext size of an upload part
	// and of a download window.
	DefaultPartSize = 5 << 20
	// DefaultParallelism is the default number of windows of one
	// download fetched concurrently.
	DefaultParallelism = 3

	encryptedContentType = "application/octet-stream"
	abortTimeout         = 30 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	// PartSize is the plaintext size of each upload part (the last
	// part of an encrypted upload also carries the tag) and the size
	// of each ranged download window.
	PartSize int64
	// Parallelism bounds concurrent window fetches within a download.
	// Parts of an upload are always sent one at a time.
	Parallelism int
	// Retry is the policy of UploadWithRetry.
	Retry retry.Policy
	// Metrics receives transfer metrics; metrics.Default() if nil.
	Metrics *metrics.Registry
	// Observer, if set, receives upload state transitions.
	Observer Observer
}

// Orchestrator runs uploads and downloads against an object store.
// An Orchestrator is safe for concurrent use; each transfer carries
// its own cipher session.
type Orchestrator struct {
	store    ObjectStore
	parts    PartClient
	registry ContentRegistry
	opts     Options
}

// New returns an Orchestrator using the given collaborators.
func New(store ObjectStore, parts PartClient, registry ContentRegistry, opts Options) *Orchestrator {
	if opts.PartSize <= 0 {
		opts.PartSize = DefaultPartSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Retry == nil {
		opts.Retry = retry.MaxTries(retry.Backoff(500*time.Millisecond, 10*time.Second, 2), 3)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &Orchestrator{store: store, parts: parts, registry: registry, opts: opts}
}

func (o *Orchestrator) observe(e Event) {
	if o.opts.Observer != nil {
		o.opts.Observer(e)
	}
}

// Upload uploads src. If sess is non-nil, the content and its
// metadata are encrypted under the session's DEK; a nil sess uploads
// an unencrypted vault's content as is. On success, the content is
// registered and its record returned. On failure, the multipart
// upload is aborted and nothing is registered.
func (o *Orchestrator) Upload(ctx context.Context, sess *session.Session, src Source) (item ContentItem, err error) {
	var (
		start     = time.Now()
		state     = Init
		parts     []CompletedPart
		completed bool
		up        Upload
	)
	defer func() {
		o.opts.Metrics.RecordTransfer(metrics.Upload, err, time.Since(start))
		if err == nil {
			return
		}
		if completed {
			log.Error.Printf("upload %s: object %s stored but not registered", src.Path, up.Key)
		}
		log.Error.Printf("upload %s: failed in state %s: %v", src.Path, state, errors.Redact(err))
		o.observe(Event{Path: src.Path, State: Failed, Parts: len(parts), Err: err})
	}()

	o.observe(Event{Path: src.Path, State: Init})
	codec := textcodec.Plaintext()
	var enc *streamcipher.Encrypter
	if sess != nil {
		err := sess.WithDEK(func(dek *envelope.DEK) error {
			var err error
			enc, err = streamcipher.NewEncrypter(dek)
			return err
		})
		if err != nil {
			return ContentItem{}, errors.E("upload", err)
		}
		codec = textcodec.ForSession(sess)
	}
	fields, err := textcodec.EncryptFields(codec, src.Metadata)
	if err != nil {
		return ContentItem{}, errors.E("upload: metadata", err)
	}
	contentType, metadata := src.Metadata.MimeType, map[string]string(nil)
	if enc != nil {
		contentType, metadata = encryptedContentType, map[string]string{"encrypted": "true"}
	}
	if up, err = o.store.InitMultipartUpload(ctx, contentType, metadata); err != nil {
		return ContentItem{}, transferError(ctx, "upload: init multipart", err)
	}
	defer func() {
		if err == nil || completed {
			return
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		errors.CleanUpCtx(actx, func(ctx context.Context) error {
			if err := o.store.AbortMultipartUpload(ctx, up); err != nil {
				return errors.E(errors.Transfer, "upload: abort multipart", err)
			}
			return nil
		}, &err)
	}()
	log.Debug.Printf("upload %s: multipart %s started", src.Path, up.Key)

	state = PartsInFlight
	var (
		size int64
		cur  = make([]byte, o.opts.PartSize)
		next = make([]byte, o.opts.PartSize)
	)
	n, eof, err := readPart(src.Reader, cur)
	for seq := 0; ; seq++ {
		if err != nil {
			return ContentItem{}, errors.E(fmt.Sprintf("upload %s: read", src.Path), err)
		}
		m := 0
		if !eof {
			if m, eof, err = readPart(src.Reader, next); err != nil {
				return ContentItem{}, errors.E(fmt.Sprintf("upload %s: read", src.Path), err)
			}
		}
		last := m == 0
		body := cur[:n]
		if enc != nil {
			if sess.Locked() {
				return ContentItem{}, errors.E(errors.Locked, "upload: vault locked")
			}
			if body, err = enc.Update(seq, body); err != nil {
				return ContentItem{}, errors.E("upload", err)
			}
			if last {
				tag, err := enc.Final()
				if err != nil {
					return ContentItem{}, errors.E("upload", err)
				}
				body = append(body, tag...)
			}
		}
		part, err := o.putPart(ctx, up, seq+1, body)
		if err != nil {
			return ContentItem{}, err
		}
		parts = append(parts, part)
		size += int64(n)
		o.opts.Metrics.RecordPart(metrics.Upload, len(body))
		o.observe(Event{Path: src.Path, State: PartsInFlight, Parts: len(parts)})
		if last {
			break
		}
		cur, next, n = next, cur, m
	}

	state = Completing
	o.observe(Event{Path: src.Path, State: Completing, Parts: len(parts)})
	if err := o.store.CompleteMultipartUpload(ctx, up, parts); err != nil {
		return ContentItem{}, transferError(ctx, "upload: complete multipart", err)
	}
	completed = true
	item = ContentItem{
		StorageKey: up.Key,
		MimeType:   fields.MimeType,
		Name:       fields.Name,
		Alt:        fields.Alt,
		SizeBytes:  size,
	}
	if enc != nil {
		iv := enc.IV()
		item.IV = hex.EncodeToString(iv[:])
	}
	if err := o.registry.RegisterContent(ctx, item); err != nil {
		return ContentItem{}, transferError(ctx, "upload: register content", err)
	}
	state = Done
	o.observe(Event{Path: src.Path, State: Done, Parts: len(parts)})
	log.Debug.Printf("upload %s: stored %s in %d parts", src.Path, up.Key, len(parts))
	return item, nil
}

func (o *Orchestrator) putPart(ctx context.Context, up Upload, number int, body []byte) (CompletedPart, error) {
	url, err := o.store.PresignPartUpload(ctx, up, number)
	if err != nil {
		return CompletedPart{}, transferError(ctx, fmt.Sprintf("upload: presign part %d", number), err)
	}
	etag, err := o.parts.Put(ctx, url, body)
	if err != nil {
		return CompletedPart{}, transferError(ctx, fmt.Sprintf("upload: put part %d", number), err)
	}
	return CompletedPart{PartNumber: number, ETag: etag}, nil
}

// readPart fills buf from r. It reports eof when r is exhausted, in
// which case buf may be partially filled.
func readPart(r io.Reader, buf []byte) (n int, eof bool, err error) {
	n, err = io.ReadFull(r, buf)
	switch err {
	case nil:
		return n, false, nil
	case io.EOF, io.ErrUnexpectedEOF:
		return n, true, nil
	}
	return n, false, err
}

// UploadWithRetry is Upload, restarting the whole file on transport
// failures according to the orchestrator's retry policy. Each try
// uses a fresh IV and a fresh multipart upload. Only sources whose
// reader is an io.Seeker are retried.
func (o *Orchestrator) UploadWithRetry(ctx context.Context, sess *session.Session, src Source) (ContentItem, error) {
	seeker, ok := src.Reader.(io.Seeker)
	if !ok {
		return o.Upload(ctx, sess, src)
	}
	var (
		item  ContentItem
		tries int
	)
	err := retry.Do(ctx, o.opts.Retry, "upload "+src.Path, func(ctx context.Context) error {
		if tries > 0 {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return errors.E(fmt.Sprintf("upload %s: rewind", src.Path), err)
			}
		}
		tries++
		var err error
		item, err = o.Upload(ctx, sess, src)
		return err
	})
	return item, err
}

// Download fetches item, decrypting it under sess if it is encrypted,
// and publishes the plaintext in cache. It returns the local path of
// the cache entry. The entry becomes visible only after the content
// has been fully fetched and authenticated; on any failure, including
// cancellation, the staged plaintext is discarded.
func (o *Orchestrator) Download(ctx context.Context, sess *session.Session, item ContentItem, cache *localcache.Cache) (path string, err error) {
	start := time.Now()
	defer func() {
		o.opts.Metrics.RecordTransfer(metrics.Download, err, time.Since(start))
		if err != nil {
			if errors.Is(errors.Integrity, err) {
				o.opts.Metrics.IntegrityFailures.Inc()
			}
			log.Error.Printf("download %s: %v", item.StorageKey, errors.Redact(err))
		}
	}()

	var dec *streamcipher.Decrypter
	if item.Encrypted() {
		iv, err := item.iv()
		if err != nil {
			return "", errors.E("download", err)
		}
		err = sess.WithDEK(func(dek *envelope.DEK) error {
			var err error
			dec, err = streamcipher.NewDecrypter(dek, iv)
			return err
		})
		if err != nil {
			return "", errors.E("download", err)
		}
	}
	url, err := o.store.PresignGet(ctx, item.StorageKey)
	if err != nil {
		return "", transferError(ctx, "download: presign", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var windows *syncqueue.OrderedQueue[[]byte]
	if size := item.ObjectSize(); size >= 0 {
		windows = o.fetchRanges(ctx, url, size)
	} else {
		windows = o.fetchWhole(ctx, url)
	}
	defer windows.Close(errors.E(errors.Canceled, "download finished"))

	seq := 0
	path, err = cache.WriteIncrementally(ctx, item.StorageKey, func() ([]byte, error) {
		// The decrypter holds its own key schedule, so a session
		// locked mid-download must be checked explicitly.
		if dec != nil && sess.Locked() {
			return nil, errors.E(errors.Locked, "vault locked")
		}
		ct, ok, err := windows.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			if dec != nil {
				if err := dec.Final(); err != nil {
					return nil, err
				}
			}
			return nil, io.EOF
		}
		o.opts.Metrics.RecordPart(metrics.Download, len(ct))
		if dec == nil {
			return ct, nil
		}
		pt, err := dec.Update(seq, ct)
		seq++
		return pt, err
	})
	if err != nil {
		return "", errors.E("download", err)
	}
	log.Debug.Printf("download %s: cached in %d windows", item.StorageKey, seq)
	return path, nil
}

// fetchRanges fetches the size bytes at url in PartSize windows, up
// to Parallelism at a time, and returns a queue that yields them in
// order.
func (o *Orchestrator) fetchRanges(ctx context.Context, url string, size int64) *syncqueue.OrderedQueue[[]byte] {
	q := syncqueue.NewOrderedQueue[[]byte](o.opts.Parallelism)
	go func() {
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.Parallelism)
		for i, off := 0, int64(0); off < size; i, off = i+1, off+o.opts.PartSize {
			length := min(o.opts.PartSize, size-off)
			g.Go(func() error {
				b, err := o.getRange(ctx, url, off, length)
				if err != nil {
					return err
				}
				return q.Insert(i, b)
			})
		}
		_ = q.Close(g.Wait())
	}()
	return q
}

func (o *Orchestrator) getRange(ctx context.Context, url string, off, length int64) ([]byte, error) {
	what := fmt.Sprintf("download: get bytes %d-%d", off, off+length)
	rc, err := o.parts.Get(ctx, url, off, length)
	if err != nil {
		return nil, transferError(ctx, what, err)
	}
	defer rc.Close()
	b := make([]byte, length)
	if _, err := io.ReadFull(rc, b); err != nil {
		return nil, transferError(ctx, what, err)
	}
	return b, nil
}

// fetchWhole fetches the object at url in a single request and
// returns a queue that yields it in PartSize pieces.
func (o *Orchestrator) fetchWhole(ctx context.Context, url string) *syncqueue.OrderedQueue[[]byte] {
	q := syncqueue.NewOrderedQueue[[]byte](1)
	go func() {
		rc, err := o.parts.Get(ctx, url, 0, -1)
		if err != nil {
			_ = q.Close(transferError(ctx, "download: get", err))
			return
		}
		defer rc.Close()
		for i := 0; ; i++ {
			buf := make([]byte, o.opts.PartSize)
			n, eof, err := readPart(rc, buf)
			if err != nil {
				_ = q.Close(transferError(ctx, "download: get", err))
				return
			}
			if n > 0 {
				if err := q.Insert(i, buf[:n]); err != nil {
					return
				}
			}
			if eof {
				break
			}
		}
		_ = q.Close(nil)
	}()
	return q
}

// transferError classifies err, returned by a collaborator, as a
// transport failure unless the transfer's context is done or the
// collaborator found the stored content damaged.
func transferError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.E(op, ctxErr)
	}
	switch errors.KindOf(err) {
	case errors.Transfer, errors.Canceled, errors.Integrity:
		return errors.E(op, err)
	case errors.Timeout:
		return errors.E(errors.Transfer, errors.Temporary, op, err)
	}
	return errors.E(errors.Transfer, op, err)
}
