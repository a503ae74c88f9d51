// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transfer moves content between local files and object
// storage. Uploads read a file in fixed-size parts, encrypt them with
// a stream cipher session and push them through a multipart upload;
// downloads fetch ciphertext windows, decrypt them in sequence and
// publish the plaintext into a local cache.
//
// An upload proceeds through the states
//
//	Init -> PartsInFlight -> Completing -> Done
//
// and moves to Failed from any state but Done. A failed upload aborts
// its multipart session and registers no content.
package transfer

import (
	"context"
	"encoding/hex"
	"io"

	"github.com/grailbio/mediavault/crypto/streamcipher"
	"github.com/grailbio/mediavault/crypto/textcodec"
	"github.com/grailbio/mediavault/errors"
)

// Upload identifies an in-progress multipart upload.
type Upload struct {
	ID  string
	Key string
}

// CompletedPart is an uploaded part and the integrity tag (ETag)
// returned for it.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// ObjectStore is the object storage service that holds content.
// Part numbers start at 1.
type ObjectStore interface {
	InitMultipartUpload(ctx context.Context, contentType string, metadata map[string]string) (Upload, error)
	PresignPartUpload(ctx context.Context, u Upload, partNumber int) (string, error)
	CompleteMultipartUpload(ctx context.Context, u Upload, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, u Upload) error
	PresignGet(ctx context.Context, key string) (string, error)
}

// PartClient transfers bytes to and from presigned URLs.
type PartClient interface {
	// Put uploads body to url and returns the part's ETag.
	Put(ctx context.Context, url string, body []byte) (string, error)
	// Get fetches length bytes at offset from url. A negative length
	// fetches the whole object.
	Get(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error)
}

// ContentRegistry persists content records.
type ContentRegistry interface {
	RegisterContent(ctx context.Context, item ContentItem) error
}

// ContentItem is the persisted record of one uploaded file. For an
// encrypted item, the text fields hold sealed strings and IV holds
// the hex encoding of the stream cipher IV; for an unencrypted item,
// the text fields are plain and IV is empty.
type ContentItem struct {
	StorageKey string `json:"storageKey"`
	IV         string `json:"iv,omitempty"`
	MimeType   string `json:"mimeTypeCiphertext"`
	Name       string `json:"nameCiphertext"`
	Alt        string `json:"altCiphertext"`
	// SizeBytes is the plaintext size; negative if unknown.
	SizeBytes int64 `json:"sizeBytes"`
}

// Encrypted tells whether the item's content is encrypted.
func (c ContentItem) Encrypted() bool {
	return c.IV != ""
}

// Fields returns the item's stored text fields.
func (c ContentItem) Fields() textcodec.Fields {
	return textcodec.Fields{Name: c.Name, Alt: c.Alt, MimeType: c.MimeType}
}

// ObjectSize returns the size of the stored object, or -1 if it is
// not known.
func (c ContentItem) ObjectSize() int64 {
	if c.SizeBytes < 0 {
		return -1
	}
	if c.Encrypted() {
		return c.SizeBytes + streamcipher.TagSize
	}
	return c.SizeBytes
}

func (c ContentItem) iv() (iv [streamcipher.IVSize]byte, err error) {
	b, err := hex.DecodeString(c.IV)
	if err != nil || len(b) != len(iv) {
		return iv, errors.E(errors.Invalid, "content item: malformed iv")
	}
	copy(iv[:], b)
	return iv, nil
}

// Source is a local file to upload.
type Source struct {
	// Path names the source in logs.
	Path   string
	Reader io.Reader
	// Metadata is the plaintext descriptive metadata of the file.
	Metadata textcodec.Fields
}

// State is the state of a transfer.
type State int

const (
	Init State = iota
	PartsInFlight
	Completing
	Done
	Failed
)

var states = [...]string{
	Init:          "init",
	PartsInFlight: "parts in flight",
	Completing:    "completing",
	Done:          "done",
	Failed:        "failed",
}

func (s State) String() string {
	if int(s) < len(states) {
		return states[s]
	}
	return "unknown"
}

// Event reports a state transition of an upload.
type Event struct {
	Path  string
	State State
	// Parts is the number of parts uploaded so far.
	Parts int
	// Err is set for Failed.
	Err error
}

// Observer receives upload events. It is called synchronously from
// the uploading goroutine.
type Observer func(Event)
