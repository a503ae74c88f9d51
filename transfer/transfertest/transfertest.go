// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transfertest provides an in-memory object store and content
// registry, served over HTTP, for testing transfers.
package transfertest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/transfer"
)

type multipart struct {
	contentType string
	metadata    map[string]string
	parts       map[int][]byte
}

// Server is an in-memory transfer.ObjectStore and
// transfer.ContentRegistry. Presigned URLs point at an
// httptest.Server that accepts part uploads and serves objects,
// including ranged reads.
type Server struct {
	http *httptest.Server

	mu           sync.Mutex
	uploads      map[string]*multipart
	objects      map[string][]byte
	contents     []transfer.ContentItem
	aborted      []string
	failParts    map[int]int
	failComplete error
	failRegister error
	gets         int
}

// NewServer starts a Server. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		uploads:   make(map[string]*multipart),
		objects:   make(map[string][]byte),
		failParts: make(map[int]int),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// Close shuts down the HTTP server.
func (s *Server) Close() {
	s.http.Close()
}

// Client returns an HTTP client for the server's URLs.
func (s *Server) Client() *http.Client {
	return s.http.Client()
}

// FailPart makes the next n uploads of part number part fail with a
// server error.
func (s *Server) FailPart(part, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failParts[part] += n
}

// FailComplete makes every CompleteMultipartUpload fail with err,
// until reset with nil.
func (s *Server) FailComplete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failComplete = err
}

// FailRegister makes every RegisterContent fail with err, until reset
// with nil.
func (s *Server) FailRegister(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRegister = err
}

// Object returns the stored object with the given key.
func (s *Server) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return append([]byte(nil), b...), ok
}

// SetObject replaces the stored object with the given key.
func (s *Server) SetObject(key string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), b...)
}

// Aborted returns the IDs of aborted multipart uploads.
func (s *Server) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

// Pending returns the number of multipart uploads neither completed
// nor aborted.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Contents returns the registered content records.
func (s *Server) Contents() []transfer.ContentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transfer.ContentItem(nil), s.contents...)
}

// Gets returns the number of object GET requests served.
func (s *Server) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// InitMultipartUpload implements transfer.ObjectStore.
func (s *Server) InitMultipartUpload(ctx context.Context, contentType string, metadata map[string]string) (transfer.Upload, error) {
	if err := ctx.Err(); err != nil {
		return transfer.Upload{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := transfer.Upload{ID: uuid.NewString(), Key: "content/" + uuid.NewString()}
	s.uploads[u.ID] = &multipart{contentType: contentType, metadata: metadata, parts: make(map[int][]byte)}
	return u, nil
}

// PresignPartUpload implements transfer.ObjectStore.
func (s *Server) PresignPartUpload(ctx context.Context, u transfer.Upload, partNumber int) (string, error) {
	if partNumber < 1 || partNumber > 10000 {
		return "", errors.E(errors.Invalid, fmt.Sprintf("part number %d out of range", partNumber))
	}
	return fmt.Sprintf("%s/upload/%s/%d", s.http.URL, u.ID, partNumber), nil
}

// CompleteMultipartUpload implements transfer.ObjectStore. Parts must
// be listed in increasing order with matching ETags.
func (s *Server) CompleteMultipartUpload(ctx context.Context, u transfer.Upload, parts []transfer.CompletedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failComplete != nil {
		return s.failComplete
	}
	m, ok := s.uploads[u.ID]
	if !ok {
		return errors.E(errors.NotExist, "no such upload", u.ID)
	}
	if !sort.SliceIsSorted(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber }) {
		return errors.E(errors.Invalid, "parts out of order")
	}
	var obj bytes.Buffer
	for _, p := range parts {
		b, ok := m.parts[p.PartNumber]
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("part %d was not uploaded", p.PartNumber))
		}
		if etag(b) != p.ETag {
			return errors.E(errors.Invalid, fmt.Sprintf("part %d: etag mismatch", p.PartNumber))
		}
		obj.Write(b)
	}
	delete(s.uploads, u.ID)
	s.objects[u.Key] = obj.Bytes()
	return nil
}

// AbortMultipartUpload implements transfer.ObjectStore.
func (s *Server) AbortMultipartUpload(ctx context.Context, u transfer.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[u.ID]; !ok {
		return errors.E(errors.NotExist, "no such upload", u.ID)
	}
	delete(s.uploads, u.ID)
	s.aborted = append(s.aborted, u.ID)
	return nil
}

// PresignGet implements transfer.ObjectStore.
func (s *Server) PresignGet(ctx context.Context, key string) (string, error) {
	return s.http.URL + "/object/" + key, nil
}

// RegisterContent implements transfer.ContentRegistry.
func (s *Server) RegisterContent(ctx context.Context, item transfer.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRegister != nil {
		return s.failRegister
	}
	if _, ok := s.objects[item.StorageKey]; !ok {
		return errors.E(errors.NotExist, "no object", item.StorageKey)
	}
	s.contents = append(s.contents, item)
	return nil
}

func etag(b []byte) string {
	sum := md5.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/upload/"):
		s.servePart(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/object/"):
		s.serveObject(w, r)
	default:
		http.Error(w, "bad request", http.StatusBadRequest)
	}
}

func (s *Server) servePart(w http.ResponseWriter, r *http.Request) {
	elems := strings.Split(strings.TrimPrefix(r.URL.Path, "/upload/"), "/")
	if len(elems) != 2 {
		http.Error(w, "bad part path", http.StatusBadRequest)
		return
	}
	number, err := strconv.Atoi(elems[1])
	if err != nil {
		http.Error(w, "bad part number", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failParts[number] > 0 {
		s.failParts[number]--
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	m, ok := s.uploads[elems[0]]
	if !ok {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}
	m.parts[number] = body
	w.Header().Set("ETag", etag(body))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/object/")
	s.mu.Lock()
	b, ok := s.objects[key]
	s.gets++
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(b))
}
