// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/grailbio/mediavault/errors"
)

// HTTPPartClient is a PartClient over HTTP. Ranged reads use Range
// requests.
type HTTPPartClient struct {
	// Client is the HTTP client; http.DefaultClient if nil.
	Client *http.Client
}

func (c *HTTPPartClient) client() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

// Put implements PartClient.
func (c *HTTPPartClient) Put(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.E(errors.Invalid, "put part", err)
	}
	req.ContentLength = int64(len(body))
	resp, err := c.client().Do(req)
	if err != nil {
		return "", errors.E(errors.Transfer, "put part", err)
	}
	defer drain(resp.Body)
	if err := statusError(resp, http.StatusOK); err != nil {
		return "", errors.E("put part", err)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", errors.E(errors.Transfer, "put part: response has no ETag")
	}
	return etag, nil
}

// Get implements PartClient.
func (c *HTTPPartClient) Get(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.E(errors.Invalid, "get object", err)
	}
	want := http.StatusOK
	if length >= 0 {
		if length == 0 {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		want = http.StatusPartialContent
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, errors.E(errors.Transfer, "get object", err)
	}
	if length > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		drain(resp.Body)
		return nil, errors.E(errors.Integrity, fmt.Sprintf("get object: bytes %d-%d are past the end of the object", offset, offset+length-1))
	}
	if err := statusError(resp, want); err != nil {
		drain(resp.Body)
		return nil, errors.E("get object", err)
	}
	if length > 0 {
		if err := checkContentRange(resp.Header.Get("Content-Range"), offset, length); err != nil {
			drain(resp.Body)
			return nil, errors.E("get object", err)
		}
	}
	return resp.Body, nil
}

// checkContentRange checks that a ranged response covers the requested
// bytes. A response that ends early means the stored object is shorter
// than recorded.
func checkContentRange(header string, offset, length int64) error {
	var first, last, total int64
	if _, err := fmt.Sscanf(header, "bytes %d-%d/%d", &first, &last, &total); err != nil {
		return nil
	}
	if first != offset {
		return errors.E(errors.Transfer, fmt.Sprintf("response range %q does not start at %d", header, offset))
	}
	if n := last - first + 1; n < length {
		return errors.E(errors.Integrity, fmt.Sprintf("object truncated: response range %q has %d of %d bytes", header, n, length))
	}
	return nil
}

func statusError(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	sev := errors.Unknown
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		sev = errors.Temporary
	}
	return errors.E(errors.Transfer, sev, fmt.Sprintf("unexpected status %s", resp.Status))
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}
