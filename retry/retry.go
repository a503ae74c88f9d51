// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package retry contains utilities for implementing retry logic.
// Only transport failures are retried: cryptographic and integrity
// failures are final.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/log"
)

// A Policy is an interface that abstracts retry policies. Typically
// users will not call methods directly on a Policy but rather use
// the package functions retry.Wait and retry.Do.
type Policy interface {
	// Retry tells whether a new retry should be attempted,
	// and after how long.
	Retry(retry int) (bool, time.Duration)
}

// Wait queries the provided policy at the provided retry number and
// sleeps until the next try should be attempted. Wait returns an
// error if the policy prohibits further tries or if the context was
// canceled, or if its deadline would run out while waiting for the
// next try.
func Wait(ctx context.Context, policy Policy, retry int) error {
	keepgoing, wait := policy.Retry(retry)
	if !keepgoing {
		return errors.E(errors.TooManyTries, fmt.Sprintf("gave up after %d tries", retry))
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		return errors.E(errors.Timeout, "ran out of time while waiting for retry")
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retriable tells whether err describes a failure that a whole
// operation may be retried after: errors of kind Transfer that are not
// fatal, or errors marked temporary, excluding authentication and
// integrity failures.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	switch errors.KindOf(err) {
	case errors.AuthenticationFailed, errors.Integrity, errors.Canceled, errors.Locked, errors.Invalid, errors.Precondition:
		return false
	case errors.Transfer:
		return errors.Recover(err).Severity != errors.Fatal
	}
	return errors.IsTemporary(err)
}

// Do calls fn until it succeeds, returns an error that is not
// Retriable, or the policy gives up. When the policy gives up, the
// returned error is of kind TooManyTries and wraps fn's last error.
func Do(ctx context.Context, policy Policy, name string, fn func(context.Context) error) error {
	for retries := 0; ; retries++ {
		err := fn(ctx)
		if err == nil || !Retriable(err) {
			return err
		}
		log.Printf("%s: try %d failed, retrying: %v", name, retries+1, errors.Redact(err))
		if werr := Wait(ctx, policy, retries); werr != nil {
			if errors.Is(errors.TooManyTries, werr) {
				return errors.E(errors.TooManyTries, name, err)
			}
			return errors.E(name, werr)
		}
	}
}

type backoff struct {
	factor       float64
	initial, max time.Duration
}

// Backoff returns a Policy that initially waits for the amount of
// time specified by parameter initial; on each try this value is
// multiplied by the provided factor, up to the max duration.
func Backoff(initial, max time.Duration, factor float64) Policy {
	return &backoff{
		initial: initial,
		max:     max,
		factor:  factor,
	}
}

func (b *backoff) Retry(retries int) (bool, time.Duration) {
	wait := float64(b.initial) * math.Pow(b.factor, float64(retries))
	if wait >= float64(b.max) || math.IsInf(wait, 0) || math.IsNaN(wait) {
		return true, b.max
	}
	return true, time.Duration(wait)
}

type maxtries struct {
	policy Policy
	max    int
}

// MaxTries returns a policy that enforces a maximum number of
// attempts. The provided policy is invoked when the current number
// of tries is within the permissible limit. If policy is nil, the
// returned policy will permit an immediate retry when the number of
// tries is within the allowable limits.
func MaxTries(policy Policy, n int) Policy {
	if n < 1 {
		panic("retry.MaxTries: n < 1")
	}
	return &maxtries{policy, n - 1}
}

func (m *maxtries) Retry(retries int) (bool, time.Duration) {
	if retries >= m.max {
		return false, time.Duration(0)
	}
	if m.policy != nil {
		return m.policy.Retry(retries)
	}
	return true, time.Duration(0)
}
