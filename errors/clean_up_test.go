// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

type errCallable struct{ error }

func (e errCallable) Func() error                   { return e.error }
func (e errCallable) FuncCtx(context.Context) error { return e.error }

func TestCleanUp(t *testing.T) {
	const (
		discardMsg = "discard temp entry"
		returnMsg  = "write chunk"
	)

	for callIdx, call := range []func(errCallable, *error){
		func(e errCallable, err *error) { CleanUp(e.Func, err) },
		func(e errCallable, err *error) { CleanUpCtx(context.Background(), e.FuncCtx, err) },
	} {
		t.Run(strconv.Itoa(callIdx), func(t *testing.T) {
			gotErr := func() (err error) {
				defer call(errCallable{}, &err)
				return nil
			}()
			assert.NoError(t, gotErr)

			gotErr = func() (err error) {
				defer call(errCallable{errors.New(discardMsg)}, &err)
				return nil
			}()
			assert.Equal(t, discardMsg, gotErr.Error())

			gotErr = func() (err error) {
				defer call(errCallable{}, &err)
				return errors.New(returnMsg)
			}()
			assert.Equal(t, returnMsg, gotErr.Error())

			gotErr = func() (err error) {
				defer call(errCallable{errors.New(discardMsg)}, &err)
				return E(Transfer, returnMsg)
			}()
			assert.Contains(t, gotErr.Error(), returnMsg)
			assert.Contains(t, gotErr.Error(), discardMsg)
			assert.True(t, Is(Transfer, gotErr))
		})
	}
}
