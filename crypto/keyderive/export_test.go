// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keyderive

// SetIterations sets the iteration count and returns a function
// restoring the previous one.
func SetIterations(n int) func() {
	old := iterations
	iterations = n
	return func() { iterations = old }
}
