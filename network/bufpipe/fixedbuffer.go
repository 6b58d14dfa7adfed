// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Licensed under the same terms as Go itself:
// https://github.com/golang/go/blob/master/LICENSE

package bufpipe

import "errors"

// errWriteFull signals the pipe's write loop that the fixed buffer has
// no room left and the writer must wait for a reader to drain it.
var errWriteFull = errors.New("bufpipe: buffer full")

// fixedBuffer is a ring buffer of fixed capacity implementing
// pipeBuffer. Write returns errWriteFull (not an error the caller sees)
// once the buffer has no room for any more bytes.
type fixedBuffer struct {
	buf        []byte
	start, len int
}

func (b *fixedBuffer) Len() int { return b.len }

func (b *fixedBuffer) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && b.len > 0 {
		p[n] = b.buf[b.start]
		b.start = (b.start + 1) % len(b.buf)
		b.len--
		n++
	}
	return n, nil
}

func (b *fixedBuffer) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if b.len == len(b.buf) {
			return n, errWriteFull
		}
		writeAt := (b.start + b.len) % len(b.buf)
		b.buf[writeAt] = p[n]
		b.len++
		n++
	}
	return n, nil
}
