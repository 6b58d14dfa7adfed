// Copyright 2015 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fileio provides a scoped file handle whose read/write/seek/tell
// operations are offloaded onto a worker pool, so that a scheduler's main
// loop is never blocked waiting on disk or FIFO I/O.
package fileio

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "fileio")

// defaultWorkers bounds the pool used when a File is constructed with
// Open rather than OpenWithWorkers. File I/O is rarely a bottleneck;
// this just caps concurrent blocking syscalls per handle.
const defaultWorkers = 4

// job is one unit of work dispatched to the pool.
type job func()

// pool is a small fixed-size worker pool. Each File owns one, so that a
// slow or blocked I/O does not starve work queued for other files.
type pool struct {
	jobs chan job
	wg   sync.WaitGroup
}

func newPool(workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	p := &pool{jobs: make(chan job, workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				j()
			}
		}()
	}
	return p
}

func (p *pool) close() {
	close(p.jobs)
	p.wg.Wait()
}

// run submits fn to the pool and blocks until it completes or ctx is
// cancelled. fn's return value is delivered through the returned channel
// regardless of cancellation, so late completions don't leak goroutines.
func run[T any](ctx context.Context, p *pool, fn func() (T, error)) (T, error) {
	result := make(chan struct {
		val T
		err error
	}, 1)
	p.jobs <- func() {
		v, err := fn()
		result <- struct {
			val T
			err error
		}{v, err}
	}

	select {
	case r := <-result:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// File is a scoped handle around an *os.File. Opening an already-open
// File is a no-op; closing an unopened one is a no-op. All operations
// other than Open/Close run on the File's worker pool.
type File struct {
	path string
	flag int
	perm os.FileMode

	mu   sync.Mutex
	file *os.File
	pool *pool
}

// New creates a File bound to path. It is not opened until Open is
// called.
func New(path string, flag int, perm os.FileMode) *File {
	return &File{path: path, flag: flag, perm: perm}
}

// Open acquires the underlying os.File and starts the worker pool.
// Calling Open on an already-open File is a no-op.
func (f *File) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file != nil {
		return nil
	}

	fh, err := os.OpenFile(f.path, f.flag, f.perm)
	if err != nil {
		return errors.Wrapf(err, "opening %s", f.path)
	}
	f.file = fh
	f.pool = newPool(defaultWorkers)
	return nil
}

// Close releases the underlying os.File and stops the worker pool.
// Closing an unopened File is a no-op.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}

	f.pool.close()
	err := f.file.Close()
	f.file = nil
	f.pool = nil
	if err != nil {
		return errors.Wrapf(err, "closing %s", f.path)
	}
	return nil
}

func (f *File) handle() (*os.File, *pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil, nil, errors.Errorf("fileio: %s is not open", f.path)
	}
	return f.file, f.pool, nil
}

// Read offloads a single os.File.Read onto the worker pool.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	fh, pl, err := f.handle()
	if err != nil {
		return 0, err
	}
	return run(ctx, pl, func() (int, error) {
		return fh.Read(p)
	})
}

// Write offloads a single os.File.Write onto the worker pool.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	fh, pl, err := f.handle()
	if err != nil {
		return 0, err
	}
	return run(ctx, pl, func() (int, error) {
		return fh.Write(p)
	})
}

// Seek offloads os.File.Seek onto the worker pool.
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	fh, pl, err := f.handle()
	if err != nil {
		return 0, err
	}
	return run(ctx, pl, func() (int64, error) {
		return fh.Seek(offset, whence)
	})
}

// Tell reports the current offset, equivalent to Seek(0, io.SeekCurrent).
func (f *File) Tell(ctx context.Context) (int64, error) {
	return f.Seek(ctx, 0, io.SeekCurrent)
}

// Lines lazily iterates the file line by line, invoking yield for each
// line (without trailing newline) until EOF or yield returns false.
// Scanning itself happens on the worker pool, one line at a time, so a
// caller that stops early never reads more than necessary.
func (f *File) Lines(ctx context.Context, yield func(line string) bool) error {
	fh, pl, err := f.handle()
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(fh)
	for {
		more, err := run(ctx, pl, func() (bool, error) {
			return scanner.Scan(), scanner.Err()
		})
		if err != nil {
			return errors.Wrapf(err, "scanning %s", f.path)
		}
		if !more {
			return scanner.Err()
		}
		if !yield(scanner.Text()) {
			return nil
		}
	}
}

// WriteFileAtomic writes data to path by creating a sibling temp file
// through a scoped File -- so the write itself is offloaded to the
// worker pool like every other fileio operation -- then renaming it
// into place. The rename is atomic on a single filesystem, so a reader
// never observes a partially written report (§4.7 step 5).
func WriteFileAtomic(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f := New(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err := f.Open(); err != nil {
		return err
	}

	_, werr := f.Write(ctx, data)
	cerr := f.Close()
	if werr != nil {
		os.Remove(tmp)
		return errors.Wrapf(werr, "writing %s", tmp)
	}
	if cerr != nil {
		os.Remove(tmp)
		return errors.Wrapf(cerr, "closing %s", tmp)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s to %s", tmp, path)
	}
	return nil
}
