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

// Package sut defines the shared System Under Test contract (§4.3):
// lifecycle, command execution, file fetch, kernel-health probes, and
// the fixed tainted-bit dictionary. Concrete transports (host, ssh,
// qemu, ltx) live in sibling packages and implement SUT.
package sut

import (
	"context"
	"io"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/linux-test-project/kirk/results"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "sut")

// IOBuffer is the streaming sink for a running command's stdout. It is
// exactly io.Writer so transports can pass it anywhere a writer is
// expected (os/exec's Cmd.Stdout, io.Copy, ...).
type IOBuffer interface {
	io.Writer
}

// RunOptions configures a single Run call.
type RunOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
	IOBuf   IOBuffer
}

// RunResult is what Run returns on completion (§4.3).
type RunResult struct {
	Command    string
	ReturnCode int
	Stdout     string
	ExecTime   time.Duration
}

// Info is the seven-field SUT snapshot (§3, §4.3), aliased here so
// callers only need to import sut.
type Info = results.SUTInfo

// SUT is the capability every transport implements: Host, SSH, QEMU,
// LTX.
type SUT interface {
	// Name identifies the transport for logging and plugin lookup
	// ("host", "ssh", "qemu", "ltx").
	Name() string

	// Start brings the transport up: spawns a process, dials a
	// connection, or boots a guest, depending on implementation.
	// iobuf receives any boot-time console chatter.
	Start(ctx context.Context, iobuf IOBuffer) error

	// Stop tears the transport down. Must be safe to call on a SUT
	// that was never successfully started.
	Stop(ctx context.Context, iobuf IOBuffer) error

	// Running reports whether Start has succeeded and Stop has not
	// yet completed.
	Running() bool

	// Ping measures round-trip latency to the SUT, used as the
	// liveness probe after a test timeout (§4.5).
	Ping(ctx context.Context) (time.Duration, error)

	// Run executes cmd and waits for completion or ctx/opts.Timeout
	// expiry, whichever comes first.
	Run(ctx context.Context, cmd string, opts RunOptions) (RunResult, error)

	// Fetch retrieves the file at path from the SUT.
	Fetch(ctx context.Context, path string) ([]byte, error)

	// ParallelOK reports whether concurrent Run calls are safe on
	// this transport.
	ParallelOK() bool

	// GetInfo returns the seven-field snapshot, each subfield
	// resolved by a best-effort bounded command (§4.3).
	GetInfo(ctx context.Context) (Info, error)

	// GetTainted reads /proc/sys/kernel/tainted and decodes it
	// against TaintedMessages. Concurrent callers share one kernel
	// read (§5).
	GetTainted(ctx context.Context) (int, []string, error)

	// LoggedAsRoot reports whether the transport's session runs as
	// uid 0.
	LoggedAsRoot(ctx context.Context) (bool, error)
}

// TaintedMessages is the fixed 18-entry tainted-bit dictionary (§4.3),
// ordered low bit to high bit.
var TaintedMessages = [18]string{
	"proprietary module was loaded",
	"module was force loaded",
	"kernel running on an out of specification system",
	"module was force unloaded",
	"processor reported a Machine Check Exception (MCE)",
	"bad page reference or unexpected page flags",
	"taint requested by user",
	"kernel died recently, i.e. there was an OOPS or BUG",
	"ACPI table overridden by user",
	"kernel issued warning",
	"staging driver was loaded",
	"workaround for bug in platform firmware applied",
	"externally-built (out-of-tree) module was loaded",
	"unsigned module was loaded",
	"soft lockup occurred",
	"kernel has been live patched",
	"auxiliary taint, defined for and used by distros",
	"kernel was built with the struct randomization plugin",
}

// DecodeTainted expands a /proc/sys/kernel/tainted bitfield into the
// ordered list of messages for each set bit, low to high.
func DecodeTainted(code int) []string {
	var msgs []string
	for i, msg := range TaintedMessages {
		if code&(1<<uint(i)) != 0 {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// FaultInjectionFiles are the debugfs knobs toggled by
// SetupFaultInjection (grounded on libkirk/sut.py's
// FAULT_INJECTION_FILES).
var FaultInjectionFiles = []string{
	"/sys/kernel/debug/fail_make_request",
	"/sys/kernel/debug/failslab",
	"/sys/kernel/debug/fail_page_alloc",
	"/sys/kernel/debug/fail_futex",
}

// IsFaultInjectionEnabled checks whether every file in
// FaultInjectionFiles exists and is writable, by probing with `test -w`
// through s.
func IsFaultInjectionEnabled(ctx context.Context, s SUT) (bool, error) {
	for _, f := range FaultInjectionFiles {
		res, err := s.Run(ctx, "test -w "+f, RunOptions{Timeout: 5 * time.Second})
		if err != nil {
			return false, errors.Wrapf(err, "probing fault injection file %s", f)
		}
		if res.ReturnCode != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Kernel-health error kinds (§7). Each wraps the transport-level cause
// so callers can errors.Unwrap back to it.

// KernelPanicError indicates the transport observed "Kernel panic" in
// the SUT's output stream.
type KernelPanicError struct {
	Cause error
}

func (e *KernelPanicError) Error() string { return "kernel panic detected" }
func (e *KernelPanicError) Unwrap() error { return e.Cause }

// KernelTaintedError indicates the tainted bitfield changed across a
// test's execution.
type KernelTaintedError struct {
	Messages []string
}

func (e *KernelTaintedError) Error() string {
	return "kernel tainted: " + joinMessages(e.Messages)
}

// KernelTimeoutError indicates a test exceeded its budget and a
// liveness ping also failed.
type KernelTimeoutError struct {
	Cause error
}

func (e *KernelTimeoutError) Error() string { return "kernel not responding" }
func (e *KernelTimeoutError) Unwrap() error { return e.Cause }

// CommunicationError indicates the transport could not reach or could
// not parse a reply from the SUT.
type CommunicationError struct {
	Cause error
}

func (e *CommunicationError) Error() string { return "communication error" }
func (e *CommunicationError) Unwrap() error { return e.Cause }

func joinMessages(msgs []string) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

// EnsureStart retries Start up to retries times, calling Stop between
// failed attempts, and rethrows the last error once the budget is
// exhausted (§4.3). A never-failing transport performs exactly one
// Start, satisfying the idempotence property of §8.
func EnsureStart(ctx context.Context, s SUT, iobuf IOBuffer, retries int) error {
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			_ = s.Stop(ctx, iobuf)
		}
		if err := s.Start(ctx, iobuf); err != nil {
			lastErr = err
			plog.Warningf("%s: start attempt %d/%d failed: %v", s.Name(), attempt+1, retries, err)
			continue
		}
		return nil
	}
	return errors.Wrapf(lastErr, "%s: failed to start after %d attempts", s.Name(), retries)
}
