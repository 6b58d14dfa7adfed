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

// Package framework defines the adapter contract (§4.4) the schedulers
// and Session drive against: enumerate suites on a SUT, resolve one by
// name or a one-shot command line, and parse a finished run's stdout
// into a typed result. Concrete adapters (framework/ltp) are
// plugin-discovered via plugin.Registry.
package framework

import (
	"context"

	"github.com/linux-test-project/kirk/data"
	"github.com/linux-test-project/kirk/results"
	"github.com/linux-test-project/kirk/sut"
)

// Framework enumerates suites, resolves tests and parses results for one
// testing framework (LTP, kselftest, liburing, ...).
type Framework interface {
	// Name identifies the framework for logging and plugin lookup.
	Name() string

	// GetSuites lists every suite name available on s.
	GetSuites(ctx context.Context, s sut.SUT) ([]string, error)

	// FindSuite resolves name to a fully populated Suite on s.
	FindSuite(ctx context.Context, s sut.SUT, name string) (data.Suite, error)

	// FindCommand resolves a one-shot command line to a Test, for the
	// CLI's --run-command form.
	FindCommand(ctx context.Context, s sut.SUT, line string) (data.Test, error)

	// ReadResult parses a finished run's stdout/return code/exec time
	// into a TestResult.
	ReadResult(test data.Test, stdout string, returnCode int, execTime float64) (results.TestResult, error)
}

// Error is a framework-level failure: missing metadata, an unreachable
// install directory, a malformed runtest file. Per §4.2's error-kind
// rendering, it wraps the underlying cause so callers can
// errors.Unwrap back to it.
type Error struct {
	Cause error
}

func (e *Error) Error() string { return "framework error: " + e.Cause.Error() }
func (e *Error) Unwrap() error { return e.Cause }
