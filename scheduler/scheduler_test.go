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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-test-project/kirk/bus"
	"github.com/linux-test-project/kirk/data"
	"github.com/linux-test-project/kirk/results"
	"github.com/linux-test-project/kirk/sut"
)

// fakeSUT is a scriptable sut.SUT: Run dispatches to runFunc when set,
// else succeeds with return code 0; GetTainted replays taintedSeq one
// entry per call (repeating the last entry once exhausted).
type fakeSUT struct {
	mu sync.Mutex

	runFunc func(ctx context.Context, cmd string, opts sut.RunOptions) (sut.RunResult, error)

	taintedSeq [][]string
	taintedIdx int

	pingErr error
	isRoot  bool

	running bool
}

func (s *fakeSUT) Name() string { return "fake" }

func (s *fakeSUT) Start(ctx context.Context, iobuf sut.IOBuffer) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSUT) Stop(ctx context.Context, iobuf sut.IOBuffer) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *fakeSUT) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeSUT) Ping(ctx context.Context) (time.Duration, error) { return 0, s.pingErr }

func (s *fakeSUT) Run(ctx context.Context, cmd string, opts sut.RunOptions) (sut.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return sut.RunResult{}, err
	}
	if s.runFunc != nil {
		return s.runFunc(ctx, cmd, opts)
	}
	return sut.RunResult{ReturnCode: 0, Stdout: "ok"}, nil
}

func (s *fakeSUT) Fetch(ctx context.Context, path string) ([]byte, error) { return nil, nil }
func (s *fakeSUT) ParallelOK() bool                                       { return true }

func (s *fakeSUT) GetInfo(ctx context.Context) (sut.Info, error) {
	return sut.UnknownSUTInfo(), nil
}

func (s *fakeSUT) GetTainted(ctx context.Context) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.taintedSeq) == 0 {
		return 0, nil, nil
	}
	idx := s.taintedIdx
	if idx >= len(s.taintedSeq) {
		idx = len(s.taintedSeq) - 1
	}
	s.taintedIdx++
	msgs := s.taintedSeq[idx]
	code := 0
	if len(msgs) > 0 {
		code = idx + 1
	}
	return code, msgs, nil
}

func (s *fakeSUT) LoggedAsRoot(ctx context.Context) (bool, error) { return s.isRoot, nil }

// fakeFramework turns whatever a test run produced straight into a
// TestResult, classifying by return code the same way results.Broke/Skip
// do, without needing a real runtest/ltp.json fixture.
type fakeFramework struct{}

func (fakeFramework) Name() string { return "fake" }
func (fakeFramework) GetSuites(ctx context.Context, s sut.SUT) ([]string, error) {
	return nil, nil
}
func (fakeFramework) FindSuite(ctx context.Context, s sut.SUT, name string) (data.Suite, error) {
	return data.Suite{}, nil
}
func (fakeFramework) FindCommand(ctx context.Context, s sut.SUT, line string) (data.Test, error) {
	return data.Test{}, nil
}

func (fakeFramework) ReadResult(test data.Test, stdout string, returnCode int, execTime float64) (results.TestResult, error) {
	if returnCode == -1 {
		return results.Broke(test, execTime), nil
	}
	return results.TestResult{
		Test:       test,
		Passed:     1,
		ExecTime:   execTime,
		ReturnCode: returnCode,
		Stdout:     stdout,
		Status:     results.StatusPass,
	}, nil
}

func testList(n int, parallelizable bool) []data.Test {
	tests := make([]data.Test, n)
	for i := range tests {
		tests[i] = data.New(string(rune('a'+i)), "echo", nil, "", nil, parallelizable)
	}
	return tests
}

func TestScheduleRunsSerialTests(t *testing.T) {
	s := &fakeSUT{}
	sched, err := New(Config{SUT: s, Framework: fakeFramework{}, Bus: newTestBus()})
	require.NoError(t, err)

	err = sched.Schedule(context.Background(), testList(3, false))
	require.NoError(t, err)
	assert.Len(t, sched.Results(), 3)
}

func TestScheduleRunsParallelizableTestsOnWorkerPool(t *testing.T) {
	s := &fakeSUT{}
	sched, err := New(Config{SUT: s, Framework: fakeFramework{}, Bus: newTestBus(), MaxWorkers: 4})
	require.NoError(t, err)

	tests := append(testList(4, true), testList(2, false)...)
	err = sched.Schedule(context.Background(), tests)
	require.NoError(t, err)
	assert.Len(t, sched.Results(), 6)
}

func TestScheduleDetectsKernelPanic(t *testing.T) {
	s := &fakeSUT{
		runFunc: func(ctx context.Context, cmd string, opts sut.RunOptions) (sut.RunResult, error) {
			return sut.RunResult{}, &sut.KernelPanicError{}
		},
	}
	sched, err := New(Config{SUT: s, Framework: fakeFramework{}, Bus: newTestBus()})
	require.NoError(t, err)

	err = sched.Schedule(context.Background(), testList(2, false))
	require.Error(t, err)
	var panicErr *sut.KernelPanicError
	assert.ErrorAs(t, err, &panicErr)
}

func TestScheduleDetectsKernelTainted(t *testing.T) {
	s := &fakeSUT{
		taintedSeq: [][]string{nil, {"taint requested by user"}},
	}
	sched, err := New(Config{SUT: s, Framework: fakeFramework{}, Bus: newTestBus()})
	require.NoError(t, err)

	err = sched.Schedule(context.Background(), testList(1, false))
	require.Error(t, err)
	var taintedErr *sut.KernelTaintedError
	require.ErrorAs(t, err, &taintedErr)
	assert.Equal(t, []string{"taint requested by user"}, taintedErr.Messages)
}

func TestScheduleDetectsKernelTimeoutWhenSUTStopsReplying(t *testing.T) {
	s := &fakeSUT{pingErr: assertErr}
	sched, err := New(Config{
		SUT: s, Framework: fakeFramework{}, Bus: newTestBus(),
		Timeout: time.Millisecond,
	})
	require.NoError(t, err)
	s.runFunc = func(ctx context.Context, cmd string, opts sut.RunOptions) (sut.RunResult, error) {
		<-ctx.Done()
		return sut.RunResult{}, ctx.Err()
	}

	err = sched.Schedule(context.Background(), testList(1, false))
	require.Error(t, err)
	var timeoutErr *sut.KernelTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestStopOnIdleSchedulerReturnsImmediately(t *testing.T) {
	s := &fakeSUT{}
	sched, err := New(Config{SUT: s, Framework: fakeFramework{}, Bus: newTestBus()})
	require.NoError(t, err)
	assert.NoError(t, sched.Stop(context.Background()))
	assert.True(t, sched.Stopped())
}

func newTestBus() *bus.Bus { return bus.New() }

var assertErr = &fakeError{"ping failed"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }
