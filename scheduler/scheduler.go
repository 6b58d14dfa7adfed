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

// Package scheduler implements the Test Scheduler (§4.5) and Suite
// Scheduler (§4.6): running a list of Tests on a SUT with kernel-health
// checks and timeouts, and wrapping that per Suite with a
// reboot/retry/timeout loop.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/linux-test-project/kirk/bus"
	"github.com/linux-test-project/kirk/data"
	"github.com/linux-test-project/kirk/framework"
	"github.com/linux-test-project/kirk/results"
	"github.com/linux-test-project/kirk/sut"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "scheduler")

// runStatus is the internal outcome of one test run, deciding which
// bus event fires and whether the batch aborts (§4.5's failure
// branches, checked in this exact order).
type runStatus int

const (
	statusOK runStatus = iota
	statusTestTimeout
	statusKernelPanic
	statusKernelTainted
	statusKernelTimeout
)

// redirectTestStdout republishes a running test's stdout as test_stdout
// events while accumulating it, mirroring RedirectTestStdout.
type redirectTestStdout struct {
	bus  *bus.Bus
	test data.Test
	buf  strings.Builder
}

func (r *redirectTestStdout) Write(p []byte) (int, error) {
	r.bus.Fire("test_stdout", r.test, string(p))
	r.buf.Write(p)
	return len(p), nil
}

// redirectSUTStdout republishes SUT-level console chatter (e.g. during
// a reboot) as sut_stdout events.
type redirectSUTStdout struct {
	bus     *bus.Bus
	sutName string
}

func (r *redirectSUTStdout) Write(p []byte) (int, error) {
	r.bus.Fire("sut_stdout", r.sutName, string(p))
	return len(p), nil
}

// Config configures a TestScheduler.
type Config struct {
	SUT           sut.SUT
	Framework     framework.Framework
	Bus           *bus.Bus
	Timeout       time.Duration
	MaxWorkers    int
	ForceParallel bool
}

// TestScheduler runs a list of Tests on one SUT (§4.5).
type TestScheduler struct {
	sut           sut.SUT
	framework     framework.Framework
	bus           *bus.Bus
	timeout       time.Duration
	maxWorkers    int
	forceParallel bool

	mu      sync.Mutex
	results []results.TestResult

	scheduleMu sync.Mutex
	semMu      sync.Mutex
	curSem     *semaphore.Weighted

	stopping atomic.Bool
	stopped  atomic.Bool
}

// New constructs a TestScheduler from cfg.
func New(cfg Config) (*TestScheduler, error) {
	if cfg.SUT == nil {
		return nil, errors.New("scheduler: SUT is nil")
	}
	if cfg.Framework == nil {
		return nil, errors.New("scheduler: framework is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("scheduler: bus is nil")
	}
	workers := cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	timeout := cfg.Timeout
	if timeout < 0 {
		timeout = 0
	}
	return &TestScheduler{
		sut:           cfg.SUT,
		framework:     cfg.Framework,
		bus:           cfg.Bus,
		timeout:       timeout,
		maxWorkers:    workers,
		forceParallel: cfg.ForceParallel,
	}, nil
}

// Results returns the results produced by the most recently completed
// Schedule call. Reset at the start of every Schedule.
func (s *TestScheduler) Results() []results.TestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]results.TestResult(nil), s.results...)
}

// Stopped reports whether Stop has completed.
func (s *TestScheduler) Stopped() bool { return s.stopped.Load() }

// Stop halts further test starts and waits for the in-flight batch (if
// any) to finish (§4.5).
func (s *TestScheduler) Stop(ctx context.Context) error {
	plog.Info("scheduler: stopping test execution")
	s.stopping.Store(true)

	s.semMu.Lock()
	sem := s.curSem
	s.semMu.Unlock()
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err == nil {
			sem.Release(1)
		}
	}

	s.scheduleMu.Lock()
	s.scheduleMu.Unlock()

	s.stopping.Store(false)
	s.stopped.Store(true)
	plog.Info("scheduler: test execution stopped")
	return nil
}

// Schedule runs jobs to completion, partitioning between the worker
// pool and serial execution per §4.5's partition rule. It returns the
// first kernel-health error encountered (*sut.KernelPanicError,
// *sut.KernelTaintedError, *sut.KernelTimeoutError), if any; results
// produced before the error are still available via Results.
func (s *TestScheduler) Schedule(ctx context.Context, jobs []data.Test) error {
	if len(jobs) == 0 {
		return errors.New("scheduler: jobs list is empty")
	}

	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	s.mu.Lock()
	s.results = nil
	s.mu.Unlock()

	var err error
	switch {
	case s.forceParallel:
		err = s.runParallel(ctx, jobs)
	case s.maxWorkers > 1:
		var parallel, serial []data.Test
		for _, t := range jobs {
			if t.Parallelizable {
				parallel = append(parallel, t)
			} else {
				serial = append(serial, t)
			}
		}
		if err = s.runParallel(ctx, parallel); err == nil {
			err = s.runAndWait(ctx, serial)
		}
	default:
		err = s.runAndWait(ctx, jobs)
	}

	if err != nil && s.stopping.Load() {
		plog.Infof("scheduler: suppressing %v, stop in progress", err)
		return nil
	}
	return err
}

func (s *TestScheduler) runAndWait(ctx context.Context, tests []data.Test) error {
	if len(tests) == 0 {
		return nil
	}
	plog.Infof("scheduler: scheduling %d tests on a single worker", len(tests))

	sem := semaphore.NewWeighted(1)
	s.setSem(sem)
	defer s.setSem(nil)

	for _, test := range tests {
		if err := s.runTest(ctx, sem, test); err != nil {
			return err
		}
	}
	return nil
}

func (s *TestScheduler) runParallel(ctx context.Context, tests []data.Test) error {
	if len(tests) == 0 {
		return nil
	}
	plog.Infof("scheduler: scheduling %d tests on %d workers", len(tests), s.maxWorkers)

	sem := semaphore.NewWeighted(int64(s.maxWorkers))
	s.setSem(sem)
	defer s.setSem(nil)

	g, gctx := errgroup.WithContext(ctx)
	for _, test := range tests {
		test := test
		g.Go(func() error {
			return s.runTest(gctx, sem, test)
		})
	}
	return g.Wait()
}

func (s *TestScheduler) setSem(sem *semaphore.Weighted) {
	s.semMu.Lock()
	s.curSem = sem
	s.semMu.Unlock()
}

// runTest executes one test under sem, synthesizing a broken result on
// panic/timeout and raising the appropriate kernel-health error
// (§4.5's ordered failure branches: panic, then test/kernel timeout,
// then tainted).
func (s *TestScheduler) runTest(ctx context.Context, sem *semaphore.Weighted, test data.Test) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "scheduler: acquiring worker slot")
	}
	defer sem.Release(1)

	if s.stopping.Load() {
		plog.Infof("scheduler: test %q skipped, stop in progress", test.Name)
		return nil
	}

	plog.Infof("scheduler: running test %s", test.Name)
	s.bus.Fire("test_started", test)
	s.writeKmsg(ctx, test)

	iobuf := &redirectTestStdout{bus: s.bus, test: test}
	start := time.Now()

	taintedBefore, _, _ := s.taintedStatus(ctx)

	runCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, runErr := s.sut.Run(runCtx, test.FullCommand(), sut.RunOptions{
		Cwd: test.Cwd, Env: test.Env, IOBuf: iobuf,
	})

	var panicErr *sut.KernelPanicError
	status := statusOK
	var stdout string
	var retcode int
	var execTime float64
	var taintedMsgs []string

	switch {
	case errors.As(runErr, &panicErr):
		plog.Info("scheduler: recognised kernel panic")
		status = statusKernelPanic
		stdout, retcode, execTime = iobuf.buf.String(), -1, time.Since(start).Seconds()
	case errors.Is(runErr, context.DeadlineExceeded):
		plog.Info("scheduler: got test timeout, checking if SUT is still replying")
		status = statusTestTimeout
		stdout, retcode, execTime = iobuf.buf.String(), -1, time.Since(start).Seconds()

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, pingErr := s.sut.Ping(pingCtx)
		pingCancel()
		if pingErr != nil {
			status = statusKernelTimeout
		}
	case runErr != nil:
		return errors.Wrap(runErr, "scheduler: running test")
	default:
		stdout, retcode, execTime = res.Stdout, res.ReturnCode, res.ExecTime.Seconds()
		taintedAfter, msgs, _ := s.taintedStatus(ctx)
		if taintedAfter != taintedBefore {
			plog.Infof("scheduler: recognised kernel tainted: %v", msgs)
			status = statusKernelTainted
			taintedMsgs = msgs
		}
	}

	result, err := s.framework.ReadResult(test, stdout, retcode, execTime)
	if err != nil {
		return errors.Wrap(err, "scheduler: parsing result")
	}

	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()

	switch status {
	case statusKernelTainted:
		s.bus.Fire("kernel_tainted", taintedMsgs)
		return &sut.KernelTaintedError{Messages: taintedMsgs}
	case statusKernelPanic:
		s.bus.Fire("kernel_panic")
		return &sut.KernelPanicError{}
	case statusKernelTimeout:
		s.bus.Fire("sut_not_responding")
		return &sut.KernelTimeoutError{}
	default:
		s.bus.Fire("test_completed", result)
		plog.Infof("scheduler: test completed: %s", test.Name)
		return nil
	}
}

// taintedStatus reads the tainted bitfield and republishes every
// present message as a kernel_tainted event, on both the before and
// after read of a test run, mirroring _get_tainted_status.
func (s *TestScheduler) taintedStatus(ctx context.Context) (int, []string, error) {
	code, msgs, err := s.sut.GetTainted(ctx)
	if err != nil {
		return 0, nil, err
	}
	for _, m := range msgs {
		if m != "" {
			s.bus.Fire("kernel_tainted", m)
		}
	}
	return code, msgs, nil
}

// writeKmsg best-effort marks the start of a test in the kernel ring
// buffer, when the SUT session runs as root.
func (s *TestScheduler) writeKmsg(ctx context.Context, test data.Test) {
	isRoot, err := s.sut.LoggedAsRoot(ctx)
	if err != nil || !isRoot {
		return
	}

	message := fmt.Sprintf("%s[%d]: starting test %s (%s)\n",
		os.Args[0], os.Getpid(), test.Name, test.FullCommand())
	cmd := fmt.Sprintf("echo -n %s > /dev/kmsg", shellquote.Join(message))
	if _, err := s.sut.Run(ctx, cmd, sut.RunOptions{Timeout: 5 * time.Second}); err != nil {
		plog.Debugf("scheduler: writing /dev/kmsg failed: %v", err)
	}
}
