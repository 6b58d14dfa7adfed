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
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/linux-test-project/kirk/bus"
	"github.com/linux-test-project/kirk/data"
	"github.com/linux-test-project/kirk/framework"
	"github.com/linux-test-project/kirk/results"
	"github.com/linux-test-project/kirk/sut"
)

// SuiteConfig configures a SuiteScheduler.
type SuiteConfig struct {
	SUT           sut.SUT
	Framework     framework.Framework
	Bus           *bus.Bus
	SuiteTimeout  time.Duration
	ExecTimeout   time.Duration
	MaxWorkers    int
	ForceParallel bool
	StartRetries  int
}

// SuiteScheduler runs a list of Suites on one SUT, rebooting it whenever
// the inner TestScheduler reports a kernel-health error and giving up on
// a suite once it exceeds its timeout (§4.6).
type SuiteScheduler struct {
	sut          sut.SUT
	bus          *bus.Bus
	suiteTimeout time.Duration
	startRetries int

	scheduler *TestScheduler

	mu      sync.Mutex
	results []results.SuiteResult

	scheduleMu sync.Mutex
	rebootMu   sync.Mutex

	stopping atomic.Bool
	stopped  atomic.Bool
}

// NewSuiteScheduler constructs a SuiteScheduler from cfg.
func NewSuiteScheduler(cfg SuiteConfig) (*SuiteScheduler, error) {
	if cfg.SUT == nil {
		return nil, errors.New("scheduler: SUT is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("scheduler: bus is nil")
	}

	suiteTimeout := cfg.SuiteTimeout
	if suiteTimeout <= 0 {
		suiteTimeout = 3600 * time.Second
	}
	retries := cfg.StartRetries
	if retries < 1 {
		retries = 1
	}

	inner, err := New(Config{
		SUT:           cfg.SUT,
		Framework:     cfg.Framework,
		Bus:           cfg.Bus,
		Timeout:       cfg.ExecTimeout,
		MaxWorkers:    cfg.MaxWorkers,
		ForceParallel: cfg.ForceParallel,
	})
	if err != nil {
		return nil, err
	}

	return &SuiteScheduler{
		sut:          cfg.SUT,
		bus:          cfg.Bus,
		suiteTimeout: suiteTimeout,
		startRetries: retries,
		scheduler:    inner,
	}, nil
}

// Results returns the SuiteResults produced by the most recently completed
// Schedule call.
func (s *SuiteScheduler) Results() []results.SuiteResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]results.SuiteResult(nil), s.results...)
}

// Stopped reports whether Stop has completed.
func (s *SuiteScheduler) Stopped() bool { return s.stopped.Load() }

// Stop halts further suite execution and waits for the in-flight suite
// (if any) to finish.
func (s *SuiteScheduler) Stop(ctx context.Context) error {
	plog.Info("suite scheduler: stopping suites execution")
	s.stopping.Store(true)

	defer func() {
		s.stopping.Store(false)
		s.stopped.Store(true)
		plog.Info("suite scheduler: suites execution stopped")
	}()

	if err := s.scheduler.Stop(ctx); err != nil {
		return err
	}

	s.scheduleMu.Lock()
	s.scheduleMu.Unlock()
	return nil
}

// Schedule runs every suite in jobs in order, populating Results.
func (s *SuiteScheduler) Schedule(ctx context.Context, jobs []data.Suite) error {
	if len(jobs) == 0 {
		return errors.New("scheduler: jobs list is empty")
	}

	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	s.mu.Lock()
	s.results = nil
	s.mu.Unlock()

	for _, suite := range jobs {
		if s.stopping.Load() {
			break
		}
		if err := s.runSuite(ctx, suite); err != nil {
			return err
		}
	}
	return nil
}

// runSuite drives one suite through the reboot/retry/timeout loop and
// appends its SuiteResult. An error other than a timeout or a
// kernel-health condition (both handled in-loop) aborts the suite and is
// returned to the caller.
func (s *SuiteScheduler) runSuite(ctx context.Context, suite data.Suite) error {
	plog.Infof("suite scheduler: running suite %s", suite.Name)
	s.bus.Fire("suite_started", suite)

	info, err := s.sut.GetInfo(ctx)
	if err != nil {
		info = results.UnknownSUTInfo()
	}

	var timedOut bool
	var execTimes []float64
	var testResults []results.TestResult
	testsLeft := append([]data.Test(nil), suite.Tests...)
	rebootEvent := make(chan struct{})
	var rebootEventOnce sync.Once
	closeRebootEvent := func() { rebootEventOnce.Do(func() { close(rebootEvent) }) }

	for !s.stopping.Load() && len(testsLeft) > 0 {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, s.suiteTimeout)
		err := s.scheduler.Schedule(runCtx, testsLeft)
		// A test-level timeout inside Schedule is absorbed there
		// (it becomes a benign result or a KernelTimeoutError), so
		// the suite-level deadline must be read off runCtx itself
		// rather than inferred from Schedule's return value.
		deadlineHit := runCtx.Err() == context.DeadlineExceeded
		cancel()

		switch {
		case deadlineHit:
			plog.Infof("suite scheduler: suite %s timed out", suite.Name)
			s.bus.Fire("suite_timeout", suite, s.suiteTimeout.Seconds())
			timedOut = true
		case isKernelHealthError(err):
			if !s.rebootMu.TryLock() {
				plog.Info("suite scheduler: SUT is rebooting, waiting")
				<-rebootEvent
			} else {
				s.restartSUT(ctx)
				s.rebootMu.Unlock()
				closeRebootEvent()
			}
		case err != nil:
			return errors.Wrap(err, "scheduler: running suite")
		default:
			execTimes = append(execTimes, time.Since(start).Seconds())
		}

		testResults = append(testResults, s.scheduler.Results()...)

		testsLeft = testsLeft[:0]
		for _, t := range suite.Tests {
			found := false
			for _, res := range testResults {
				if res.Test.Name == t.Name {
					found = true
					break
				}
			}
			if !found {
				testsLeft = append(testsLeft, t)
			}
		}

		if timedOut {
			for _, t := range testsLeft {
				testResults = append(testResults, results.Skip(t))
			}
			testsLeft = nil
			break
		}
	}

	var suiteExecTime float64
	if len(execTimes) == 0 {
		suiteExecTime = s.suiteTimeout.Seconds()
	} else {
		for _, t := range execTimes {
			suiteExecTime += t
		}
	}

	suiteResult := results.NewSuiteResult(suite, testResults, info, suiteExecTime)

	s.mu.Lock()
	s.results = append(s.results, suiteResult)
	s.mu.Unlock()

	s.bus.Fire("suite_completed", suiteResult, suiteExecTime)
	plog.Infof("suite scheduler: suite completed: %s", suite.Name)
	return nil
}

// restartSUT tears down and brings back up both the inner TestScheduler's
// SUT and the SUT itself, used when a kernel-health error is detected.
func (s *SuiteScheduler) restartSUT(ctx context.Context) {
	plog.Info("suite scheduler: rebooting SUT")
	s.bus.Fire("sut_restart", s.sut.Name())

	iobuf := &redirectSUTStdout{bus: s.bus, sutName: s.sut.Name()}

	_ = s.scheduler.Stop(ctx)
	_ = s.sut.Stop(ctx, iobuf)
	if err := sut.EnsureStart(ctx, s.sut, iobuf, s.startRetries); err != nil {
		plog.Errorf("suite scheduler: failed to restart SUT: %v", err)
		return
	}

	plog.Info("suite scheduler: SUT rebooted")
}

// isKernelHealthError reports whether err is one of the three
// kernel-health error kinds the Test Scheduler raises (§4.5, §7).
func isKernelHealthError(err error) bool {
	var panicErr *sut.KernelPanicError
	var taintedErr *sut.KernelTaintedError
	var timeoutErr *sut.KernelTimeoutError
	return errors.As(err, &panicErr) || errors.As(err, &taintedErr) || errors.As(err, &timeoutErr)
}
