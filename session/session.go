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

// Package session implements the C8 Session driver (§4.7): the
// top-level entry point that starts a SUT, optionally runs a one-shot
// command, resolves/filters/iterates/randomizes suites, drives the
// Suite Scheduler, writes the JSON report and maintains the
// executed-test log used by --restore.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/linux-test-project/kirk/bus"
	"github.com/linux-test-project/kirk/data"
	"github.com/linux-test-project/kirk/framework"
	"github.com/linux-test-project/kirk/report"
	"github.com/linux-test-project/kirk/results"
	"github.com/linux-test-project/kirk/scheduler"
	"github.com/linux-test-project/kirk/sut"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "session")

// DefaultStartRetries is the ensure_start retry budget (§4.3) used
// when Config.StartRetries is unset.
const DefaultStartRetries = 10

// Config configures a Session.
type Config struct {
	SUT          sut.SUT
	Framework    framework.Framework
	Bus          *bus.Bus
	TmpDir       string // run directory; "" disables debug/executed-log persistence
	ExecTimeout  time.Duration
	SuiteTimeout time.Duration
	MaxWorkers   int
	ForceParallel bool
	StartRetries int
	Env          map[string]string // global --env overrides, applied over every resolved Test's Env
}

// RunOptions configures one Run call (§4.7).
type RunOptions struct {
	Command    string
	Suites     []string
	Pattern    string
	Skip       string
	ReportPath string
	Restore    string
	Iterate    int
	Randomize  bool
	Runtime    time.Duration
}

// Session is the top-level driver: it owns the SUT, the Framework and
// one SuiteScheduler.
type Session struct {
	sut         sut.SUT
	framework   framework.Framework
	bus         *bus.Bus
	tmpdir      string
	execTimeout time.Duration
	startRetries int
	env         map[string]string

	scheduler *scheduler.SuiteScheduler

	runMu  sync.Mutex
	execMu sync.Mutex

	stopping atomic.Bool

	curSuiteMu sync.Mutex
	curSuite   string

	resultsMu sync.Mutex
	results   []results.SuiteResult
}

// New builds a Session from cfg, wiring the executed-log subscribers
// when cfg.TmpDir is non-empty.
func New(cfg Config) (*Session, error) {
	if cfg.SUT == nil {
		return nil, errors.New("session: SUT is nil")
	}
	if cfg.Framework == nil {
		return nil, errors.New("session: framework is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("session: bus is nil")
	}

	retries := cfg.StartRetries
	if retries < 1 {
		retries = DefaultStartRetries
	}

	workers := cfg.MaxWorkers
	if !cfg.SUT.ParallelOK() && workers != 1 {
		plog.Info("session: SUT doesn't support parallel execution, forcing workers=1")
		workers = 1
	}

	sched, err := scheduler.NewSuiteScheduler(scheduler.SuiteConfig{
		SUT:           cfg.SUT,
		Framework:     cfg.Framework,
		Bus:           cfg.Bus,
		SuiteTimeout:  cfg.SuiteTimeout,
		ExecTimeout:   cfg.ExecTimeout,
		MaxWorkers:    workers,
		ForceParallel: cfg.ForceParallel,
		StartRetries:  retries,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		sut:          cfg.SUT,
		framework:    cfg.Framework,
		bus:          cfg.Bus,
		tmpdir:       cfg.TmpDir,
		execTimeout:  cfg.ExecTimeout,
		startRetries: retries,
		env:          cfg.Env,
		scheduler:    sched,
	}

	if s.tmpdir != "" {
		s.registerExecutedLog()
	}

	return s, nil
}

// registerExecutedLog wires the suite_started/test_completed
// subscribers that append to <tmpdir>/executed, mirroring
// _setup_test_save.
func (s *Session) registerExecutedLog() {
	s.bus.Register("suite_started", func(args ...interface{}) {
		if len(args) == 0 {
			return
		}
		suite, ok := args[0].(data.Suite)
		if !ok {
			return
		}
		s.curSuiteMu.Lock()
		s.curSuite = suite.Name
		s.curSuiteMu.Unlock()
	}, true)

	s.bus.Register("test_completed", func(args ...interface{}) {
		if len(args) == 0 {
			return
		}
		result, ok := args[0].(results.TestResult)
		if !ok {
			return
		}
		s.curSuiteMu.Lock()
		suite := s.curSuite
		s.curSuiteMu.Unlock()
		appendExecuted(context.Background(), s.tmpdir, suite, result.Test.Name)
	}, true)
}

// Run drives one full session per §4.7. The returned error is nil when
// the session was stopped via Stop (matching the original
// implementation's suppression of in-flight errors during a stop).
func (s *Session) Run(ctx context.Context, opts RunOptions) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if err := report.CheckWritable(opts.ReportPath); err != nil {
		s.bus.Fire("session_error", err.Error())
		return err
	}

	s.bus.Fire("session_started", s.tmpdir)

	if !s.sut.ParallelOK() {
		s.bus.Fire("session_warning", "SUT doesn't support parallel execution")
	}

	runErr := s.runInner(ctx, opts)
	if runErr != nil {
		if s.stopping.Load() {
			runErr = nil
		} else {
			plog.Errorf("session: %v", runErr)
			s.bus.Fire("session_error", runErr.Error())
		}
	}

	if reportErr := s.finishReport(ctx, opts.ReportPath); reportErr != nil {
		plog.Errorf("session: %v", reportErr)
		s.bus.Fire("session_error", reportErr.Error())
		if runErr == nil {
			runErr = reportErr
		}
	}

	s.resultsMu.Lock()
	s.results = nil
	s.resultsMu.Unlock()

	_ = s.innerStop(context.Background())

	return runErr
}

func (s *Session) runInner(ctx context.Context, opts RunOptions) error {
	if err := s.startSUT(ctx); err != nil {
		return err
	}

	if opts.Command != "" {
		if err := s.execCommand(ctx, opts.Command); err != nil {
			return err
		}
	}

	if len(opts.Suites) == 0 {
		return nil
	}

	suites, err := s.resolveSuites(ctx, opts)
	if err != nil {
		return err
	}
	if len(suites) == 0 {
		// Every test was filtered out (pattern/skip/restore) --
		// nothing to schedule, not an error (§8 scenario S2).
		return nil
	}

	return s.runScheduler(ctx, suites, opts.Runtime)
}

func (s *Session) finishReport(ctx context.Context, reportPath string) error {
	s.resultsMu.Lock()
	suites := append([]results.SuiteResult(nil), s.results...)
	s.resultsMu.Unlock()

	if len(suites) == 0 {
		return nil
	}

	if s.tmpdir != "" {
		if err := report.Save(ctx, suites, filepath.Join(s.tmpdir, "results.json")); err != nil {
			return err
		}
	}
	if reportPath != "" {
		if err := report.Save(ctx, suites, reportPath); err != nil {
			return err
		}
	}

	s.bus.Fire("session_completed", suites)
	return nil
}

// Stop sets the stop flag, stops the scheduler and SUT, then waits for
// Run and any in-flight exec command to drain (§4.7).
func (s *Session) Stop(ctx context.Context) error {
	s.stopping.Store(true)

	err := s.innerStop(ctx)

	s.runMu.Lock()
	s.runMu.Unlock()
	s.execMu.Lock()
	s.execMu.Unlock()

	s.bus.Fire("session_stopped")
	s.stopping.Store(false)
	return err
}

func (s *Session) innerStop(ctx context.Context) error {
	if err := s.scheduler.Stop(ctx); err != nil {
		return err
	}
	return s.stopSUT(ctx)
}

func (s *Session) startSUT(ctx context.Context) error {
	s.bus.Fire("sut_start", s.sut.Name())
	return sut.EnsureStart(ctx, s.sut, &redirectStdout{bus: s.bus, sutName: s.sut.Name()}, s.startRetries)
}

func (s *Session) stopSUT(ctx context.Context) error {
	if !s.sut.Running() {
		return nil
	}
	s.bus.Fire("sut_stop", s.sut.Name())
	return s.sut.Stop(ctx, &redirectStdout{bus: s.bus, sutName: s.sut.Name()})
}

// redirectStdout republishes SUT console chatter and one-shot command
// stdout as bus events, mirroring RedirectSUTStdout.
type redirectStdout struct {
	bus     *bus.Bus
	sutName string
	isCmd   bool
}

func (r *redirectStdout) Write(p []byte) (int, error) {
	if r.isCmd {
		r.bus.Fire("run_cmd_stdout", string(p))
	} else {
		r.bus.Fire("sut_stdout", r.sutName, string(p))
	}
	return len(p), nil
}

// execCommand resolves and runs a single one-shot command (§4.7 step 3).
func (s *Session) execCommand(ctx context.Context, command string) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.bus.Fire("run_cmd_start", command)

	test, err := s.framework.FindCommand(ctx, s.sut, command)
	if err != nil {
		return errors.Wrap(err, "session: resolving command")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if s.execTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.execTimeout)
		defer cancel()
	}

	res, err := s.sut.Run(runCtx, test.FullCommand(), sut.RunOptions{
		Cwd:   test.Cwd,
		Env:   mergeEnv(s.env, test.Env),
		IOBuf: &redirectStdout{bus: s.bus, sutName: s.sut.Name(), isCmd: true},
	})
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return errors.Errorf("session: command timeout: %q", command)
		}
		if s.stopping.Load() {
			return nil
		}
		return errors.Wrap(err, "session: running command")
	}

	s.bus.Fire("run_cmd_stop", command, res.Stdout, res.ReturnCode)
	return nil
}

// resolveSuites implements §4.7 step 4: resolve, restore, filter,
// merge env, iterate, randomize.
func (s *Session) resolveSuites(ctx context.Context, opts RunOptions) ([]data.Suite, error) {
	if len(opts.Suites) == 0 {
		return nil, errors.New("session: no suites requested")
	}

	suites := make([]data.Suite, len(opts.Suites))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range opts.Suites {
		i, name := i, name
		g.Go(func() error {
			suite, err := s.framework.FindSuite(gctx, s.sut, name)
			if err != nil {
				return errors.Wrapf(err, "session: resolving suite %s", name)
			}
			suites[i] = suite
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if opts.Restore != "" {
		executed, err := readExecuted(ctx, opts.Restore)
		if err != nil {
			return nil, err
		}
		if len(executed) > 0 {
			s.bus.Fire("session_restore", opts.Restore)
			for i, suite := range suites {
				suites[i] = dropExecuted(suite, executed[suite.Name])
			}
		}
	}

	if err := filterTests(suites, opts.Pattern, false); err != nil {
		return nil, errors.Wrap(err, "session: compiling pattern")
	}
	if err := filterTests(suites, opts.Skip, true); err != nil {
		return nil, errors.Wrap(err, "session: compiling skip pattern")
	}

	total := 0
	for _, suite := range suites {
		total += len(suite.Tests)
	}
	if total == 0 {
		plog.Info("session: no tests selected after filtering")
		return nil, nil
	}

	if len(s.env) > 0 {
		suites = mergeEnvInto(suites, s.env)
	}

	suites = applyIterate(suites, opts.Iterate)

	if opts.Randomize {
		for i := range suites {
			shuffleTests(suites[i].Tests)
		}
	}

	return suites, nil
}

// runScheduler implements §4.7 step 4's once-vs-infinite scheduling
// choice.
func (s *Session) runScheduler(ctx context.Context, suites []data.Suite, runtime time.Duration) error {
	if runtime <= 0 {
		return s.scheduleOnce(ctx, suites)
	}

	runCtx, cancel := context.WithTimeout(ctx, runtime)
	defer cancel()

	if err := s.scheduleInfinite(runCtx, suites); err != nil {
		return err
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return s.scheduler.Stop(ctx)
	}
	return nil
}

func (s *Session) scheduleOnce(ctx context.Context, suites []data.Suite) error {
	if err := s.scheduler.Schedule(ctx, suites); err != nil {
		return err
	}
	s.resultsMu.Lock()
	s.results = append(s.results, s.scheduler.Results()...)
	s.resultsMu.Unlock()
	return nil
}

func (s *Session) scheduleInfinite(ctx context.Context, suites []data.Suite) error {
	count := 1
	for !s.stopping.Load() && ctx.Err() == nil {
		if err := s.scheduleOnce(ctx, suites); err != nil {
			return err
		}
		if s.scheduler.Stopped() || ctx.Err() != nil {
			return nil
		}

		count++
		renamed := make([]data.Suite, len(suites))
		for i, suite := range suites {
			renamed[i] = suite.Rename(fmt.Sprintf("%s[%d]", suite.Name, count))
		}
		suites = renamed
	}
	return nil
}
