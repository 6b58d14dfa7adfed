// Copyright 2023 SUSE LLC
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

// Package ltx implements the LTX SUT transport (§4.3.4): a companion
// executor process reachable over a pair of named-pipe files, wrapped
// by the ltx protocol client. Concurrent commands each get their own
// execution slot out of a fixed 127-entry table.
package ltx

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/linux-test-project/kirk/ltx"
	"github.com/linux-test-project/kirk/plugin"
	"github.com/linux-test-project/kirk/sut"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "sut/ltx")

// Registry is the package-level plugin.Registry the LTX transport
// registers itself into. cmd/kirk wires it into the CLI's --sut flag.
var Registry = plugin.NewRegistry[sut.SUT]("sut")

func init() {
	Registry.Register("ltx", map[string]string{
		"stdin":  "path to the executor's stdin pipe (write end)",
		"stdout": "path to the executor's stdout pipe (read end)",
	}, NewFromConfig)
}

// numSlots is the size of the execution slot table: 127 individually
// addressable slots, 0 through ltx.MaxSlot inclusive (§4.3.4, Open
// Question (a) recorded in DESIGN.md).
const numSlots = ltx.MaxSlot + 1

// LTX runs commands through a companion executor process speaking the
// LTX wire protocol over a pair of pipe files.
type LTX struct {
	stdinPath  string
	stdoutPath string

	mu        sync.Mutex
	stdinFile *os.File
	stdoutFile *os.File
	client    *ltx.Client
	running   bool

	slotMu sync.Mutex
	slots  [numSlots]bool

	tainted sut.TaintedCache
}

// Config is the subset of config_help keys the LTX transport
// recognizes.
type Config struct {
	Stdin  string
	Stdout string
}

// NewFromConfig builds an LTX transport from the flat string map the
// --sut CLI flag parses (§6).
func NewFromConfig(config map[string]string) (sut.SUT, error) {
	return New(Config{Stdin: config["stdin"], Stdout: config["stdout"]})
}

// New validates cfg and constructs an LTX transport.
func New(cfg Config) (*LTX, error) {
	if cfg.Stdin == "" {
		return nil, errors.New("ltx: stdin path is empty")
	}
	if cfg.Stdout == "" {
		return nil, errors.New("ltx: stdout path is empty")
	}
	if _, err := os.Stat(cfg.Stdin); err != nil {
		return nil, errors.Errorf("ltx: stdin file doesn't exist: %s", cfg.Stdin)
	}
	if _, err := os.Stat(cfg.Stdout); err != nil {
		return nil, errors.Errorf("ltx: stdout file doesn't exist: %s", cfg.Stdout)
	}
	return &LTX{stdinPath: cfg.Stdin, stdoutPath: cfg.Stdout}, nil
}

func (l *LTX) Name() string { return "ltx" }

// Start opens the pipe files, connects the protocol client, and
// exchanges a VERSION request to confirm the executor is alive.
func (l *LTX) Start(ctx context.Context, iobuf sut.IOBuffer) error {
	if l.Running() {
		return errors.New("ltx: already running")
	}

	stdinFile, err := os.OpenFile(l.stdinPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, "ltx: opening stdin pipe")
	}
	stdoutFile, err := os.OpenFile(l.stdoutPath, os.O_RDONLY, 0)
	if err != nil {
		stdinFile.Close()
		return errors.Wrap(err, "ltx: opening stdout pipe")
	}

	client := ltx.NewClient(stdinFile, stdoutFile)
	client.Start()

	req := ltx.NewVersionRequest()
	if err := client.Send(req); err != nil {
		_ = client.Stop()
		stdinFile.Close()
		stdoutFile.Close()
		return errors.Wrap(err, "ltx: sending VERSION")
	}
	if _, err := req.Wait(ctx); err != nil {
		_ = client.Stop()
		stdinFile.Close()
		stdoutFile.Close()
		return errors.Wrap(err, "ltx: waiting for VERSION reply")
	}

	l.mu.Lock()
	l.stdinFile = stdinFile
	l.stdoutFile = stdoutFile
	l.client = client
	l.running = true
	l.mu.Unlock()

	plog.Infof("ltx: connected via %s / %s", l.stdinPath, l.stdoutPath)
	return nil
}

// Stop kills every reserved slot, disconnects the protocol client, and
// closes the pipe files.
func (l *LTX) Stop(ctx context.Context, iobuf sut.IOBuffer) error {
	if !l.Running() {
		return nil
	}

	reserved := l.reservedSlots()
	if len(reserved) > 0 {
		reqs := make([]ltx.Request, 0, len(reserved))
		for _, slot := range reserved {
			req, err := ltx.NewKillRequest(slot)
			if err != nil {
				continue
			}
			reqs = append(reqs, req)
		}
		l.mu.Lock()
		client := l.client
		l.mu.Unlock()
		if client != nil && len(reqs) > 0 {
			_ = client.Send(reqs...)
		}
	}

	l.mu.Lock()
	client := l.client
	stdinFile := l.stdinFile
	stdoutFile := l.stdoutFile
	l.running = false
	l.client = nil
	l.mu.Unlock()

	var stopErr error
	if client != nil {
		stopErr = client.Stop()
	}
	if stdinFile != nil {
		stdinFile.Close()
	}
	if stdoutFile != nil {
		stdoutFile.Close()
	}

	l.slotMu.Lock()
	for i := range l.slots {
		l.slots[i] = false
	}
	l.slotMu.Unlock()

	return stopErr
}

func (l *LTX) reservedSlots() []int {
	l.slotMu.Lock()
	defer l.slotMu.Unlock()
	var out []int
	for i, taken := range l.slots {
		if taken {
			out = append(out, i)
		}
	}
	return out
}

func (l *LTX) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *LTX) ltxClient() *ltx.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *LTX) Ping(ctx context.Context) (time.Duration, error) {
	if !l.Running() {
		return 0, errors.New("ltx: not running")
	}
	start := time.Now()
	req := ltx.NewPingRequest()
	if err := l.ltxClient().Send(req); err != nil {
		return 0, errors.Wrap(err, "ltx: sending PING")
	}
	if _, err := req.Wait(ctx); err != nil {
		return 0, errors.Wrap(err, "ltx: waiting for PONG")
	}
	return time.Since(start), nil
}

// reserveSlot finds the lowest free slot id, per the teacher's own
// lowest-index-first allocation in ltx_sut.py's _reserve_slot.
func (l *LTX) reserveSlot() (int, error) {
	l.slotMu.Lock()
	defer l.slotMu.Unlock()
	for i := range l.slots {
		if !l.slots[i] {
			l.slots[i] = true
			return i, nil
		}
	}
	return -1, errors.New("ltx: no execution slots available")
}

func (l *LTX) releaseSlot(slot int) {
	l.slotMu.Lock()
	defer l.slotMu.Unlock()
	if slot >= 0 && slot < len(l.slots) {
		l.slots[slot] = false
	}
}

// Run reserves a slot, optionally sets its cwd/env, then executes
// command, streaming LOG messages into opts.IOBuf as they arrive
// (§4.3.4, test S7).
func (l *LTX) Run(ctx context.Context, command string, opts sut.RunOptions) (sut.RunResult, error) {
	if command == "" {
		return sut.RunResult{}, errors.New("ltx: command is empty")
	}
	if !l.Running() {
		return sut.RunResult{}, errors.New("ltx: not running")
	}

	slot, err := l.reserveSlot()
	if err != nil {
		return sut.RunResult{}, err
	}
	defer l.releaseSlot(slot)

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	client := l.ltxClient()

	if opts.Cwd != "" {
		req, err := ltx.NewCwdRequest(slot, opts.Cwd)
		if err != nil {
			return sut.RunResult{}, err
		}
		if err := client.Send(req); err != nil {
			return sut.RunResult{}, errors.Wrap(err, "ltx: sending CWD")
		}
		if _, err := req.Wait(runCtx); err != nil {
			return sut.RunResult{}, errors.Wrap(err, "ltx: waiting for CWD echo")
		}
	}
	for k, v := range opts.Env {
		req, err := ltx.NewEnvRequest(slot, k, v)
		if err != nil {
			return sut.RunResult{}, err
		}
		if err := client.Send(req); err != nil {
			return sut.RunResult{}, errors.Wrap(err, "ltx: sending ENV")
		}
		if _, err := req.Wait(runCtx); err != nil {
			return sut.RunResult{}, errors.Wrap(err, "ltx: waiting for ENV echo")
		}
	}

	start := time.Now()
	req, err := ltx.NewExecRequest(slot, command, func(text string) {
		if opts.IOBuf != nil {
			_, _ = opts.IOBuf.Write([]byte(text))
		}
	})
	if err != nil {
		return sut.RunResult{}, err
	}
	if err := client.Send(req); err != nil {
		return sut.RunResult{}, errors.Wrap(err, "ltx: sending EXEC")
	}

	vals, err := req.Wait(runCtx)
	execTime := time.Since(start)
	if err != nil {
		if killReq, kerr := ltx.NewKillRequest(slot); kerr == nil {
			_ = client.Send(killReq)
		}
		return sut.RunResult{Command: command, ExecTime: execTime}, err
	}

	returnCode := -1
	if n, convErr := toInt(vals[2]); convErr == nil {
		returnCode = n
	}
	stdout, _ := vals[3].(string)

	if strings.Contains(stdout, "Kernel panic") {
		return sut.RunResult{Command: command, ReturnCode: returnCode, Stdout: stdout, ExecTime: execTime}, &sut.KernelPanicError{}
	}

	return sut.RunResult{
		Command:    command,
		ReturnCode: returnCode,
		Stdout:     stdout,
		ExecTime:   execTime,
	}, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case int:
		return n, nil
	case uint64:
		return int(n), nil
	default:
		return 0, errors.Errorf("ltx: expected an integer, got %T", v)
	}
}

// Fetch issues a GET_FILE request and returns the concatenated DATA
// chunks.
func (l *LTX) Fetch(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("ltx: target path is empty")
	}
	if !l.Running() {
		return nil, errors.New("ltx: not running")
	}

	req, err := ltx.NewGetFileRequest(path)
	if err != nil {
		return nil, err
	}
	if err := l.ltxClient().Send(req); err != nil {
		return nil, errors.Wrap(err, "ltx: sending GET_FILE")
	}
	vals, err := req.Wait(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ltx: waiting for GET_FILE reply")
	}
	data, _ := vals[1].([]byte)
	return data, nil
}

func (l *LTX) ParallelOK() bool { return true }

func (l *LTX) GetInfo(ctx context.Context) (sut.Info, error) {
	info := sut.UnknownSUTInfo()

	probe := func(cmd string) string {
		res, err := l.Run(ctx, cmd, sut.RunOptions{Timeout: 5 * time.Second})
		if err != nil || res.ReturnCode != 0 {
			return "unknown"
		}
		return strings.TrimSpace(res.Stdout)
	}

	if v := probe(`. /etc/os-release 2>/dev/null && echo "$ID"`); v != "" {
		info.Distro = v
	}
	if v := probe(`. /etc/os-release 2>/dev/null && echo "$VERSION_ID"`); v != "" {
		info.DistroVer = v
	}
	if v := probe("uname -r"); v != "" {
		info.Kernel = v
	}
	if v := probe("uname -m"); v != "" {
		info.Arch = v
	}
	if v := probe("uname -p"); v != "" {
		info.CPU = v
	}
	if v := probe(`awk '/MemTotal/ {print $2" "$3}' /proc/meminfo`); v != "" {
		info.RAM = v
	}
	if v := probe(`awk '/SwapTotal/ {print $2" "$3}' /proc/meminfo`); v != "" {
		info.Swap = v
	}
	return info, nil
}

func (l *LTX) GetTainted(ctx context.Context) (int, []string, error) {
	return l.tainted.Get(ctx, l.readTainted)
}

func (l *LTX) readTainted(ctx context.Context) (int, []string, error) {
	res, err := l.Run(ctx, "cat /proc/sys/kernel/tainted", sut.RunOptions{Timeout: 5 * time.Second})
	if err != nil {
		return 0, nil, err
	}
	code := 0
	for _, f := range strings.Fields(res.Stdout) {
		if n, convErr := strconv.Atoi(f); convErr == nil {
			code = n
		}
	}
	return code, sut.DecodeTainted(code), nil
}

func (l *LTX) LoggedAsRoot(ctx context.Context) (bool, error) {
	res, err := l.Run(ctx, "id -u", sut.RunOptions{Timeout: 5 * time.Second})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "0", nil
}
