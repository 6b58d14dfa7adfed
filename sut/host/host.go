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

// Package host implements the Host SUT transport (§4.3.1): it runs
// tests as local subprocesses of the Kirk process itself.
package host

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/linux-test-project/kirk/plugin"
	"github.com/linux-test-project/kirk/sut"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "sut/host")

// killGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL, mirroring the teacher's process-group teardown pattern in
// mantle/system/exec.
const killGrace = 5 * time.Second

// Registry is the package-level plugin.Registry SUTs registers
// themselves into. cmd/kirk wires it into the CLI's --sut flag.
var Registry = plugin.NewRegistry[sut.SUT]("sut")

func init() {
	Registry.Register("host", map[string]string{}, func(config map[string]string) (sut.SUT, error) {
		return New(), nil
	})
}

// Host runs commands as local child processes. Parallel safe: every
// Run spawns its own process, so concurrent calls never share state.
type Host struct {
	mu      sync.Mutex
	running bool
	procs   map[*exec.Cmd]struct{}
	tainted sut.TaintedCache
}

// New constructs a Host transport.
func New() *Host {
	return &Host{procs: make(map[*exec.Cmd]struct{})}
}

func (h *Host) Name() string { return "host" }

// Start has nothing to dial or boot; it just flips the running flag.
func (h *Host) Start(ctx context.Context, iobuf sut.IOBuffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	return nil
}

// Stop sends SIGTERM to any outstanding tracked process, escalating to
// SIGKILL after killGrace.
func (h *Host) Stop(ctx context.Context, iobuf sut.IOBuffer) error {
	h.mu.Lock()
	procs := make([]*exec.Cmd, 0, len(h.procs))
	for p := range h.procs {
		procs = append(procs, p)
	}
	h.running = false
	h.mu.Unlock()

	for _, p := range procs {
		terminate(p)
	}
	return nil
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Ping always succeeds immediately: there is no network hop to the
// local host.
func (h *Host) Ping(ctx context.Context) (time.Duration, error) {
	return 0, nil
}

// Run spawns cmd as a child process, streaming stdout line by line into
// opts.IOBuf while also capturing it (§4.3.1).
func (h *Host) Run(ctx context.Context, command string, opts sut.RunOptions) (sut.RunResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if opts.Cwd != "" {
		c.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		env := os.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		c.Env = env
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return sut.RunResult{}, errors.Wrap(err, "host: creating stdout pipe")
	}
	c.Stderr = c.Stdout

	start := time.Now()
	if err := c.Start(); err != nil {
		return sut.RunResult{}, errors.Wrap(err, "host: starting command")
	}

	h.mu.Lock()
	h.procs[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.procs, c)
		h.mu.Unlock()
	}()

	var captured strings.Builder
	var writer io.Writer = &captured
	if opts.IOBuf != nil {
		writer = io.MultiWriter(&captured, opts.IOBuf)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := writer.Write([]byte(line + "\n")); err != nil {
			plog.Warningf("host: writing to IOBuffer: %v", err)
		}
	}

	waitErr := c.Wait()
	execTime := time.Since(start)

	returnCode := 0
	if waitErr != nil {
		if runCtx.Err() != nil {
			return sut.RunResult{
				Command:    command,
				ReturnCode: -1,
				Stdout:     captured.String(),
				ExecTime:   execTime,
			}, runCtx.Err()
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
		} else {
			return sut.RunResult{}, errors.Wrap(waitErr, "host: command failed")
		}
	}

	if strings.Contains(captured.String(), "Kernel panic") {
		return sut.RunResult{
			Command:    command,
			ReturnCode: returnCode,
			Stdout:     captured.String(),
			ExecTime:   execTime,
		}, &sut.KernelPanicError{}
	}

	return sut.RunResult{
		Command:    command,
		ReturnCode: returnCode,
		Stdout:     captured.String(),
		ExecTime:   execTime,
	}, nil
}

// Fetch reads path directly off the local filesystem.
func (h *Host) Fetch(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "host: fetching %s", path)
	}
	return data, nil
}

func (h *Host) ParallelOK() bool { return true }

func (h *Host) GetInfo(ctx context.Context) (sut.Info, error) {
	info := sut.UnknownSUTInfo()

	probe := func(cmd string) string {
		res, err := h.Run(ctx, cmd, sut.RunOptions{Timeout: 1500 * time.Millisecond})
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

func (h *Host) GetTainted(ctx context.Context) (int, []string, error) {
	return h.tainted.Get(ctx, h.readTainted)
}

func (h *Host) readTainted(ctx context.Context) (int, []string, error) {
	data, err := os.ReadFile("/proc/sys/kernel/tainted")
	if err != nil {
		return 0, nil, errors.Wrap(err, "host: reading tainted")
	}
	code := 0
	for _, b := range strings.Fields(string(data)) {
		if n, convErr := strconv.Atoi(b); convErr == nil {
			code = n
		}
	}
	return code, sut.DecodeTainted(code), nil
}

func (h *Host) LoggedAsRoot(ctx context.Context) (bool, error) {
	return os.Geteuid() == 0, nil
}
