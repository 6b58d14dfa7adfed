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

// Package ssh implements the SSH SUT transport (§4.3.2): one
// multiplexed connection, a session pool sized to the server's
// MaxSessions, and optional sudo wrapping.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/linux-test-project/kirk/network"
	"github.com/linux-test-project/kirk/plugin"
	"github.com/linux-test-project/kirk/sut"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "sut/ssh")

const (
	defaultMaxSessions  = 10
	sshdConfigReadLimit = 5 * time.Second
)

// Registry is the package-level plugin.Registry the SSH transport
// registers itself into.
var Registry = plugin.NewRegistry[sut.SUT]("sut")

func init() {
	Registry.Register("ssh", map[string]string{
		"host":        "host[:port] to connect to",
		"user":        "login user (default root)",
		"password":    "password authentication",
		"key-file":    "private key file for key authentication",
		"known-hosts": "known_hosts path; /dev/null disables verification",
		"sudo":        "wrap commands in sudo /bin/sh -c when set to any value",
		"reset-cmd":   "local command run after disconnect, on stop",
	}, func(config map[string]string) (sut.SUT, error) {
		return NewFromConfig(config)
	})
}

// Dialer abstracts net.Dial so tests can substitute an in-memory pipe.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// Config holds everything needed to establish the connection.
type Config struct {
	Host       string
	User       string
	Password   string
	KeyFile    string
	KnownHosts string // "/dev/null" disables host key verification
	Sudo       bool
	ResetCmd   string
	Dialer     Dialer
}

// NewFromConfig builds a Config from the flat k=v map the CLI passes
// plugin factories (§6 `--sut NAME[:k=v…]`).
func NewFromConfig(config map[string]string) (*SSH, error) {
	cfg := Config{
		Host:       config["host"],
		User:       config["user"],
		Password:   config["password"],
		KeyFile:    config["key-file"],
		KnownHosts: config["known-hosts"],
		Sudo:       config["sudo"] != "",
		ResetCmd:   config["reset-cmd"],
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	return New(cfg), nil
}

// SSH is the SSH SUT transport.
type SSH struct {
	cfg Config

	mu      sync.Mutex
	client  *ssh.Client
	running bool
	sem     *semaphore.Weighted
	sessLim int64
	active  map[*ssh.Session]struct{}

	tainted sut.TaintedCache
}

// New constructs an unconnected SSH transport.
func New(cfg Config) *SSH {
	if cfg.Dialer == nil {
		// A booting QEMU/SSH guest may refuse connections for a few
		// seconds; retry the TCP dial itself rather than pushing
		// every transient failure up into EnsureStart's slower
		// Start/Stop retry loop.
		cfg.Dialer = network.NewRetryDialer()
	}
	return &SSH{cfg: cfg, active: make(map[*ssh.Session]struct{})}
}

// NewWithClient wraps an already-established *ssh.Client, bypassing
// Dial. Used by tests against network/mockssh, and by callers that
// manage their own connection lifecycle.
func NewWithClient(client *ssh.Client, cfg Config) *SSH {
	s := New(cfg)
	s.client = client
	return s
}

func (s *SSH) Name() string { return "ssh" }

func (s *SSH) authMethods() ([]ssh.AuthMethod, error) {
	if s.cfg.KeyFile != "" {
		key, err := exec.Command("cat", s.cfg.KeyFile).Output()
		if err != nil {
			return nil, errors.Wrapf(err, "ssh: reading key file %s", s.cfg.KeyFile)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "ssh: parsing private key")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(s.cfg.Password)}, nil
}

func (s *SSH) hostKeyCallback() ssh.HostKeyCallback {
	if s.cfg.KnownHosts == "/dev/null" || s.cfg.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	cb, err := knownHostsCallback(s.cfg.KnownHosts)
	if err != nil {
		plog.Warningf("ssh: falling back to insecure host key check: %v", err)
		return ssh.InsecureIgnoreHostKey()
	}
	return cb
}

// Start dials the connection once and sizes the session semaphore to
// the peer's sshd_config MaxSessions (fallback defaultMaxSessions).
func (s *SSH) Start(ctx context.Context, iobuf sut.IOBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		auth, err := s.authMethods()
		if err != nil {
			return err
		}
		addr := s.cfg.Host
		if !strings.Contains(addr, ":") {
			addr += ":22"
		}
		conn, err := s.cfg.Dialer.Dial("tcp", addr)
		if err != nil {
			return errors.Wrapf(&sut.CommunicationError{Cause: err}, "ssh: dialing %s", addr)
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
			User:            s.cfg.User,
			Auth:            auth,
			HostKeyCallback: s.hostKeyCallback(),
		})
		if err != nil {
			return errors.Wrap(&sut.CommunicationError{Cause: err}, "ssh: handshake")
		}
		s.client = ssh.NewClient(sshConn, chans, reqs)
	}

	s.sessLim = s.readMaxSessions(ctx)
	s.sem = semaphore.NewWeighted(s.sessLim)
	s.running = true
	return nil
}

var maxSessionsRe = regexp.MustCompile(`(?m)^\s*MaxSessions\s+(\d+)\s*$`)

// readMaxSessions reads /etc/ssh/sshd_config over the connection,
// bounded by sshdConfigReadLimit, falling back to defaultMaxSessions on
// any failure (§4.3.2).
func (s *SSH) readMaxSessions(ctx context.Context) int64 {
	readCtx, cancel := context.WithTimeout(ctx, sshdConfigReadLimit)
	defer cancel()

	session, err := s.client.NewSession()
	if err != nil {
		return defaultMaxSessions
	}
	defer session.Close()

	done := make(chan struct{})
	var out []byte
	go func() {
		out, err = session.CombinedOutput("cat /etc/ssh/sshd_config")
		close(done)
	}()

	select {
	case <-done:
	case <-readCtx.Done():
		return defaultMaxSessions
	}
	if err != nil {
		return defaultMaxSessions
	}

	m := maxSessionsRe.FindSubmatch(out)
	if m == nil {
		return defaultMaxSessions
	}
	n, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil || n <= 0 {
		return defaultMaxSessions
	}
	return n
}

// Stop kills every outstanding session, closes the connection, then
// (per the Open Question decision in DESIGN.md: channels fully closed
// before reset_cmd runs) executes the configured local reset command.
func (s *SSH) Stop(ctx context.Context, iobuf sut.IOBuffer) error {
	s.mu.Lock()
	client := s.client
	sessions := make([]*ssh.Session, 0, len(s.active))
	for sess := range s.active {
		sessions = append(sessions, sess)
	}
	s.running = false
	s.client = nil
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
	}
	if client != nil {
		_ = client.Close()
	}

	if s.cfg.ResetCmd != "" {
		parts, err := shellquote.Split(s.cfg.ResetCmd)
		if err != nil || len(parts) == 0 {
			return errors.Wrap(err, "ssh: parsing reset_cmd")
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		if iobuf != nil {
			cmd.Stdout = iobuf
			cmd.Stderr = iobuf
		}
		if err := cmd.Run(); err != nil {
			plog.Warningf("ssh: reset_cmd failed: %v", err)
		}
	}
	return nil
}

func (s *SSH) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Ping opens and immediately closes a session to measure round-trip
// latency.
func (s *SSH) Ping(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return 0, errors.New("ssh: not connected")
	}

	start := time.Now()
	session, err := client.NewSession()
	if err != nil {
		return 0, errors.Wrap(&sut.CommunicationError{Cause: err}, "ssh: ping")
	}
	defer session.Close()
	return time.Since(start), nil
}

func (s *SSH) buildCommand(cmd string, opts sut.RunOptions) string {
	var b strings.Builder
	if opts.Cwd != "" {
		b.WriteString("cd " + shellquote.Join(opts.Cwd) + " && ")
	}
	for k, v := range opts.Env {
		b.WriteString(fmt.Sprintf("export %s=%s; ", k, shellquote.Join(v)))
	}
	b.WriteString(cmd)
	script := b.String()
	if s.cfg.Sudo {
		return "sudo /bin/sh -c " + shellquote.Join(script)
	}
	return script
}

// Run acquires one session-pool permit, opens a session, and streams
// its stdout into opts.IOBuf while scanning for "Kernel panic" (§4.3.2).
func (s *SSH) Run(ctx context.Context, cmd string, opts sut.RunOptions) (sut.RunResult, error) {
	s.mu.Lock()
	client, sem := s.client, s.sem
	s.mu.Unlock()
	if client == nil {
		return sut.RunResult{}, errors.New("ssh: not connected")
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return sut.RunResult{}, err
	}
	defer sem.Release(1)

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return sut.RunResult{}, errors.Wrap(&sut.CommunicationError{Cause: err}, "ssh: opening session")
	}

	s.mu.Lock()
	s.active[session] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, session)
		s.mu.Unlock()
		session.Close()
	}()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return sut.RunResult{}, errors.Wrap(err, "ssh: stdout pipe")
	}
	session.Stderr = session.Stdout

	script := s.buildCommand(cmd, opts)
	start := time.Now()
	if err := session.Start(script); err != nil {
		return sut.RunResult{}, errors.Wrap(err, "ssh: starting command")
	}

	var captured bytes.Buffer
	var writer io.Writer = &captured
	if opts.IOBuf != nil {
		writer = io.MultiWriter(&captured, opts.IOBuf)
	}

	panicked := false
	buf := make([]byte, 4096)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			writer.Write(buf[:n])
			if bytes.Contains(captured.Bytes(), []byte("Kernel panic")) {
				panicked = true
			}
		}
		if rerr != nil {
			break
		}
		select {
		case <-runCtx.Done():
			_ = session.Signal(ssh.SIGKILL)
			return sut.RunResult{ReturnCode: -1, Stdout: captured.String()}, runCtx.Err()
		default:
		}
	}

	waitErr := session.Wait()
	execTime := time.Since(start)

	returnCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*ssh.ExitError); ok {
			returnCode = exitErr.ExitStatus()
		} else if runCtx.Err() != nil {
			return sut.RunResult{Command: cmd, ReturnCode: -1, Stdout: captured.String(), ExecTime: execTime}, runCtx.Err()
		} else {
			returnCode = -1
		}
	}

	result := sut.RunResult{Command: cmd, ReturnCode: returnCode, Stdout: captured.String(), ExecTime: execTime}
	if panicked {
		return result, errors.Wrap(&sut.KernelPanicError{}, "ssh: kernel panic observed")
	}
	return result, nil
}

// Fetch runs `cat path` over SSH and returns the raw bytes.
func (s *SSH) Fetch(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, errors.New("ssh: not connected")
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	session, err := client.NewSession()
	if err != nil {
		return nil, errors.Wrap(&sut.CommunicationError{Cause: err}, "ssh: opening session")
	}
	defer session.Close()

	cmd := "cat " + shellquote.Join(path)
	if s.cfg.Sudo {
		cmd = "sudo /bin/sh -c " + shellquote.Join(cmd)
	}
	out, err := session.Output(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "ssh: fetching %s", path)
	}
	return out, nil
}

func (s *SSH) ParallelOK() bool { return true }

func (s *SSH) GetInfo(ctx context.Context) (sut.Info, error) {
	info := sut.UnknownSUTInfo()
	probe := func(cmd string) string {
		res, err := s.Run(ctx, cmd, sut.RunOptions{Timeout: 1500 * time.Millisecond})
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

func (s *SSH) GetTainted(ctx context.Context) (int, []string, error) {
	return s.tainted.Get(ctx, s.readTainted)
}

func (s *SSH) readTainted(ctx context.Context) (int, []string, error) {
	res, err := s.Run(ctx, "cat /proc/sys/kernel/tainted", sut.RunOptions{Timeout: 1500 * time.Millisecond})
	if err != nil {
		return 0, nil, errors.Wrap(err, "ssh: reading tainted")
	}
	code, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, nil, nil
	}
	return code, sut.DecodeTainted(code), nil
}

func (s *SSH) LoggedAsRoot(ctx context.Context) (bool, error) {
	res, err := s.Run(ctx, "id -u", sut.RunOptions{Timeout: 1500 * time.Millisecond})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "0", nil
}
