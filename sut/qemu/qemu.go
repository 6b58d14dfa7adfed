// Copyright 2019 Red Hat
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

// Package qemu implements the QEMU SUT transport (§4.3.3): it spawns
// qemu-system-<arch> with a serial console and drives the boot prompt
// and command execution by parsing the raw console stream, the way an
// operator typing into a terminal would.
package qemu

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/linux-test-project/kirk/plugin"
	"github.com/linux-test-project/kirk/sut"
	kexec "github.com/linux-test-project/kirk/system/exec"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "sut/qemu")

// Registry is the package-level plugin.Registry QEMU registers itself
// into. cmd/kirk wires it into the CLI's --sut flag.
var Registry = plugin.NewRegistry[sut.SUT]("sut")

func init() {
	Registry.Register("qemu", map[string]string{
		"image":   "qemu disk image location",
		"kernel":  "kernel image location (direct kernel boot)",
		"initrd":  "initrd image location (direct kernel boot)",
		"user":    "login user name",
		"password": "login user password",
		"prompt":  "shell prompt string (default: '#')",
		"system":  "qemu-system-<system> architecture (default: x86_64)",
		"ram":     "VM RAM, e.g. 2G (default: 2G)",
		"smp":     "VM vCPU count (default: 2)",
		"serial":  "transport channel type, isa|virtio (default: isa)",
		"virtfs":  "host directory to mount inside the VM via 9p",
		"options": "extra literal qemu-system-<arch> options",
		"tmpdir":  "directory for console/transport scratch files (default: os.TempDir())",
	}, NewFromConfig)
}

// pollChunk is the read size used for both console polling and the
// post-panic drain step (scaled up separately, see waitFor).
const pollChunk = 4096

// QEMU drives a qemu-system-<arch> guest over its primary serial
// console, using a second serial channel as a one-way file transport
// for Fetch (§4.3.3).
type QEMU struct {
	system   string
	image    string
	kernel   string
	initrd   string
	user     string
	password string
	prompt   string
	ram      string
	smp      string
	virtfs   string
	serial   string
	options  string
	tmpdir   string

	commMu  sync.Mutex
	cmdMu   sync.Mutex
	fetchMu sync.Mutex

	mu         sync.Mutex
	proc       *kexec.ExecCmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	running    bool
	loggedIn   bool
	stopping   bool
	panicked   bool
	pending    string // unconsumed bytes left over from the last waitFor
	transport  string
	lastPos    int64

	tainted sut.TaintedCache
}

// Config is the subset of config_help keys QEMU recognizes.
type Config struct {
	System   string
	Image    string
	Kernel   string
	Initrd   string
	User     string
	Password string
	Prompt   string
	RAM      string
	SMP      string
	Serial   string
	Virtfs   string
	Options  string
	TmpDir   string
}

// NewFromConfig builds a QEMU transport from the flat string map the
// --sut CLI flag parses (§6).
func NewFromConfig(config map[string]string) (sut.SUT, error) {
	cfg := Config{
		System: config["system"],
		Image:  config["image"],
		Kernel: config["kernel"],
		Initrd: config["initrd"],
		User:   config["user"],
		Password: config["password"],
		Prompt:   config["prompt"],
		RAM:      config["ram"],
		SMP:      config["smp"],
		Serial:   config["serial"],
		Virtfs:   config["virtfs"],
		Options:  config["options"],
		TmpDir:   config["tmpdir"],
	}
	return New(cfg)
}

// New validates cfg and constructs a QEMU transport, applying the same
// defaults and preflight checks as libkirk's QemuSUT.setup.
func New(cfg Config) (*QEMU, error) {
	if cfg.System == "" {
		cfg.System = "x86_64"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "#"
	}
	if cfg.RAM == "" {
		cfg.RAM = "2G"
	}
	if cfg.SMP == "" {
		cfg.SMP = "2"
	}
	if cfg.Serial == "" {
		cfg.Serial = "isa"
	}
	if cfg.Serial != "isa" && cfg.Serial != "virtio" {
		return nil, errors.New("qemu: serial must be isa or virtio")
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if fi, err := os.Stat(cfg.TmpDir); err != nil || !fi.IsDir() {
		return nil, errors.Errorf("qemu: tmpdir doesn't exist: %s", cfg.TmpDir)
	}
	if cfg.Image != "" {
		if _, err := os.Stat(cfg.Image); err != nil {
			return nil, errors.Errorf("qemu: image doesn't exist: %s", cfg.Image)
		}
	}
	if cfg.Kernel != "" {
		if _, err := os.Stat(cfg.Kernel); err != nil {
			return nil, errors.Errorf("qemu: kernel doesn't exist: %s", cfg.Kernel)
		}
	}
	if cfg.Initrd != "" {
		if _, err := os.Stat(cfg.Initrd); err != nil {
			return nil, errors.Errorf("qemu: initrd doesn't exist: %s", cfg.Initrd)
		}
	}
	if cfg.Virtfs != "" {
		if fi, err := os.Stat(cfg.Virtfs); err != nil || !fi.IsDir() {
			return nil, errors.Errorf("qemu: virtfs directory doesn't exist: %s", cfg.Virtfs)
		}
	}

	return &QEMU{
		system:   cfg.System,
		image:    cfg.Image,
		kernel:   cfg.Kernel,
		initrd:   cfg.Initrd,
		user:     cfg.User,
		password: cfg.Password,
		prompt:   cfg.Prompt,
		ram:      cfg.RAM,
		smp:      cfg.SMP,
		virtfs:   cfg.Virtfs,
		serial:   cfg.Serial,
		options:  cfg.Options,
		tmpdir:   cfg.TmpDir,
	}, nil
}

func (q *QEMU) Name() string { return "qemu" }

func (q *QEMU) transportDev() string {
	if q.serial == "virtio" {
		return "/dev/vport1p1"
	}
	return "/dev/ttyS1"
}

func (q *QEMU) args() []string {
	pid := os.Getpid()
	ttyLog := fmt.Sprintf("%s/ttyS0-%d.log", q.tmpdir, pid)
	q.transport = fmt.Sprintf("%s/transport-%d", q.tmpdir, pid)

	args := []string{
		"-enable-kvm",
		"-display", "none",
		"-m", q.ram,
		"-smp", q.smp,
		"-device", "virtio-rng-pci",
		"-chardev", "stdio,id=tty,logfile=" + ttyLog,
	}

	switch q.serial {
	case "isa":
		args = append(args, "-serial", "chardev:tty", "-serial", "chardev:transport")
	case "virtio":
		args = append(args,
			"-device", "virtio-serial",
			"-device", "virtconsole,chardev=tty",
			"-device", "virtserialport,chardev=transport")
	}
	args = append(args, "-chardev", "file,id=transport,path="+q.transport)

	if q.virtfs != "" {
		args = append(args, "-virtfs",
			fmt.Sprintf("local,path=%s,mount_tag=host0,security_model=mapped-xattr,readonly=on", q.virtfs))
	}
	if q.image != "" {
		args = append(args, "-drive", "if=virtio,cache=unsafe,file="+q.image)
	}
	if q.initrd != "" {
		args = append(args, "-initrd", q.initrd)
	}
	if q.kernel != "" {
		console := "ttyS0"
		if q.serial == "virtio" {
			console = "hvc0"
		}
		args = append(args, "-append", "console="+console+" ignore_loglevel", "-kernel", q.kernel)
	}
	if q.options != "" {
		args = append(args, strings.Fields(q.options)...)
	}
	return args
}

// Start spawns the qemu-system-<arch> process and drives it through
// the login/password/prompt sequence, disabling console echo and
// dmesg noise before the first command is sent.
func (q *QEMU) Start(ctx context.Context, iobuf sut.IOBuffer) error {
	if _, err := kexec.LookPath("qemu-system-" + q.system); err != nil {
		return errors.Errorf("qemu: command not found: qemu-system-%s", q.system)
	}
	if q.Running() {
		return errors.New("qemu: already running")
	}

	q.commMu.Lock()
	defer q.commMu.Unlock()

	q.mu.Lock()
	q.loggedIn = false
	q.stopping = false
	q.pending = ""
	cmd := kexec.Command("qemu-system-"+q.system, q.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		q.mu.Unlock()
		return errors.Wrap(err, "qemu: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		q.mu.Unlock()
		return errors.Wrap(err, "qemu: stdout pipe")
	}
	cmd.StderrPipe() // discarded; tty log captures combined output already

	plog.Infof("starting qemu-system-%s", q.system)
	if err := cmd.Start(); err != nil {
		q.mu.Unlock()
		return errors.Wrap(err, "qemu: starting process")
	}
	q.proc = cmd
	q.stdin = stdin
	q.stdout = bufio.NewReaderSize(stdout, pollChunk)
	q.running = true
	q.mu.Unlock()

	loginErr := q.login(ctx, iobuf)
	if loginErr != nil {
		if !q.stopping {
			_ = q.Stop(ctx, iobuf)
		}
		return loginErr
	}
	plog.Infof("qemu-system-%s started", q.system)
	return nil
}

func (q *QEMU) login(ctx context.Context, iobuf sut.IOBuffer) error {
	if q.user != "" {
		if _, err := q.waitFor(ctx, "login:", iobuf); err != nil {
			return err
		}
		if err := q.writeStdin(q.user + "\n"); err != nil {
			return err
		}
		if q.password != "" {
			if _, err := q.waitFor(ctx, "Password:", iobuf); err != nil {
				return err
			}
			if err := q.writeStdin(q.password + "\n"); err != nil {
				return err
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	if _, err := q.waitFor(ctx, q.prompt, iobuf); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)

	if err := q.writeStdin("stty -echo; stty cols 1024\n"); err != nil {
		return err
	}
	if _, err := q.waitFor(ctx, q.prompt, nil); err != nil {
		return err
	}

	if err := q.writeStdin("dmesg -D\n"); err != nil {
		return err
	}
	if _, err := q.waitFor(ctx, q.prompt, nil); err != nil {
		return err
	}

	_, retcode, _, err := q.exec(ctx, "export PS1=''", nil)
	if err != nil {
		return err
	}
	if retcode != 0 {
		return errors.New("qemu: can't setup prompt string")
	}

	if q.virtfs != "" {
		_, retcode, _, err := q.exec(ctx, "mount -t 9p -o trans=virtio host0 /mnt", nil)
		if err != nil {
			return err
		}
		if retcode != 0 {
			return errors.New("qemu: failed to mount virtfs")
		}
	}

	q.mu.Lock()
	q.loggedIn = true
	q.mu.Unlock()
	return nil
}

// Stop interrupts any in-flight command, then powers the guest off
// cleanly if it logged in, or kills the process outright (§4.3.3).
func (q *QEMU) Stop(ctx context.Context, iobuf sut.IOBuffer) error {
	if !q.Running() {
		return nil
	}

	q.mu.Lock()
	q.stopping = true
	panicked := q.panicked
	loggedIn := q.loggedIn
	proc := q.proc
	q.mu.Unlock()

	plog.Infof("shutting down virtual machine")

	if !panicked {
		_ = q.writeStdin("\x03")
		// Wait for any in-flight Run/Fetch to notice stopping and
		// release their locks before we touch the console further.
		q.cmdMu.Lock()
		q.cmdMu.Unlock()
		q.fetchMu.Lock()
		q.fetchMu.Unlock()

		if loggedIn {
			plog.Infof("poweroff virtual machine")
			_ = q.writeStdin("poweroff; poweroff -f\n")
			for q.Running() {
				if _, err := q.readStdout(ctx, pollChunk, iobuf); err != nil {
					break
				}
			}
		}
	}

	if q.Running() && proc != nil {
		plog.Infof("killing virtual machine")
		_ = proc.Kill()
	}

	q.mu.Lock()
	q.running = false
	q.stopping = false
	q.panicked = false
	q.mu.Unlock()

	plog.Infof("qemu process ended")
	return nil
}

func (q *QEMU) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *QEMU) Ping(ctx context.Context) (time.Duration, error) {
	if !q.Running() {
		return 0, errors.New("qemu: not running")
	}
	_, _, execTime, err := q.exec(ctx, "test .", nil)
	return execTime, err
}

func (q *QEMU) readStdout(ctx context.Context, size int, iobuf sut.IOBuffer) (string, error) {
	buf := make([]byte, size)
	n, err := q.stdout.Read(buf)
	if n > 0 {
		data := string(buf[:n])
		if iobuf != nil {
			_, _ = iobuf.Write([]byte(data))
		}
		return data, nil
	}
	return "", err
}

func (q *QEMU) writeStdin(data string) error {
	q.mu.Lock()
	stdin := q.stdin
	q.mu.Unlock()
	if stdin == nil {
		return nil
	}
	_, err := stdin.Write([]byte(data))
	if err != nil && !q.stoppingNow() {
		return errors.Wrap(err, "qemu: writing stdin")
	}
	return nil
}

func (q *QEMU) stoppingNow() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopping
}

// waitFor blocks until message appears in the console stream, a panic
// is observed, or the transport stops. It mirrors QemuSUT._wait_for:
// on "Kernel panic" it sets a sticky flag, drains up to 1 MiB more
// output to capture the full trace, then fails with KernelPanicError.
func (q *QEMU) waitFor(ctx context.Context, message string, iobuf sut.IOBuffer) (string, error) {
	if !q.Running() {
		return "", errors.New("qemu: not running")
	}

	stdout := q.pending
	for {
		if q.stoppingNow() {
			return "", errors.New("qemu: stopped")
		}
		if !q.Running() {
			break
		}

		if idx := strings.Index(stdout, message); idx != -1 {
			q.pending = stdout[idx+len(message):]
			return stdout, nil
		}

		data, err := q.readStdout(ctx, pollChunk, iobuf)
		if data != "" {
			stdout += data
		}
		if err != nil {
			break
		}

		if strings.Contains(stdout, "Kernel panic") {
			time.Sleep(2 * time.Second)
			drain, _ := q.readStdout(ctx, 1024*1024, iobuf)
			stdout += drain

			q.mu.Lock()
			q.panicked = true
			q.mu.Unlock()
			return "", &sut.KernelPanicError{}
		}
	}
	return stdout, nil
}

func nonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:10]
}

// exec sends command followed by a nonce-terminated "echo $?-<nonce>",
// then reads until the nonce sentinel appears, parsing the matching
// return code out of the trailing "<code>-<nonce>" group (§4.3.3).
func (q *QEMU) exec(ctx context.Context, command string, iobuf sut.IOBuffer) (string, int, time.Duration, error) {
	code := nonce()
	start := time.Now()

	if err := q.writeStdin(command + "; echo $?-" + code + "\n"); err != nil {
		return "", -1, time.Since(start), err
	}

	stdout, err := q.waitFor(ctx, code, iobuf)
	execTime := time.Since(start)
	if err != nil {
		return "", -1, execTime, err
	}
	if q.stoppingNow() {
		return "", -1, execTime, nil
	}

	body, retcode, err := parseExecReply(stdout, code)
	if err != nil {
		return "", -1, execTime, err
	}
	return body, retcode, execTime, nil
}

// parseExecReply splits the raw console capture for a single exec
// call into its command output and return code. The reply is expected
// to contain "<retcode>-<code>" appended by the "echo $?-<code>"
// sentinel; everything before that, minus one leading newline left by
// the echoed command, is the command's own output.
func parseExecReply(stdout, code string) (string, int, error) {
	if strings.TrimSpace(stdout) == "" {
		return stdout, -1, nil
	}

	re := regexp.MustCompile(`(\d+)-` + regexp.QuoteMeta(code))
	loc := re.FindStringSubmatchIndex(stdout)
	if loc == nil {
		return "", -1, errors.Errorf("qemu: can't read return code from reply %q", stdout)
	}

	retcode := -1
	if n, convErr := strconv.Atoi(stdout[loc[2]:loc[3]]); convErr == nil {
		retcode = n
	}

	body := stdout[:loc[0]]
	if strings.HasPrefix(body, "\n") {
		body = body[1:]
	}

	return body, retcode, nil
}

// Run cds, exports env, then executes command, mirroring
// QemuSUT.run_command's sequential setup calls (§4.3.3).
func (q *QEMU) Run(ctx context.Context, command string, opts sut.RunOptions) (sut.RunResult, error) {
	if !q.Running() {
		return sut.RunResult{}, errors.New("qemu: not running")
	}

	q.cmdMu.Lock()
	defer q.cmdMu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.Cwd != "" {
		stdout, retcode, _, err := q.exec(runCtx, "cd "+opts.Cwd, nil)
		if err != nil {
			return sut.RunResult{}, err
		}
		if retcode != 0 {
			return sut.RunResult{}, errors.Errorf("qemu: can't set cwd: %s", stdout)
		}
	}
	for k, v := range opts.Env {
		stdout, retcode, _, err := q.exec(runCtx, "export "+k+"="+v, nil)
		if err != nil {
			return sut.RunResult{}, err
		}
		if retcode != 0 {
			return sut.RunResult{}, errors.Errorf("qemu: can't set env %s=%s: %s", k, v, stdout)
		}
	}

	stdout, retcode, execTime, err := q.exec(runCtx, command, opts.IOBuf)
	result := sut.RunResult{
		Command:    command,
		ReturnCode: retcode,
		Stdout:     stdout,
		ExecTime:   execTime,
	}
	if err != nil {
		if _, ok := err.(*sut.KernelPanicError); ok {
			return result, err
		}
		if runCtx.Err() != nil {
			return result, runCtx.Err()
		}
		return result, &sut.CommunicationError{Cause: err}
	}
	return result, nil
}

// Fetch pipes path through the secondary serial device into a
// host-side file, then reads the new bytes back incrementally from
// the last cursor position (§4.3.3), so repeated fetches of a growing
// file don't re-read what was already retrieved.
func (q *QEMU) Fetch(ctx context.Context, path string) ([]byte, error) {
	if !q.Running() {
		return nil, errors.New("qemu: not running")
	}

	q.fetchMu.Lock()
	defer q.fetchMu.Unlock()

	_, retcode, _, err := q.exec(ctx, "test -f "+path, nil)
	if err != nil {
		return nil, err
	}
	if retcode != 0 {
		return nil, errors.Errorf("qemu: %q doesn't exist", path)
	}

	dev := q.transportDev()
	_, retcode, _, err = q.exec(ctx, "cat "+path+" > "+dev, nil)
	if err != nil {
		return nil, err
	}
	if q.stoppingNow() {
		return nil, nil
	}
	if retcode != 0 && retcode != 1 && retcode != 9 {
		return nil, errors.Errorf("qemu: can't send file to %s", dev)
	}

	fi, err := os.Stat(q.transport)
	if err != nil {
		return nil, errors.Wrap(err, "qemu: stat transport file")
	}
	size := fi.Size()

	f, err := os.Open(q.transport)
	if err != nil {
		return nil, errors.Wrap(err, "qemu: opening transport file")
	}
	defer f.Close()

	var out []byte
	buf := make([]byte, 4096)
	for !q.stoppingNow() && q.lastPos < size {
		if _, err := f.Seek(q.lastPos, io.SeekStart); err != nil {
			return nil, err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			q.lastPos += int64(n)
		}
		if rerr != nil {
			break
		}
	}

	plog.Infof("file downloaded: %s", path)
	return out, nil
}

func (q *QEMU) ParallelOK() bool { return false }

func (q *QEMU) GetInfo(ctx context.Context) (sut.Info, error) {
	info := sut.UnknownSUTInfo()

	probe := func(cmd string) string {
		res, err := q.Run(ctx, cmd, sut.RunOptions{Timeout: 5 * time.Second})
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

func (q *QEMU) GetTainted(ctx context.Context) (int, []string, error) {
	return q.tainted.Get(ctx, q.readTainted)
}

func (q *QEMU) readTainted(ctx context.Context) (int, []string, error) {
	res, err := q.Run(ctx, "cat /proc/sys/kernel/tainted", sut.RunOptions{Timeout: 5 * time.Second})
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

func (q *QEMU) LoggedAsRoot(ctx context.Context) (bool, error) {
	res, err := q.Run(ctx, "id -u", sut.RunOptions{Timeout: 5 * time.Second})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "0", nil
}
