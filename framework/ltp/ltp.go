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

// Package ltp implements the reference Framework adapter (§4.4) for the
// Linux Test Project: runtest-file suite enumeration, ltp.json metadata
// driven parallelizability, and Summary:/TPASS-block result parsing.
package ltp

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/linux-test-project/kirk/data"
	fw "github.com/linux-test-project/kirk/framework"
	"github.com/linux-test-project/kirk/plugin"
	"github.com/linux-test-project/kirk/results"
	"github.com/linux-test-project/kirk/sut"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "framework/ltp")

// Registry is the package-level plugin.Registry the LTP framework
// registers itself into. cmd/kirk wires it into the CLI's --framework
// flag.
var Registry = plugin.NewRegistry[fw.Framework]("framework")

func init() {
	Registry.Register("ltp", map[string]string{
		"root":        "LTP install folder (default /opt/ltp)",
		"max_runtime": "filter out all tests above this time value in seconds",
	}, NewFromConfig)
}

// parallelBlacklist is the set of ltp.json metadata flags that make a
// test unsafe to run concurrently with others (§4.4).
var parallelBlacklist = []string{
	"needs_root",
	"needs_device",
	"mount_device",
	"mntpoint",
	"resource_file",
	"format_device",
	"save_restore",
	"max_runtime",
}

// testMetadata is one ltp.json entry, decoded loosely since the fields
// present vary by test and only their presence (not value) matters for
// most of the blacklist.
type testMetadata map[string]interface{}

type metadataFile struct {
	Tests map[string]testMetadata `yaml:"tests"`
}

// LTP is the Framework implementation described above.
type LTP struct {
	root       string
	env        map[string]string
	maxRuntime float64
}

// Config is the subset of config_help keys the LTP framework
// recognizes.
type Config struct {
	Root       string
	MaxRuntime float64
}

// NewFromConfig builds an LTP framework from the flat string map the
// --framework CLI flag parses (§6).
func NewFromConfig(config map[string]string) (fw.Framework, error) {
	cfg := Config{Root: config["root"]}
	if v := config["max_runtime"]; v != "" {
		runtime, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.Wrap(err, "ltp: max_runtime must be a number")
		}
		cfg.MaxRuntime = runtime
	}
	return New(cfg), nil
}

// New builds an LTP framework, defaulting root to /opt/ltp as the
// original implementation does.
func New(cfg Config) *LTP {
	root := cfg.Root
	if root == "" {
		root = "/opt/ltp"
	}
	return &LTP{
		root: root,
		env: map[string]string{
			"LTPROOT":            root,
			"TMPDIR":             "/tmp",
			"LTP_COLORIZE_OUTPUT": "1",
		},
		maxRuntime: cfg.MaxRuntime,
	}
}

func (l *LTP) Name() string { return "ltp" }

func (l *LTP) tcFolder() string { return path.Join(l.root, "testcases", "bin") }

// readPath mirrors _read_path: appends the testcases/bin folder onto
// whatever PATH the SUT already has.
func (l *LTP) readPath(ctx context.Context, s sut.SUT) (map[string]string, error) {
	env := make(map[string]string, len(l.env)+1)
	for k, v := range l.env {
		env[k] = v
	}

	res, err := s.Run(ctx, "echo -n $PATH", sut.RunOptions{Timeout: 10 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "ltp: reading PATH")
	}
	if res.ReturnCode != 0 {
		return nil, &fw.Error{Cause: errors.New("can't read PATH variable")}
	}
	env["PATH"] = strings.TrimSpace(res.Stdout) + ":" + l.tcFolder()
	return env, nil
}

func (l *LTP) GetSuites(ctx context.Context, s sut.SUT) ([]string, error) {
	if s == nil {
		return nil, errors.New("ltp: SUT is nil")
	}

	if err := l.requireDir(ctx, s, l.root); err != nil {
		return nil, err
	}

	runtestDir := path.Join(l.root, "runtest")
	if err := l.requireDir(ctx, s, runtestDir); err != nil {
		return nil, err
	}

	res, err := s.Run(ctx, fmt.Sprintf("ls --format=single-column %s", shellquote.Join(runtestDir)), sut.RunOptions{Timeout: 30 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "ltp: listing runtest folder")
	}
	if res.ReturnCode != 0 {
		return nil, &fw.Error{Cause: errors.Errorf("command failed with: %s", res.Stdout)}
	}

	var suites []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line != "" {
			suites = append(suites, line)
		}
	}
	return suites, nil
}

func (l *LTP) requireDir(ctx context.Context, s sut.SUT, dir string) error {
	res, err := s.Run(ctx, fmt.Sprintf("test -d %s", shellquote.Join(dir)), sut.RunOptions{Timeout: 10 * time.Second})
	if err != nil {
		return errors.Wrapf(err, "ltp: checking %s", dir)
	}
	if res.ReturnCode != 0 {
		return &fw.Error{Cause: errors.Errorf("folder doesn't exist: %s", dir)}
	}
	return nil
}

func (l *LTP) FindCommand(ctx context.Context, s sut.SUT, line string) (data.Test, error) {
	if s == nil {
		return data.Test{}, errors.New("ltp: SUT is nil")
	}
	if line == "" {
		return data.Test{}, errors.New("ltp: command is empty")
	}

	args, err := shellquote.Split(line)
	if err != nil {
		return data.Test{}, errors.Wrap(err, "ltp: splitting command line")
	}
	if len(args) == 0 {
		return data.Test{}, errors.New("ltp: command is empty")
	}

	var cwd string
	var env map[string]string
	res, err := s.Run(ctx, fmt.Sprintf("test -d %s", shellquote.Join(l.tcFolder())), sut.RunOptions{Timeout: 10 * time.Second})
	if err == nil && res.ReturnCode == 0 {
		cwd = l.tcFolder()
		if env, err = l.readPath(ctx, s); err != nil {
			return data.Test{}, err
		}
	}

	return data.New(args[0], args[0], args[1:], cwd, env, false), nil
}

func (l *LTP) FindSuite(ctx context.Context, s sut.SUT, name string) (data.Suite, error) {
	if s == nil {
		return data.Suite{}, errors.New("ltp: SUT is nil")
	}
	if name == "" {
		return data.Suite{}, errors.New("ltp: name is empty")
	}

	if err := l.requireDir(ctx, s, l.root); err != nil {
		return data.Suite{}, err
	}

	suitePath := path.Join(l.root, "runtest", name)
	res, err := s.Run(ctx, fmt.Sprintf("test -f %s", shellquote.Join(suitePath)), sut.RunOptions{Timeout: 10 * time.Second})
	if err != nil {
		return data.Suite{}, errors.Wrap(err, "ltp: checking suite file")
	}
	if res.ReturnCode != 0 {
		return data.Suite{}, &fw.Error{Cause: errors.Errorf("%q suite doesn't exist", name)}
	}

	runtestData, err := s.Fetch(ctx, suitePath)
	if err != nil {
		return data.Suite{}, errors.Wrap(err, "ltp: fetching runtest file")
	}

	var meta *metadataFile
	metadataPath := path.Join(l.root, "metadata", "ltp.json")
	res, err = s.Run(ctx, fmt.Sprintf("test -f %s", shellquote.Join(metadataPath)), sut.RunOptions{Timeout: 10 * time.Second})
	if err == nil && res.ReturnCode == 0 {
		metadataData, err := s.Fetch(ctx, metadataPath)
		if err != nil {
			return data.Suite{}, errors.Wrap(err, "ltp: fetching metadata")
		}
		var mf metadataFile
		if err := yaml.Unmarshal(metadataData, &mf); err != nil {
			return data.Suite{}, errors.Wrap(err, "ltp: decoding ltp.json metadata")
		}
		meta = &mf
	}

	return l.readRuntest(ctx, s, name, string(runtestData), meta)
}

func (l *LTP) isAddable(params testMetadata) bool {
	if l.maxRuntime <= 0 {
		return true
	}
	v, ok := params["max_runtime"]
	if !ok {
		return true
	}
	runtime, ok := toFloat(v)
	if !ok {
		plog.Errorf("ltp: metadata contains wrong max_runtime type: %v", v)
		return true
	}
	if runtime >= l.maxRuntime {
		plog.Infof("ltp: max_runtime is bigger than %f", l.maxRuntime)
		return false
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (l *LTP) readRuntest(ctx context.Context, s sut.SUT, suiteName, content string, meta *metadataFile) (data.Suite, error) {
	env, err := l.readPath(ctx, s)
	if err != nil {
		return data.Suite{}, err
	}

	var tests []data.Test
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		parts, err := shellquote.Split(line)
		if err != nil {
			return data.Suite{}, &fw.Error{Cause: errors.Wrapf(err, "parsing runtest line %q", line)}
		}
		if len(parts) < 2 {
			return data.Suite{}, &fw.Error{Cause: errors.New("runtest file is not defining test command")}
		}

		testName, testCmd := parts[0], parts[1]
		var testArgs []string
		if len(parts) >= 3 {
			testArgs = parts[2:]
		}

		parallelizable := true
		if meta == nil || meta.Tests == nil {
			parallelizable = false
		} else if params, ok := meta.Tests[testName]; !ok {
			parallelizable = false
		} else {
			if !l.isAddable(params) {
				continue
			}
			for _, flag := range parallelBlacklist {
				if _, has := params[flag]; has {
					parallelizable = false
					break
				}
			}
		}

		tests = append(tests, data.New(testName, testCmd, testArgs, l.tcFolder(), env, parallelizable))
	}

	return data.NewSuite(suiteName, tests), nil
}

var colorEscape = regexp.MustCompile("\x1b\\[[0-9;]+[a-zA-Z]")

var summaryRe = regexp.MustCompile(
	`Summary:\npassed\s*(\d+)\nfailed\s*(\d+)\nbroken\s*(\d+)\nskipped\s*(\d+)\nwarnings\s*(\d+)\n`,
)

// ReadResult parses LTP's "Summary:" block when present, else falls
// back to counting TPASS/TFAIL/TSKIP/TBROK/TWARN tokens, else derives a
// single-test status from the return code (§4.4).
func (l *LTP) ReadResult(test data.Test, stdout string, returnCode int, execTime float64) (results.TestResult, error) {
	stdout = colorEscape.ReplaceAllString(stdout, "")

	var passed, failed, broken, skipped, warnings int
	isError := returnCode == -1

	if m := summaryRe.FindStringSubmatch(stdout); m != nil {
		passed = atoi(m[1])
		failed = atoi(m[2])
		broken = atoi(m[3])
		skipped = atoi(m[4])
		warnings = atoi(m[5])
	} else {
		passed = strings.Count(stdout, "TPASS")
		failed = strings.Count(stdout, "TFAIL")
		skipped = strings.Count(stdout, "TSKIP")
		broken = strings.Count(stdout, "TBROK")
		warnings = strings.Count(stdout, "TWARN")

		if passed == 0 && failed == 0 && skipped == 0 && broken == 0 && warnings == 0 {
			switch {
			case returnCode == 0:
				passed = 1
			case returnCode == 4:
				warnings = 1
			case returnCode == 32:
				skipped = 1
			case !isError:
				failed = 1
			}
		}
	}

	var status results.Status
	switch {
	case returnCode == 2 || returnCode == -1:
		status = results.StatusBrok
	case returnCode == 4:
		status = results.StatusWarn
	case returnCode == 32:
		status = results.StatusConf
	default:
		status = results.StatusFail
	}

	if isError {
		broken = 1
	}

	return results.TestResult{
		Test:       test,
		Passed:     passed,
		Failed:     failed,
		Broken:     broken,
		Skipped:    skipped,
		Warnings:   warnings,
		ExecTime:   execTime,
		ReturnCode: returnCode,
		Stdout:     stdout,
		Status:     status,
	}, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
