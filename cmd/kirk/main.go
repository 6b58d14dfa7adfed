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

// Command kirk is the CLI entry point (§6): it parses flags, builds
// the configured SUT and Framework plugins, and drives one
// session.Session.Run to completion.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/linux-test-project/kirk/bus"
	kirkcli "github.com/linux-test-project/kirk/cli"
	"github.com/linux-test-project/kirk/plugin"
	"github.com/linux-test-project/kirk/register"
	"github.com/linux-test-project/kirk/session"
	"github.com/linux-test-project/kirk/system"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "kirk")

const version = "1.0.0"

// Exit codes, §6: 0 ok, 1 internal error, 2 usage error, 130 user
// interrupt. cli.Execute owns 0/1; the usage and interrupt cases exit
// directly here, before cli.Execute's own cmd.Execute() return.
const (
	rcUsage     = 2
	rcInterrupt = 130
)

type flags struct {
	tmpDir        string
	restore       string
	env           string
	skipTests     string
	skipFile      string
	suiteTimeout  int
	execTimeout   int
	runSuite      []string
	runCommand    string
	workers       int
	forceParallel bool
	sut           string
	framework     string
	jsonReport    string
	showVersion   bool
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:           "kirk",
		Short:         "Run Linux kernel and userspace test suites against a system under test",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &f)
		},
	}

	root.Flags().StringVarP(&f.tmpDir, "tmp-dir", "d", "", "Temporary directory (default: system temp)")
	root.Flags().StringVarP(&f.restore, "restore", "R", "", "Restore a previous session from DIR")
	root.Flags().StringVarP(&f.env, "env", "e", "", "List of key=value environment variables, separated by ':'")
	root.Flags().StringVarP(&f.skipTests, "skip-tests", "i", "", "Skip tests matching REGEX")
	root.Flags().StringVarP(&f.skipFile, "skip-file", "I", "", "Skip tests matching the patterns in FILE")
	root.Flags().IntVarP(&f.suiteTimeout, "suite-timeout", "T", 3600, "Suite timeout in seconds")
	root.Flags().IntVarP(&f.execTimeout, "exec-timeout", "t", 3600, "Test/command timeout in seconds")
	root.Flags().StringSliceVarP(&f.runSuite, "run-suite", "r", nil, "Suites to run")
	root.Flags().StringVarP(&f.runCommand, "run-command", "c", "", "Single command to run instead of a suite")
	root.Flags().IntVarP(&f.workers, "workers", "w", 0, "Number of parallel workers (default: detected CPU count)")
	root.Flags().BoolVarP(&f.forceParallel, "force-parallel", "p", false, "Force parallel execution of tests that don't declare it safe")
	root.Flags().StringVarP(&f.sut, "sut", "s", "host", "System under test, NAME[:k=v…]. Use 'help' for options")
	root.Flags().StringVarP(&f.framework, "framework", "f", "ltp", "Testing framework, NAME[:k=v…]. Use 'help' for options")
	root.Flags().StringVarP(&f.jsonReport, "json-report", "j", "", "Write a §6 JSON report to PATH")
	root.Flags().BoolVarP(&f.showVersion, "version", "V", false, "Print version and exit")

	kirkcli.Execute(root)
}

func run(cmd *cobra.Command, f *flags) error {
	out := cmd.OutOrStdout()

	if f.showVersion {
		fmt.Fprintf(out, "kirk %s\n", version)
		return nil
	}

	sutName, sutConfig, sutHelp := splitPluginSpec(f.sut)
	if sutHelp {
		printHelp(out, register.SUTs.Describe())
		return nil
	}

	fwName, fwConfig, fwHelp := splitPluginSpec(f.framework)
	if fwHelp {
		printHelp(out, register.Frameworks.Describe())
		return nil
	}

	if len(f.runSuite) == 0 && f.runCommand == "" {
		fmt.Fprintln(cmd.OutOrStderr(), "Error: --run-suite or --run-command is required")
		os.Exit(rcUsage)
	}
	if f.skipFile != "" {
		if info, err := os.Stat(f.skipFile); err != nil || info.IsDir() {
			fmt.Fprintf(cmd.OutOrStderr(), "Error: %q skip file doesn't exist\n", f.skipFile)
			os.Exit(rcUsage)
		}
	}
	if f.tmpDir != "" {
		if info, err := os.Stat(f.tmpDir); err != nil || !info.IsDir() {
			fmt.Fprintf(cmd.OutOrStderr(), "Error: %q temporary folder doesn't exist\n", f.tmpDir)
			os.Exit(rcUsage)
		}
	}
	if f.jsonReport != "" {
		if _, err := os.Stat(f.jsonReport); err == nil {
			fmt.Fprintf(cmd.OutOrStderr(), "Error: JSON report file already exists: %s\n", f.jsonReport)
			os.Exit(rcUsage)
		}
	}

	skip, err := combinedSkipPattern(f.skipTests, f.skipFile)
	if err != nil {
		return err
	}

	tmpdir, err := session.NewTmpDir(f.tmpDir, session.DefaultRetain)
	if err != nil {
		return err
	}
	sutConfig["tmpdir"] = tmpdir

	sutImpl, err := register.SUTs.New(sutName, sutConfig)
	if err != nil {
		return err
	}
	fwImpl, err := register.Frameworks.New(fwName, fwConfig)
	if err != nil {
		return err
	}

	workers := f.workers
	if workers <= 0 {
		n, err := system.GetProcessors()
		if err != nil {
			plog.Warningf("kirk: detecting CPU count, defaulting to 1 worker: %v", err)
			n = 1
		}
		workers = int(n)
	}

	b := bus.New()
	registerLogSubscribers(b)
	go b.Start()
	defer b.Stop()

	sess, err := session.New(session.Config{
		SUT:           sutImpl,
		Framework:     fwImpl,
		Bus:           b,
		TmpDir:        tmpdir,
		ExecTimeout:   time.Duration(f.execTimeout) * time.Second,
		SuiteTimeout:  time.Duration(f.suiteTimeout) * time.Second,
		MaxWorkers:    workers,
		ForceParallel: f.forceParallel,
		Env:           parseEnv(f.env),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	runErr := sess.Run(ctx, session.RunOptions{
		Command:    f.runCommand,
		Suites:     f.runSuite,
		Skip:       skip,
		ReportPath: f.jsonReport,
		Restore:    f.restore,
	})

	if ctx.Err() == context.Canceled {
		_ = sess.Stop(context.Background())
		os.Exit(rcInterrupt)
	}

	return runErr
}

// registerLogSubscribers bridges the event bus to capnslog, standing in
// for the console/TUI renderers the original implementation ships and
// this module treats as an external collaborator (§1).
func registerLogSubscribers(b *bus.Bus) {
	b.Register("session_error", func(args ...interface{}) {
		if len(args) > 0 {
			plog.Errorf("session error: %v", args[0])
		}
	}, false)
	b.Register("session_warning", func(args ...interface{}) {
		if len(args) > 0 {
			plog.Warningf("session warning: %v", args[0])
		}
	}, false)
	b.Register("kernel_panic", func(args ...interface{}) {
		plog.Error("kernel panic detected")
	}, false)
	b.Register("kernel_tainted", func(args ...interface{}) {
		if len(args) > 0 {
			plog.Warningf("kernel tainted: %v", args[0])
		}
	}, false)
	b.Register("sut_restart", func(args ...interface{}) {
		if len(args) > 0 {
			plog.Infof("restarting SUT: %v", args[0])
		}
	}, false)
	b.Register("internal_error", func(args ...interface{}) {
		if len(args) > 0 {
			plog.Errorf("internal error: %v", args[0])
		}
	}, false)
}

// splitPluginSpec parses a --sut/--framework value of the form
// "name:k=v:k=v…" into a name and config map, matching the original
// implementation's _dict_config syntax. "help" requests the usage text
// instead of a name.
func splitPluginSpec(value string) (name string, config map[string]string, wantHelp bool) {
	if value == "help" {
		return "", nil, true
	}

	parts := strings.Split(value, ":")
	config = make(map[string]string, len(parts)-1)
	for _, kv := range parts[1:] {
		k, v, _ := strings.Cut(kv, "=")
		config[k] = v
	}
	return parts[0], config, false
}

// parseEnv parses a --env value of the form "k=v:k=v…".
func parseEnv(value string) map[string]string {
	env := make(map[string]string)
	if value == "" {
		return env
	}
	for _, kv := range strings.Split(value, ":") {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}
	return env
}

// skipFileComment matches a skip-file line the original implementation
// treats as a comment: leading whitespace followed by '#'.
var skipFileComment = regexp.MustCompile(`^\s+#`)

// combinedSkipPattern OR-joins --skip-file's lines with --skip-tests,
// mirroring _get_skip_tests.
func combinedSkipPattern(skipTests, skipFile string) (string, error) {
	if skipFile == "" {
		return skipTests, nil
	}

	data, err := os.ReadFile(skipFile)
	if err != nil {
		return "", err
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || skipFileComment.MatchString(line) {
			continue
		}
		lines = append(lines, line)
	}

	pattern := strings.Join(lines, "|")
	if skipTests != "" {
		pattern += "|" + skipTests
	}
	return pattern, nil
}

// printHelp renders a --sut help/--framework help listing.
func printHelp(w io.Writer, descs []plugin.Descriptor) {
	fmt.Fprintln(w, "Supported plugins:")
	for _, d := range descs {
		fmt.Fprintf(w, "  %s\n", d.Name)
		if len(d.Help) == 0 {
			continue
		}
		keys := make([]string, 0, len(d.Help))
		for k := range d.Help {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "    %s: %s\n", k, d.Help[k])
		}
	}
}
