// Copyright 2014 CoreOS, Inc.
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

// Package cli wires up the logging and flag conventions the kirk
// binary shares across its command surface: a capnslog level flag,
// -v/-d aliases, and --no-colors, following mantle/cli.Execute's
// bootstrap of cobra commands.
package cli

import (
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
)

var (
	logDebug   bool
	logVerbose bool
	noColors   bool
	logLevel   = capnslog.NOTICE

	plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "cli")
)

// Execute sets up the flags and logging every kirk invocation shares,
// then runs cmd to completion and exits the process. Exit codes follow
// §6: callers that need the 130/2 special cases (user interrupt,
// missing --run-suite/--run-command) translate them before the error
// reaches here; any other error exits 1.
func Execute(cmd *cobra.Command) {
	cmd.PersistentFlags().Var(&logLevel, "log-level", "Set global log level.")
	cmd.PersistentFlags().BoolVarP(&logVerbose, "verbose", "v", false,
		"Alias for --log-level=INFO")
	cmd.PersistentFlags().BoolVarP(&logDebug, "debug", "d", false,
		"Alias for --log-level=DEBUG")
	cmd.PersistentFlags().BoolVar(&noColors, "no-colors", false,
		"Disable colored console output")

	WrapPreRun(cmd, func(cmd *cobra.Command, args []string) error {
		startLogging(cmd)
		return nil
	})

	if err := cmd.Execute(); err != nil {
		plog.Fatal(err)
	}
	os.Exit(0)
}

// NoColors reports whether --no-colors was set, for report/console
// renderers deciding whether to emit ANSI escapes.
func NoColors() bool {
	return noColors
}

func startLogging(cmd *cobra.Command) {
	switch {
	case logDebug:
		logLevel = capnslog.DEBUG
	case logVerbose:
		logLevel = capnslog.INFO
	}

	capnslog.SetFormatter(capnslog.NewStringFormatter(cmd.OutOrStderr()))
	capnslog.SetGlobalLogLevel(logLevel)

	plog.Infof("Started logging at level %s", logLevel)
}

// PreRunEFunc is a cobra PersistentPreRunE-shaped function.
type PreRunEFunc func(cmd *cobra.Command, args []string) error

// WrapPreRun chains f in front of root's existing PersistentPreRun(E),
// always re-injecting startLogging afterward since cobra only runs the
// nearest ancestor's PersistentPreRun (spf13/cobra#253).
func WrapPreRun(root *cobra.Command, f PreRunEFunc) {
	preRun, preRunE := root.PersistentPreRun, root.PersistentPreRunE
	root.PersistentPreRun, root.PersistentPreRunE = nil, nil

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := f(cmd, args); err != nil {
			return err
		}
		startLogging(cmd)
		if preRun != nil {
			preRun(cmd, args)
		} else if preRunE != nil {
			return preRunE(cmd, args)
		}
		return nil
	}
}
