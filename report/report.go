// Copyright 2017 CoreOS, Inc.
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

// Package report builds and persists the §6 JSON report: one entry per
// TestResult, aggregate stats, and an environment snapshot taken from
// the first suite. Grounded on harness/reporters/json.go's flattening
// of test results into one JSON document, adapted to Kirk's schema and
// written atomically through fileio instead of a bare os.Create.
package report

import (
	"context"
	"encoding/json"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/linux-test-project/kirk/fileio"
	"github.com/linux-test-project/kirk/results"
)

// Error indicates the report's target path already exists -- the
// Exporter error kind of §7. Session checks this before running any
// suite so a stale report is never silently clobbered mid-run.
type Error struct {
	Path string
}

func (e *Error) Error() string { return "report: " + e.Path + " already exists" }

// CheckWritable returns an *Error if path already exists. An empty path
// is always writable (it means "no report requested").
func CheckWritable(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return &Error{Path: path}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "report: checking %s", path)
	}
	return nil
}

// testBlock is the nested "test" object of one §6 result entry.
type testBlock struct {
	Command   string   `json:"command"`
	Arguments []string `json:"arguments"`
	Log       string   `json:"log"`
	Retval    []string `json:"retval"`
	Duration  float64  `json:"duration"`
	Failed    int      `json:"failed"`
	Passed    int      `json:"passed"`
	Broken    int      `json:"broken"`
	Skipped   int      `json:"skipped"`
	Warnings  int      `json:"warnings"`
	Result    string   `json:"result"`
}

// testEntry is one element of the report's top-level "results" array.
type testEntry struct {
	TestFQN string    `json:"test_fqn"`
	Status  string    `json:"status"`
	Test    testBlock `json:"test"`
}

type stats struct {
	Runtime  float64 `json:"runtime"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Broken   int     `json:"broken"`
	Skipped  int     `json:"skipped"`
	Warnings int     `json:"warnings"`
}

type environment struct {
	Distribution        string `json:"distribution"`
	DistributionVersion string `json:"distribution_version"`
	Kernel              string `json:"kernel"`
	Arch                string `json:"arch"`
	CPU                 string `json:"cpu"`
	Swap                string `json:"swap"`
	RAM                 string `json:"RAM"`
}

// Report is the top-level JSON document of §6.
type Report struct {
	Results     []testEntry `json:"results"`
	Stats       stats       `json:"stats"`
	Environment environment `json:"environment"`
}

// Build assembles a Report from a session's accumulated SuiteResults.
// The environment snapshot is taken from the first suite, matching the
// original implementation's JSONExporter (every suite re-probes the same
// SUT, so any snapshot is representative).
func Build(suites []results.SuiteResult) (Report, error) {
	if len(suites) == 0 {
		return Report{}, errors.New("report: results is empty")
	}

	rep := Report{Results: []testEntry{}}
	for _, suite := range suites {
		for _, t := range suite.Tests {
			status := t.Status.String()
			rep.Results = append(rep.Results, testEntry{
				TestFQN: t.Test.Name,
				Status:  status,
				Test: testBlock{
					Command:   t.Test.Command,
					Arguments: t.Test.Arguments,
					Log:       t.Stdout,
					Retval:    []string{strconv.Itoa(t.ReturnCode)},
					Duration:  t.ExecTime,
					Failed:    t.Failed,
					Passed:    t.Passed,
					Broken:    t.Broken,
					Skipped:   t.Skipped,
					Warnings:  t.Warnings,
					Result:    status,
				},
			})
		}

		rep.Stats.Runtime += suite.ExecTime
		rep.Stats.Passed += suite.Passed()
		rep.Stats.Failed += suite.Failed()
		rep.Stats.Broken += suite.Broken()
		rep.Stats.Skipped += suite.Skipped()
		rep.Stats.Warnings += suite.Warnings()
	}

	info := suites[0].Info
	rep.Environment = environment{
		Distribution:        info.Distro,
		DistributionVersion: info.DistroVer,
		Kernel:              info.Kernel,
		Arch:                info.Arch,
		CPU:                 info.CPU,
		Swap:                info.Swap,
		RAM:                 info.RAM,
	}
	return rep, nil
}

// Parse decodes a JSON report previously written by Save. Used by
// restore tooling and by round-trip tests (§8 invariant 8).
func Parse(data []byte) (Report, error) {
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return Report{}, errors.Wrap(err, "report: parsing JSON")
	}
	return rep, nil
}

// Save serializes suites into the §6 JSON schema and writes it
// atomically to path via fileio.WriteFileAtomic. Callers are expected to
// have already checked CheckWritable before the suites ran, so Save
// itself just overwrites whatever temp-to-rename leaves behind.
func Save(ctx context.Context, suites []results.SuiteResult, path string) error {
	rep, err := Build(suites)
	if err != nil {
		return err
	}

	body, err := json.MarshalIndent(rep, "", "    ")
	if err != nil {
		return errors.Wrap(err, "report: marshaling JSON")
	}

	return fileio.WriteFileAtomic(ctx, path, body, 0o644)
}
