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

// Package results holds the TestResult/SuiteResult data model (§3) and
// the Status enum they carry.
package results

import "github.com/linux-test-project/kirk/data"

// Status is the outcome of a single TestResult. Values match the
// upstream return-code-derived ordering (PASS=0, BROK=2, WARN=4,
// FAIL=16, CONF=32) so status and raw return codes stay comparable
// where a Framework maps one directly onto the other (§4.4).
type Status int

const (
	StatusPass Status = 0
	StatusBrok Status = 2
	StatusWarn Status = 4
	StatusFail Status = 16
	StatusConf Status = 32
)

// String renders the lowercase form used by the JSON report (§6).
func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusBrok:
		return "brok"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	case StatusConf:
		return "conf"
	default:
		return "unknown"
	}
}

// TestResult is bound to the Test it was produced from. ReturnCode of -1
// denotes "no process result available"; that invariant forces
// Status == StatusBrok and Broken >= 1 (§3, invariant 3 of §8).
type TestResult struct {
	Test       data.Test
	Passed     int
	Failed     int
	Broken     int
	Skipped    int
	Warnings   int
	ExecTime   float64
	ReturnCode int
	Stdout     string
	Status     Status
}

// Broke synthesizes the canonical "SUT call failed before producing
// output" result used by panic/timeout/broken-transport branches of the
// Test Scheduler (§4.5): empty stdout, return_code=-1, status=BROK.
func Broke(t data.Test, execTime float64) TestResult {
	return TestResult{
		Test:       t,
		Broken:     1,
		ExecTime:   execTime,
		ReturnCode: -1,
		Status:     StatusBrok,
	}
}

// Skip synthesizes the CONF(return_code=32, exec_time=0) record used
// when a suite timed out before a test could run (§4.6).
func Skip(t data.Test) TestResult {
	return TestResult{
		Test:       t,
		Skipped:    1,
		ReturnCode: 32,
		Status:     StatusConf,
	}
}

// SUTInfo is the seven-field snapshot captured once per suite start
// (§3, §4.3). Unresolved fields default to "unknown".
type SUTInfo struct {
	Distro    string
	DistroVer string
	Kernel    string
	Arch      string
	CPU       string
	RAM       string
	Swap      string
}

// UnknownSUTInfo returns the all-"unknown" snapshot used before any
// probe has completed or when every probe failed.
func UnknownSUTInfo() SUTInfo {
	const u = "unknown"
	return SUTInfo{Distro: u, DistroVer: u, Kernel: u, Arch: u, CPU: u, RAM: u, Swap: u}
}

// SuiteResult aggregates TestResults plus a snapshot of SUT info taken
// at suite start. Aggregate counters are sums over Tests (§3, invariant
// 2 of §8); ExecTime is the sum of contained test times unless
// overridden (suite-timeout fallback, §4.6).
type SuiteResult struct {
	Suite    data.Suite
	Tests    []TestResult
	Info     SUTInfo
	ExecTime float64
}

// NewSuiteResult builds a SuiteResult, summing ExecTime over tests
// unless totalExecTime is explicitly supplied as non-negative (the
// suite-timeout fallback described in §4.6 passes the suite timeout
// directly instead of the batch-time sum).
func NewSuiteResult(suite data.Suite, tests []TestResult, info SUTInfo, totalExecTime float64) SuiteResult {
	sr := SuiteResult{Suite: suite, Tests: append([]TestResult(nil), tests...), Info: info}
	if totalExecTime >= 0 {
		sr.ExecTime = totalExecTime
		return sr
	}
	for _, t := range tests {
		sr.ExecTime += t.ExecTime
	}
	return sr
}

func (sr SuiteResult) sum(pick func(TestResult) int) int {
	total := 0
	for _, t := range sr.Tests {
		total += pick(t)
	}
	return total
}

// Passed is the sum of every contained TestResult's Passed count.
func (sr SuiteResult) Passed() int { return sr.sum(func(t TestResult) int { return t.Passed }) }

// Failed is the sum of every contained TestResult's Failed count.
func (sr SuiteResult) Failed() int { return sr.sum(func(t TestResult) int { return t.Failed }) }

// Broken is the sum of every contained TestResult's Broken count.
func (sr SuiteResult) Broken() int { return sr.sum(func(t TestResult) int { return t.Broken }) }

// Skipped is the sum of every contained TestResult's Skipped count.
func (sr SuiteResult) Skipped() int { return sr.sum(func(t TestResult) int { return t.Skipped }) }

// Warnings is the sum of every contained TestResult's Warnings count.
func (sr SuiteResult) Warnings() int {
	return sr.sum(func(t TestResult) int { return t.Warnings })
}
