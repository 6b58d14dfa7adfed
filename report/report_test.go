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

package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-test-project/kirk/data"
	"github.com/linux-test-project/kirk/results"
)

func sampleSuites() []results.SuiteResult {
	test := data.New("test01", "echo", []string{"-n", "ciao0"}, "", nil, false)
	tr := results.TestResult{
		Test: test, Passed: 1, ExecTime: 0.1, ReturnCode: 0,
		Stdout: "ciao0", Status: results.StatusPass,
	}
	suite := data.NewSuite("suite01", []data.Test{test})
	info := results.SUTInfo{Distro: "fedora", DistroVer: "40", Kernel: "6.1", Arch: "x86_64", CPU: "qemu64", RAM: "2G", Swap: "0"}
	return []results.SuiteResult{results.NewSuiteResult(suite, []results.TestResult{tr}, info, -1)}
}

func TestBuildRejectsEmptyResults(t *testing.T) {
	_, err := Build(nil)
	assert.Error(t, err)
}

func TestBuildAggregatesStatsAndEnvironment(t *testing.T) {
	rep, err := Build(sampleSuites())
	require.NoError(t, err)

	require.Len(t, rep.Results, 1)
	assert.Equal(t, "test01", rep.Results[0].TestFQN)
	assert.Equal(t, "pass", rep.Results[0].Status)
	assert.Equal(t, []string{"0"}, rep.Results[0].Test.Retval)
	assert.Equal(t, 1, rep.Stats.Passed)
	assert.Equal(t, "fedora", rep.Environment.Distribution)
	assert.Equal(t, "x86_64", rep.Environment.Arch)
}

func TestSaveThenParseRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.json")
	ctx := context.Background()

	require.NoError(t, Save(ctx, sampleSuites(), path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)

	rep, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stats.Passed)
	assert.Equal(t, "test01", rep.Results[0].TestFQN)
}

func TestCheckWritableRejectsExistingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	err := CheckWritable(path)
	require.Error(t, err)
	var reportErr *Error
	assert.ErrorAs(t, err, &reportErr)
}

func TestCheckWritableAllowsEmptyPath(t *testing.T) {
	assert.NoError(t, CheckWritable(""))
}
