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

package ltp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-test-project/kirk/data"
	"github.com/linux-test-project/kirk/results"
	"github.com/linux-test-project/kirk/sut"
)

func testdataTest() data.Test {
	return data.New("test01", "test01", nil, "", nil, false)
}

// fakeSUT answers a fixed script of commands keyed by a substring match,
// enough to drive FindSuite/GetSuites/FindCommand without a real guest.
type fakeSUT struct {
	files map[string][]byte
	ok    map[string]bool
	outs  map[string]string
}

func (s *fakeSUT) Name() string { return "fake" }
func (s *fakeSUT) Start(ctx context.Context, iobuf sut.IOBuffer) error { return nil }
func (s *fakeSUT) Stop(ctx context.Context, iobuf sut.IOBuffer) error  { return nil }
func (s *fakeSUT) Running() bool                                      { return true }
func (s *fakeSUT) Ping(ctx context.Context) (time.Duration, error)     { return 0, nil }

func (s *fakeSUT) Run(ctx context.Context, cmd string, opts sut.RunOptions) (sut.RunResult, error) {
	for substr, ok := range s.ok {
		if strings.Contains(cmd, substr) {
			rc := 0
			if !ok {
				rc = 1
			}
			return sut.RunResult{ReturnCode: rc, Stdout: s.outs[substr]}, nil
		}
	}
	return sut.RunResult{ReturnCode: 1}, nil
}

func (s *fakeSUT) Fetch(ctx context.Context, path string) ([]byte, error) {
	return s.files[path], nil
}
func (s *fakeSUT) ParallelOK() bool { return true }
func (s *fakeSUT) GetInfo(ctx context.Context) (sut.Info, error) {
	return sut.UnknownSUTInfo(), nil
}
func (s *fakeSUT) GetTainted(ctx context.Context) (int, []string, error) { return 0, nil, nil }
func (s *fakeSUT) LoggedAsRoot(ctx context.Context) (bool, error)        { return false, nil }

func TestGetSuitesListsRuntestFiles(t *testing.T) {
	s := &fakeSUT{
		ok: map[string]bool{
			"test -d /opt/ltp":         true,
			"test -d /opt/ltp/runtest": true,
			"ls --format":              true,
		},
		outs: map[string]string{"ls --format": "suite01\nsuite02\n"},
	}

	l := New(Config{})
	suites, err := l.GetSuites(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"suite01", "suite02"}, suites)
}

func TestFindSuiteParsesRuntestAndMetadata(t *testing.T) {
	s := &fakeSUT{
		ok: map[string]bool{
			"test -d /opt/ltp":                       true,
			"test -f /opt/ltp/runtest/suite01":        true,
			"test -f /opt/ltp/metadata/ltp.json":      true,
			"echo -n $PATH":                           true,
		},
		outs: map[string]string{"echo -n $PATH": "/usr/bin"},
		files: map[string][]byte{
			"/opt/ltp/runtest/suite01": []byte(
				"test01 /opt/ltp/testcases/bin/test01\n" +
					"test02 /opt/ltp/testcases/bin/test02 -i 5\n" +
					"# a comment\n\n",
			),
			"/opt/ltp/metadata/ltp.json": []byte(
				`{"tests": {"test01": {"needs_root": true}, "test02": {}}}`,
			),
		},
	}

	l := New(Config{})
	suite, err := l.FindSuite(context.Background(), s, "suite01")
	require.NoError(t, err)
	require.Len(t, suite.Tests, 2)

	assert.Equal(t, "test01", suite.Tests[0].Name)
	assert.False(t, suite.Tests[0].Parallelizable)
	assert.Equal(t, "test02", suite.Tests[1].Name)
	assert.True(t, suite.Tests[1].Parallelizable)
	assert.Equal(t, []string{"-i", "5"}, suite.Tests[1].Arguments)
}

func TestFindCommandBuildsOneShotTest(t *testing.T) {
	s := &fakeSUT{
		ok: map[string]bool{
			"test -d /opt/ltp/testcases/bin": true,
			"echo -n $PATH":                  true,
		},
		outs: map[string]string{"echo -n $PATH": "/usr/bin"},
	}

	l := New(Config{})
	test, err := l.FindCommand(context.Background(), s, "echo -n ciao0")
	require.NoError(t, err)
	assert.Equal(t, "echo", test.Name)
	assert.Equal(t, []string{"-n", "ciao0"}, test.Arguments)
	assert.False(t, test.Parallelizable)
}

func TestReadResultParsesSummaryBlock(t *testing.T) {
	l := New(Config{})
	stdout := "Summary:\npassed 1\nfailed 0\nbroken 0\nskipped 0\nwarnings 0\n"
	res, err := l.ReadResult(testdataTest(), stdout, 0, 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, results.StatusFail, res.Status) // returncode fallback: non-{2,-1,4,32} -> FAIL regardless of passed count
}

func TestReadResultFallsBackToTPASSCounting(t *testing.T) {
	l := New(Config{})
	res, err := l.ReadResult(testdataTest(), "TPASS: ok\nTPASS: ok\n", 0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Passed)
}

func TestReadResultDerivesFromReturnCodeWhenNoMarkers(t *testing.T) {
	l := New(Config{})

	res, err := l.ReadResult(testdataTest(), "", 0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)

	res, err = l.ReadResult(testdataTest(), "", 4, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Warnings)
	assert.Equal(t, results.StatusWarn, res.Status)

	res, err = l.ReadResult(testdataTest(), "", 32, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, results.StatusConf, res.Status)

	res, err = l.ReadResult(testdataTest(), "", -1, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Broken)
	assert.Equal(t, results.StatusBrok, res.Status)
}

func TestReadResultStripsColorCodes(t *testing.T) {
	l := New(Config{})
	res, err := l.ReadResult(testdataTest(), "\x1b[32mTPASS\x1b[0m: ok\n", 0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.NotContains(t, res.Stdout, "\x1b")
}
