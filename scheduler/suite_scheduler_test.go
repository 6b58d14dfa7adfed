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

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-test-project/kirk/bus"
	"github.com/linux-test-project/kirk/data"
	"github.com/linux-test-project/kirk/results"
	"github.com/linux-test-project/kirk/sut"
)

func testSuite(n int) data.Suite {
	return data.NewSuite("suite01", testList(n, false))
}

func TestSuiteScheduleRunsSuiteToCompletion(t *testing.T) {
	s := &fakeSUT{}
	sched, err := NewSuiteScheduler(SuiteConfig{SUT: s, Framework: fakeFramework{}, Bus: bus.New()})
	require.NoError(t, err)

	require.NoError(t, sched.Schedule(context.Background(), []data.Suite{testSuite(2)}))

	res := sched.Results()
	require.Len(t, res, 1)
	assert.Len(t, res[0].Tests, 2)
	assert.GreaterOrEqual(t, res[0].ExecTime, 0.0)
}

func TestSuiteScheduleRebootsOnKernelPanicThenCompletes(t *testing.T) {
	var calls, starts int32
	s := &fakeSUT{}
	s.runFunc = func(ctx context.Context, cmd string, opts sut.RunOptions) (sut.RunResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return sut.RunResult{}, &sut.KernelPanicError{}
		}
		return sut.RunResult{ReturnCode: 0, Stdout: "ok"}, nil
	}
	sched, err := NewSuiteScheduler(SuiteConfig{
		SUT: &countingStartSUT{fakeSUT: s, starts: &starts}, Framework: fakeFramework{}, Bus: bus.New(),
		SuiteTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, sched.Schedule(context.Background(), []data.Suite{testSuite(2)}))

	res := sched.Results()
	require.Len(t, res, 1)
	require.Len(t, res[0].Tests, 2)

	var brok, pass int
	for _, tr := range res[0].Tests {
		switch tr.Status {
		case results.StatusBrok:
			brok++
		case results.StatusPass:
			pass++
		}
	}
	assert.Equal(t, 1, brok)
	assert.Equal(t, 1, pass)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&starts), int32(1))
}

func TestSuiteScheduleSynthesizesSkipsOnSuiteTimeout(t *testing.T) {
	s := &fakeSUT{
		runFunc: func(ctx context.Context, cmd string, opts sut.RunOptions) (sut.RunResult, error) {
			<-ctx.Done()
			return sut.RunResult{}, ctx.Err()
		},
	}
	sched, err := NewSuiteScheduler(SuiteConfig{
		SUT: s, Framework: fakeFramework{}, Bus: bus.New(),
		SuiteTimeout:  30 * time.Millisecond,
		MaxWorkers:    1,
		ForceParallel: true,
	})
	require.NoError(t, err)

	require.NoError(t, sched.Schedule(context.Background(), []data.Suite{testSuite(2)}))

	res := sched.Results()
	require.Len(t, res, 1)
	require.Len(t, res[0].Tests, 2)

	var brok, conf int
	for _, tr := range res[0].Tests {
		switch tr.Status {
		case results.StatusBrok:
			brok++
		case results.StatusConf:
			conf++
			assert.Equal(t, 32, tr.ReturnCode)
		}
	}
	assert.Equal(t, 1, brok)
	assert.Equal(t, 1, conf)
}

// countingStartSUT wraps a fakeSUT to count Start calls, used to verify
// restartSUT actually brought the SUT back up.
type countingStartSUT struct {
	*fakeSUT
	starts *int32
}

func (c *countingStartSUT) Start(ctx context.Context, iobuf sut.IOBuffer) error {
	atomic.AddInt32(c.starts, 1)
	return c.fakeSUT.Start(ctx, iobuf)
}
