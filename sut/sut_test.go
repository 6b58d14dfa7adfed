package sut

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTaintedLowToHigh(t *testing.T) {
	msgs := DecodeTainted(1 | (1 << 7))
	require.Len(t, msgs, 2)
	assert.Equal(t, TaintedMessages[0], msgs[0])
	assert.Equal(t, TaintedMessages[7], msgs[1])
}

func TestDecodeTaintedZeroIsEmpty(t *testing.T) {
	assert.Empty(t, DecodeTainted(0))
}

type neverFailSUT struct {
	starts int32
}

func (s *neverFailSUT) Name() string { return "fake" }
func (s *neverFailSUT) Start(ctx context.Context, iobuf IOBuffer) error {
	atomic.AddInt32(&s.starts, 1)
	return nil
}
func (s *neverFailSUT) Stop(ctx context.Context, iobuf IOBuffer) error             { return nil }
func (s *neverFailSUT) Running() bool                                             { return true }
func (s *neverFailSUT) Ping(ctx context.Context) (time.Duration, error)           { return 0, nil }
func (s *neverFailSUT) Run(ctx context.Context, cmd string, opts RunOptions) (RunResult, error) {
	return RunResult{}, nil
}
func (s *neverFailSUT) Fetch(ctx context.Context, path string) ([]byte, error) { return nil, nil }
func (s *neverFailSUT) ParallelOK() bool                                      { return true }
func (s *neverFailSUT) GetInfo(ctx context.Context) (Info, error)             { return UnknownSUTInfo(), nil }
func (s *neverFailSUT) GetTainted(ctx context.Context) (int, []string, error) { return 0, nil, nil }
func (s *neverFailSUT) LoggedAsRoot(ctx context.Context) (bool, error)        { return false, nil }

func TestEnsureStartPerformsExactlyOneStartWhenNeverFailing(t *testing.T) {
	s := &neverFailSUT{}
	require.NoError(t, EnsureStart(context.Background(), s, nil, 10))
	assert.EqualValues(t, 1, s.starts)
}

type alwaysFailStartSUT struct {
	neverFailSUT
	attempts int32
}

func (s *alwaysFailStartSUT) Start(ctx context.Context, iobuf IOBuffer) error {
	atomic.AddInt32(&s.attempts, 1)
	return errors.New("boom")
}

func TestEnsureStartRethrowsLastErrorAfterBudget(t *testing.T) {
	s := &alwaysFailStartSUT{}
	err := EnsureStart(context.Background(), s, nil, 3)
	require.Error(t, err)
	assert.EqualValues(t, 3, s.attempts)
}

func TestTaintedCacheSharesOneReadAcrossConcurrentCallers(t *testing.T) {
	var reads int32
	cache := &TaintedCache{}

	read := func(ctx context.Context) (int, []string, error) {
		atomic.AddInt32(&reads, 1)
		time.Sleep(20 * time.Millisecond)
		return 7, DecodeTainted(7), nil
	}

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, _, err := cache.Get(context.Background(), read)
			require.NoError(t, err)
			results[i] = code
		}(i)
	}
	wg.Wait()

	for _, code := range results {
		assert.Equal(t, 7, code)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&reads))
}
