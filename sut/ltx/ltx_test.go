// Copyright 2023 SUSE LLC
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

package ltx

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v4"

	kltx "github.com/linux-test-project/kirk/ltx"
	"github.com/linux-test-project/kirk/sut"
)

// tagVal normalizes the msgpack-decoded tag value (its concrete
// integer type depends on magnitude) for comparison against the
// kltx.Tag* constants.
func tagVal(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return -1
	}
}

// fakeExecutor opens the opposite ends of the fifo pair an LTX
// transport talks to and replies like a companion executor process
// would: echo VERSION, then echo+LOG+RESULT for one EXEC.
func fakeExecutor(t *testing.T, stdinPath, stdoutPath string, stop <-chan struct{}) {
	t.Helper()

	execStdin, err := os.OpenFile(stdinPath, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer execStdin.Close()
	execStdout, err := os.OpenFile(stdoutPath, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer execStdout.Close()

	dec := msgpack.NewDecoder(execStdin)
	enc := msgpack.NewEncoder(execStdout)

	for {
		var msg []interface{}
		if err := dec.Decode(&msg); err != nil {
			return
		}

		switch tagVal(msg[0]) {
		case int64(kltx.TagVersion):
			_ = enc.Encode([]interface{}{int(kltx.TagVersion), "1.0"})
		case int64(kltx.TagExec):
			slot := msg[1]
			_ = enc.Encode([]interface{}{int(kltx.TagExec), slot, msg[2]})
			_ = enc.Encode([]interface{}{int(kltx.TagLog), slot, int64(1), "ciao"})
			_ = enc.Encode([]interface{}{int(kltx.TagResult), slot, int64(2), int64(1), int64(0)})
		case int64(kltx.TagKill):
			_ = enc.Encode([]interface{}{int(kltx.TagKill), msg[1]})
		}

		select {
		case <-stop:
			return
		default:
		}
	}
}

func newFifoPair(t *testing.T) (string, string) {
	dir := t.TempDir()
	stdinPath := filepath.Join(dir, "stdin")
	stdoutPath := filepath.Join(dir, "stdout")
	require.NoError(t, syscall.Mkfifo(stdinPath, 0o600))
	require.NoError(t, syscall.Mkfifo(stdoutPath, 0o600))
	return stdinPath, stdoutPath
}

func TestStartExecutesOneCommand(t *testing.T) {
	stdinPath, stdoutPath := newFifoPair(t)
	stop := make(chan struct{})
	defer close(stop)
	go fakeExecutor(t, stdinPath, stdoutPath, stop)

	l, err := New(Config{Stdin: stdinPath, Stdout: stdoutPath})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, l.Start(ctx, nil))
	assert.True(t, l.Running())
	defer l.Stop(context.Background(), nil)

	res, err := l.Run(ctx, "echo -n ciao", sut.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ReturnCode)
	assert.Equal(t, "ciao", res.Stdout)
}

func TestNewRejectsMissingPipes(t *testing.T) {
	_, err := New(Config{Stdin: "/no/such/stdin", Stdout: "/no/such/stdout"})
	assert.Error(t, err)
}

func TestReserveAndReleaseSlot(t *testing.T) {
	l := &LTX{}
	s1, err := l.reserveSlot()
	require.NoError(t, err)
	s2, err := l.reserveSlot()
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	l.releaseSlot(s1)
	s3, err := l.reserveSlot()
	require.NoError(t, err)
	assert.Equal(t, s1, s3)
}

func TestReserveSlotExhaustion(t *testing.T) {
	l := &LTX{}
	for i := 0; i < numSlots; i++ {
		_, err := l.reserveSlot()
		require.NoError(t, err)
	}
	_, err := l.reserveSlot()
	assert.Error(t, err)
}
