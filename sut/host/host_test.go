package host

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-test-project/kirk/sut"
)

func TestRunCapturesStdoutAndReturnCode(t *testing.T) {
	h := New()
	require.NoError(t, h.Start(context.Background(), nil))
	defer h.Stop(context.Background(), nil)

	var buf bytes.Buffer
	res, err := h.Run(context.Background(), "echo -n ciao0", sut.RunOptions{IOBuf: &buf})
	require.NoError(t, err)
	assert.Equal(t, "ciao0", res.Stdout)
	assert.Equal(t, 0, res.ReturnCode)
	assert.Equal(t, "ciao0\n", buf.String())
}

func TestRunEnvInjection(t *testing.T) {
	h := New()
	require.NoError(t, h.Start(context.Background(), nil))
	defer h.Stop(context.Background(), nil)

	res, err := h.Run(context.Background(), "echo -n $hello", sut.RunOptions{
		Env: map[string]string{"hello": "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, "world", res.Stdout)
}

func TestRunNonZeroExit(t *testing.T) {
	h := New()
	require.NoError(t, h.Start(context.Background(), nil))
	defer h.Stop(context.Background(), nil)

	res, err := h.Run(context.Background(), "exit 3", sut.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ReturnCode)
}

func TestRunTimeoutReturnsBrokenResult(t *testing.T) {
	h := New()
	require.NoError(t, h.Start(context.Background(), nil))
	defer h.Stop(context.Background(), nil)

	res, err := h.Run(context.Background(), "sleep 2", sut.RunOptions{Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, -1, res.ReturnCode)
}

func TestRunDetectsKernelPanicInStdout(t *testing.T) {
	h := New()
	require.NoError(t, h.Start(context.Background(), nil))
	defer h.Stop(context.Background(), nil)

	_, err := h.Run(context.Background(), "echo 'Kernel panic - not syncing'", sut.RunOptions{})
	require.Error(t, err)
	var panicErr *sut.KernelPanicError
	assert.ErrorAs(t, err, &panicErr)
}

func TestParallelOKIsTrue(t *testing.T) {
	h := New()
	assert.True(t, h.ParallelOK())
}

func TestPingIsImmediate(t *testing.T) {
	h := New()
	d, err := h.Ping(context.Background())
	require.NoError(t, err)
	assert.Zero(t, d)
}
