package ssh

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-test-project/kirk/network/mockssh"
	"github.com/linux-test-project/kirk/sut"
)

// handlerFor dispatches mock sessions by literal command text, mimicking
// just enough of a real shell for the scenarios under test.
func handlerFor(t *testing.T) mockssh.SessionHandler {
	return func(session *mockssh.Session) {
		switch {
		case session.Exec == "cat /etc/ssh/sshd_config":
			_, _ = session.Stdout.Write([]byte("MaxSessions 4\n"))
			_ = session.Exit(0)
		case strings.Contains(session.Exec, "ciao0"):
			_, _ = session.Stdout.Write([]byte("ciao0"))
			_ = session.Exit(0)
		case strings.Contains(session.Exec, "Kernel panic"):
			_, _ = session.Stdout.Write([]byte("Kernel panic - not syncing\n"))
			_ = session.Exit(1)
		case strings.Contains(session.Exec, "exit 3"):
			_ = session.Exit(3)
		default:
			_ = session.Exit(0)
		}
	}
}

func TestStartReadsMaxSessionsFromSshdConfig(t *testing.T) {
	client := mockssh.NewMockClient(handlerFor(t))
	s := NewWithClient(client, Config{})

	require.NoError(t, s.Start(context.Background(), nil))
	assert.EqualValues(t, 4, s.sessLim)
}

func TestRunCapturesStdoutAndReturnCode(t *testing.T) {
	client := mockssh.NewMockClient(handlerFor(t))
	s := NewWithClient(client, Config{})
	require.NoError(t, s.Start(context.Background(), nil))

	res, err := s.Run(context.Background(), "echo -n ciao0", sut.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ciao0", res.Stdout)
	assert.Equal(t, 0, res.ReturnCode)
}

func TestRunNonZeroExit(t *testing.T) {
	client := mockssh.NewMockClient(handlerFor(t))
	s := NewWithClient(client, Config{})
	require.NoError(t, s.Start(context.Background(), nil))

	res, err := s.Run(context.Background(), "exit 3", sut.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ReturnCode)
}

func TestRunDetectsKernelPanic(t *testing.T) {
	client := mockssh.NewMockClient(handlerFor(t))
	s := NewWithClient(client, Config{})
	require.NoError(t, s.Start(context.Background(), nil))

	_, err := s.Run(context.Background(), "echo Kernel panic", sut.RunOptions{})
	require.Error(t, err)
	var panicErr *sut.KernelPanicError
	assert.ErrorAs(t, err, &panicErr)
}

func TestBuildCommandWrapsSudo(t *testing.T) {
	s := New(Config{Sudo: true})
	script := s.buildCommand("ls", sut.RunOptions{})
	assert.True(t, strings.HasPrefix(script, "sudo /bin/sh -c "))
}

func TestBuildCommandInjectsEnvAndCwd(t *testing.T) {
	s := New(Config{})
	script := s.buildCommand("echo -n $hello", sut.RunOptions{
		Cwd: "/tmp",
		Env: map[string]string{"hello": "world"},
	})
	assert.Contains(t, script, "cd /tmp &&")
	assert.Contains(t, script, "export hello=world;")
}

func TestPingMeasuresRoundTrip(t *testing.T) {
	client := mockssh.NewMockClient(handlerFor(t))
	s := NewWithClient(client, Config{})
	require.NoError(t, s.Start(context.Background(), nil))

	d, err := s.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, time.Duration(0))
}
