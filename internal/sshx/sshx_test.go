package sshx

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		res  Result
		want Kind
	}{
		{"success", Result{ExitCode: 0}, KindOK},
		{"not found exit", Result{ExitCode: 127, Stderr: "bash: dockr: command not found"}, KindCommandNotFound},
		{"not found stderr", Result{ExitCode: 1, Stderr: "sh: 1: git: command not found"}, KindCommandNotFound},
		{"not executable", Result{ExitCode: 126}, KindPermissionDenied},
		{"permission stderr", Result{ExitCode: 1, Stderr: "mkdir: cannot create directory '/opt/x': Permission denied"}, KindPermissionDenied},
		{"docker socket", Result{ExitCode: 1, Stderr: "Got permission denied while trying to connect to the Docker daemon socket"}, KindPermissionDenied},
		{"missing container", Result{ExitCode: 1, Stderr: "Error response from daemon: No such container: ark-demo"}, KindContainerMissing},
		{"generic", Result{ExitCode: 2, Stderr: "fatal: repository not found"}, KindExitStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.res))
		})
	}
}

func TestCommandErrorIs(t *testing.T) {
	err := error(&CommandError{Kind: KindContainerMissing, Result: Result{Command: "docker inspect x", ExitCode: 1, Stderr: "No such container: x"}})
	assert.True(t, errors.Is(err, ErrContainerMissing))
	assert.False(t, errors.Is(err, ErrCommandNotFound))
	assert.Equal(t, KindContainerMissing, KindOf(err))
	assert.Contains(t, err.Error(), "exit 1")
	assert.Contains(t, err.Error(), "No such container")

	wrapped := errors.Join(errors.New("deploy"), &CommandError{Kind: KindTimeout, Err: context.DeadlineExceeded})
	assert.True(t, errors.Is(wrapped, ErrTimeout))
	assert.True(t, errors.Is(wrapped, context.DeadlineExceeded))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindOK, KindOf(nil))
	assert.Equal(t, KindTransport, KindOf(errors.New("eof")))
}

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"":                   "''",
		"simple":             "simple",
		"/opt/ark/apps/x":    "/opt/ark/apps/x",
		"with space":         "'with space'",
		"it's":               `'it'"'"'s'`,
		"$(reboot)":          "'$(reboot)'",
		"a;b":                "'a;b'",
		"KEY=value":          "KEY=value",
		"https://x.io/r.git": "https://x.io/r.git",
	}
	for in, want := range cases {
		assert.Equal(t, want, Quote(in), "input %q", in)
	}
}

type scriptedRunner struct {
	fail string
	ran  []string
}

func (r *scriptedRunner) Run(_ context.Context, cmd string) (Result, error) {
	r.ran = append(r.ran, cmd)
	if cmd == r.fail {
		res := Result{Command: cmd, ExitCode: 1}
		return res, &CommandError{Kind: KindExitStatus, Result: res}
	}
	return Result{Command: cmd}, nil
}

func (r *scriptedRunner) WriteFile(context.Context, string, []byte, fs.FileMode) error { return nil }

func TestRunScriptStopsAtFirstFailure(t *testing.T) {
	r := &scriptedRunner{fail: "b"}
	results, err := RunScript(context.Background(), r, []string{"a", "b", "c"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExitStatus)
	assert.Len(t, results, 2)
	assert.Equal(t, []string{"a", "b"}, r.ran)
}

func TestRunScriptHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := RunScript(ctx, &scriptedRunner{}, []string{"a"})
	assert.Empty(t, results)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd\n[output truncated]", b.String())
}

func TestDialRejectsEmptyPassword(t *testing.T) {
	d, err := NewDialer(Config{InsecureIgnoreHostKey: true}, nil)
	require.NoError(t, err)
	_, err = d.Dial(context.Background(), Credentials{Host: "127.0.0.1", Username: "root"})
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestNewDialerRequiresHostKeyPolicy(t *testing.T) {
	_, err := NewDialer(Config{}, nil)
	assert.Error(t, err)
}

func TestCredentialsAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", Credentials{Host: "10.0.0.1"}.Address())
	assert.Equal(t, "[::1]:2222", Credentials{Host: "::1", Port: 2222}.Address())
}
