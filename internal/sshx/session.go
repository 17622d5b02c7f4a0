package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"path"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/arkdeploy/ark/internal/cmdguard"
)

// maxOutput caps captured stdout and stderr per command.
const maxOutput = 1 << 20

// Result is the captured outcome of one remote command.
type Result struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Runner executes commands on a remote host.
type Runner interface {
	Run(ctx context.Context, cmd string) (Result, error)
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error
}

// Session is an authenticated SSH connection to one server.
type Session struct {
	client  *ssh.Client
	addr    string
	timeout time.Duration
	log     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Runner = (*Session)(nil)

// Run validates cmd and executes it. Non-zero exits return the Result
// together with a *CommandError.
func (s *Session) Run(ctx context.Context, cmd string) (Result, error) {
	return s.exec(ctx, cmd, nil)
}

// RunScript runs cmds in order and stops at the first failure.
func (s *Session) RunScript(ctx context.Context, cmds []string) ([]Result, error) {
	return RunScript(ctx, s, cmds)
}

// WriteFile streams data to path over stdin, creating the parent directory.
func (s *Session) WriteFile(ctx context.Context, target string, data []byte, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		Quote(path.Dir(target)), Quote(target), mode.Perm(), Quote(target))
	_, err := s.exec(ctx, cmd, data)
	return err
}

// DialUnix opens a stream to a unix socket on the remote host.
func (s *Session) DialUnix(socket string) (net.Conn, error) {
	conn, err := s.client.Dial("unix", socket)
	if err != nil {
		return nil, &CommandError{Kind: KindTransport, Err: fmt.Errorf("dial %s on %s: %w", socket, s.addr, err)}
	}
	return conn, nil
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *Session) exec(ctx context.Context, cmd string, stdin []byte) (Result, error) {
	res := Result{Command: cmd, ExitCode: -1}
	if err := cmdguard.Validate(cmd); err != nil {
		s.log.Warn("command rejected", "error", err)
		observeCommand(KindRejected, 0)
		return res, &CommandError{Kind: KindRejected, Result: res, Err: err}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sess, err := s.client.NewSession()
	if err != nil {
		observeCommand(KindTransport, 0)
		return res, &CommandError{Kind: KindTransport, Result: res, Err: fmt.Errorf("open session: %w", err)}
	}
	defer sess.Close()

	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	sess.Stdout = stdout
	sess.Stderr = stderr
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}

	start := time.Now()
	if err := sess.Start(cmd); err != nil {
		observeCommand(KindTransport, time.Since(start))
		return res, &CommandError{Kind: KindTransport, Result: res, Err: fmt.Errorf("start command: %w", err)}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		res.Stdout, res.Stderr = stdout.String(), stderr.String()
		res.Duration = time.Since(start)
		observeCommand(KindTimeout, res.Duration)
		s.log.Warn("command cancelled", "command", truncate(cmd, 200), "duration", res.Duration)
		return res, &CommandError{Kind: KindTimeout, Result: res, Err: ctx.Err()}
	}

	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	res.Duration = time.Since(start)

	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		observeCommand(KindTransport, res.Duration)
		return res, &CommandError{Kind: KindTransport, Result: res, Err: waitErr}
	}

	kind := Classify(res)
	observeCommand(kind, res.Duration)
	if kind != KindOK {
		s.log.Debug("command failed", "command", truncate(cmd, 200), "exit_code", res.ExitCode, "kind", kind)
		return res, &CommandError{Kind: kind, Result: res}
	}
	s.log.Debug("command completed", "command", truncate(cmd, 200), "duration", res.Duration)
	return res, nil
}

// RunScript runs cmds sequentially on r and returns every result up to and
// including the first failure.
func RunScript(ctx context.Context, r Runner, cmds []string) ([]Result, error) {
	results := make([]Result, 0, len(cmds))
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return results, &CommandError{Kind: KindTimeout, Result: Result{Command: cmd, ExitCode: -1}, Err: err}
		}
		res, err := r.Run(ctx, cmd)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
