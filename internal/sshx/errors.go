package sshx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arkdeploy/ark/internal/cmdguard"
)

// Kind classifies the outcome of a remote command.
type Kind string

// Outcome kinds.
const (
	KindOK               Kind = "ok"
	KindCommandNotFound  Kind = "command_not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindContainerMissing Kind = "container_missing"
	KindTimeout          Kind = "timeout"
	KindRejected         Kind = "rejected"
	KindTransport        Kind = "transport"
	KindExitStatus       Kind = "exit_status"
)

var (
	ErrCommandNotFound  = errors.New("command not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrContainerMissing = errors.New("container missing")
	ErrTimeout          = errors.New("command timed out")
	ErrTransport        = errors.New("ssh transport failure")
	ErrExitStatus       = errors.New("command exited with non-zero status")
	// ErrRejected aliases the validator sentinel so callers need one import.
	ErrRejected = cmdguard.ErrRejected
)

var kindSentinels = map[Kind]error{
	KindCommandNotFound:  ErrCommandNotFound,
	KindPermissionDenied: ErrPermissionDenied,
	KindContainerMissing: ErrContainerMissing,
	KindTimeout:          ErrTimeout,
	KindRejected:         ErrRejected,
	KindTransport:        ErrTransport,
	KindExitStatus:       ErrExitStatus,
}

// Classify maps a command result onto a Kind using the exit code and stderr.
func Classify(res Result) Kind {
	if res.ExitCode == 0 {
		return KindOK
	}
	stderr := strings.ToLower(res.Stderr)
	switch {
	case strings.Contains(stderr, "no such container"):
		return KindContainerMissing
	case res.ExitCode == 127, strings.Contains(stderr, "command not found"):
		return KindCommandNotFound
	case res.ExitCode == 126,
		strings.Contains(stderr, "permission denied"),
		strings.Contains(stderr, "operation not permitted"):
		return KindPermissionDenied
	default:
		return KindExitStatus
	}
}

// CommandError is returned for any command that did not succeed.
type CommandError struct {
	Kind   Kind
	Result Result
	Err    error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Kind)
	if e.Result.Command != "" {
		fmt.Fprintf(&b, " running %q", truncate(e.Result.Command, 120))
	}
	if e.Kind == KindExitStatus || e.Kind == KindCommandNotFound || e.Kind == KindPermissionDenied || e.Kind == KindContainerMissing {
		fmt.Fprintf(&b, ": exit %d", e.Result.ExitCode)
	}
	if msg := strings.TrimSpace(e.Result.Stderr); msg != "" {
		fmt.Fprintf(&b, ": %s", truncate(lastLine(msg), 300))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the underlying cause, such as a *cmdguard.RejectedError.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's Kind.
func (e *CommandError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the Kind of err, or KindOK for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Kind
	}
	if errors.Is(err, ErrRejected) {
		return KindRejected
	}
	return KindTransport
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
