// Package sshxtest provides an in-memory sshx.Runner for tests.
package sshxtest

import (
	"context"
	"io/fs"
	"strings"
	"sync"

	"github.com/arkdeploy/ark/internal/cmdguard"
	"github.com/arkdeploy/ark/internal/sshx"
)

// Response is the canned reply for commands containing Match.
type Response struct {
	Match    string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// File is a file written through WriteFile.
type File struct {
	Data []byte
	Mode fs.FileMode
}

// Runner records commands and replies with the first matching Response.
// Unmatched commands succeed with empty output.
type Runner struct {
	mu        sync.Mutex
	responses []Response
	Commands  []string
	Files     map[string]File
}

// New returns a Runner with the given responses.
func New(responses ...Response) *Runner {
	return &Runner{responses: responses, Files: make(map[string]File)}
}

// On appends a response.
func (r *Runner) On(match string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp.Match = match
	r.responses = append(r.responses, resp)
	return r
}

// Run implements sshx.Runner.
func (r *Runner) Run(_ context.Context, cmd string) (sshx.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := sshx.Result{Command: cmd}
	if err := cmdguard.Validate(cmd); err != nil {
		res.ExitCode = -1
		return res, &sshx.CommandError{Kind: sshx.KindRejected, Result: res, Err: err}
	}
	r.Commands = append(r.Commands, cmd)
	for _, resp := range r.responses {
		if !strings.Contains(cmd, resp.Match) {
			continue
		}
		res.Stdout, res.Stderr, res.ExitCode = resp.Stdout, resp.Stderr, resp.ExitCode
		if resp.Err != nil {
			return res, resp.Err
		}
		if kind := sshx.Classify(res); kind != sshx.KindOK {
			return res, &sshx.CommandError{Kind: kind, Result: res}
		}
		return res, nil
	}
	return res, nil
}

// WriteFile implements sshx.Runner.
func (r *Runner) WriteFile(_ context.Context, path string, data []byte, mode fs.FileMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commands = append(r.Commands, "write "+path)
	r.Files[path] = File{Data: append([]byte(nil), data...), Mode: mode}
	return nil
}

// Ran reports whether any recorded command contains substr.
func (r *Runner) Ran(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.Commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

// Count returns how many recorded commands contain substr.
func (r *Runner) Count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cmd := range r.Commands {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}
