// Package cmdguard rejects shell commands that would destroy or power off a
// remote host. It is a blacklist: anything not matched is allowed through.
package cmdguard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxCommandLength bounds the size of a single command.
const MaxCommandLength = 64 * 1024

// ErrRejected is matched by every *RejectedError.
var ErrRejected = errors.New("command rejected")

// RejectedError describes why a command was refused.
type RejectedError struct {
	Rule    string
	Reason  string
	Command string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("command rejected by %s: %s", e.Rule, e.Reason)
}

// Is reports true for ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

type rule struct {
	name    string
	pattern *regexp.Regexp
	reason  string
}

// sep matches the start of a shell command: line start or a command separator.
const sep = `(?:^|[;&|(]\s*|\bsudo\s+|\bexec\s+)`

var rules = []rule{
	{
		name:    "rm-no-preserve-root",
		pattern: regexp.MustCompile(`\brm\b[^;&|]*--no-preserve-root`),
		reason:  "delete with root preservation disabled",
	},
	{
		name:    "rm-root",
		pattern: regexp.MustCompile(sep + `rm\s+(?:-[a-zA-Z]*\s+|--[a-z-]+\s+)*-[a-zA-Z]*(?:[rR][a-zA-Z]*f|f[a-zA-Z]*[rR])[a-zA-Z]*\s+(?:-[a-zA-Z-]+\s+)*(?:/|/\*|~|\$HOME)(?:\s|$|;|&|\|)`),
		reason:  "recursive forced delete of the root or home directory",
	},
	{
		name:    "rm-split-flags-root",
		pattern: regexp.MustCompile(sep + `rm\s+(?:-[a-zA-Z]*[rR][a-zA-Z]*\s+-[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*\s+-[a-zA-Z]*[rR][a-zA-Z]*)\s+(?:/|/\*)(?:\s|$|;|&|\|)`),
		reason:  "recursive forced delete of the root directory",
	},
	{
		name:    "fork-bomb",
		pattern: regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
		reason:  "fork bomb",
	},
	{
		name:    "mkfs",
		pattern: regexp.MustCompile(sep + `mkfs(?:\.[a-z0-9]+)?\b`),
		reason:  "filesystem creation",
	},
	{
		name:    "dd-block-device",
		pattern: regexp.MustCompile(`\bdd\b[^;&|]*\bof=/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`),
		reason:  "raw write to a block device",
	},
	{
		name:    "redirect-block-device",
		pattern: regexp.MustCompile(`>\s*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)[a-z0-9]*`),
		reason:  "redirection onto a block device",
	},
	{
		name:    "wipefs",
		pattern: regexp.MustCompile(sep + `wipefs\b`),
		reason:  "filesystem signature wipe",
	},
	{
		name:    "partition-table",
		pattern: regexp.MustCompile(sep + `(?:fdisk|sfdisk|cfdisk|parted|sgdisk)\s+(?:[^;&|]*\s)?/dev/`),
		reason:  "partition table modification",
	},
	{
		name:    "power-state",
		pattern: regexp.MustCompile(sep + `(?:shutdown|reboot|halt|poweroff)\b`),
		reason:  "host power state change",
	},
	{
		name:    "init-runlevel",
		pattern: regexp.MustCompile(sep + `(?:init|telinit)\s+[06]\b`),
		reason:  "runlevel change to halt or reboot",
	},
	{
		name:    "systemctl-power",
		pattern: regexp.MustCompile(sep + `systemctl\s+(?:--[a-z-]+\s+)*(?:poweroff|reboot|halt|kexec|emergency|rescue)\b`),
		reason:  "host power state change",
	},
	{
		name:    "chmod-root",
		pattern: regexp.MustCompile(sep + `chmod\s+(?:-[a-zA-Z]*R[a-zA-Z]*|--recursive)\s+(?:[0-7]*7[0-7]{2}|a\+rwx|ugo\+rwx)\s+/(?:\s|$|;|&|\|)`),
		reason:  "recursive permission change on the root directory",
	},
	{
		name:    "chown-root",
		pattern: regexp.MustCompile(sep + `chown\s+(?:-[a-zA-Z]*R[a-zA-Z]*|--recursive)\s+\S+\s+/(?:\s|$|;|&|\|)`),
		reason:  "recursive ownership change on the root directory",
	},
}

var (
	whitespace = regexp.MustCompile(`\s+`)
	lineBreaks = strings.NewReplacer("\\\r\n", " ", "\\\n", " ", "\r\n", "; ", "\n", "; ", "\r", "; ")
)

// Normalize joins continued lines, turns line breaks into command
// separators, collapses runs of whitespace and trims the command.
func Normalize(cmd string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(lineBreaks.Replace(strings.TrimSpace(cmd)), " "))
}

// Validate returns a *RejectedError when cmd matches a destructive pattern.
func Validate(cmd string) error {
	if strings.ContainsRune(cmd, 0) {
		return &RejectedError{Rule: "nul-byte", Reason: "command contains a NUL byte", Command: cmd}
	}
	if len(cmd) > MaxCommandLength {
		return &RejectedError{Rule: "too-long", Reason: fmt.Sprintf("command exceeds %d bytes", MaxCommandLength), Command: cmd[:128]}
	}
	normalized := Normalize(cmd)
	if normalized == "" {
		return &RejectedError{Rule: "empty", Reason: "command is empty", Command: cmd}
	}
	for _, r := range rules {
		if r.pattern.MatchString(normalized) {
			return &RejectedError{Rule: r.name, Reason: r.reason, Command: normalized}
		}
	}
	return nil
}
