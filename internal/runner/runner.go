// Package runner executes external programs with a fixed arg vector.
// It backs the CLI fallback paths of the packet filter (C3): the
// native netlink/nftables code paths never call into this package.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// NonZeroExit is returned by Run when the process exits non-zero.
type NonZeroExit struct {
	Program string
	Args    []string
	Code    int
	Stderr  string
}

func (e *NonZeroExit) Error() string {
	return fmt.Sprintf("%s %s: exit %d: %s", e.Program, strings.Join(e.Args, " "), e.Code, e.Stderr)
}

// Runner runs external commands, optionally logging each invocation.
type Runner struct {
	Verbose bool
}

// New returns a Runner with the given verbosity.
func New(verbose bool) *Runner {
	return &Runner{Verbose: verbose}
}

// Run executes program with args and fails if it exits non-zero.
func (r *Runner) Run(ctx context.Context, program string, args ...string) error {
	if r.Verbose {
		log.Printf("runner: exec %s %s", program, strings.Join(args, " "))
	}
	cmd := exec.CommandContext(ctx, program, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitCode int
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
			return &NonZeroExit{Program: program, Args: args, Code: exitCode, Stderr: stderr.String()}
		}
		return fmt.Errorf("exec %s: %w", program, err)
	}
	return nil
}

// RunCaptureAllowFail executes program with args, never failing on a
// non-zero exit. It is used only for tearing down objects that may or
// may not exist. Returns trimmed stdout.
func (r *Runner) RunCaptureAllowFail(ctx context.Context, program string, args ...string) string {
	if r.Verbose {
		log.Printf("runner: exec (allow-fail) %s %s", program, strings.Join(args, " "))
	}
	cmd := exec.CommandContext(ctx, program, args...)
	out, err := cmd.Output()
	if err != nil && r.Verbose {
		log.Printf("runner: %s %s failed (ignored): %v", program, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out))
}

// BinaryPresent reports whether program is resolvable on PATH.
func BinaryPresent(program string) bool {
	_, err := exec.LookPath(program)
	return err == nil
}
