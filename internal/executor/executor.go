// Package executor runs approved commands. The subprocess executor is the
// documented mode: credentials reach the child through its environment and
// never touch the gateway's own.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/clawdbot/bouncer/internal/command"
)

// Credentials are the short-lived values handed to one invocation.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// Env renders the credentials as environment assignments.
func (c Credentials) Env() []string {
	if c.AccessKeyID == "" {
		return nil
	}
	env := []string{
		"AWS_ACCESS_KEY_ID=" + c.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + c.SecretAccessKey,
	}
	if c.SessionToken != "" {
		env = append(env, "AWS_SESSION_TOKEN="+c.SessionToken)
	}
	if c.Region != "" {
		env = append(env, "AWS_DEFAULT_REGION="+c.Region)
	}
	return env
}

// Result is the outcome of one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs one approved command to completion.
type Executor interface {
	Execute(ctx context.Context, cmd *command.Command, creds Credentials) (*Result, error)
}

// Output size cap per stream. Larger output is cut, not buffered.
const maxCapture = 1 << 20

// Subprocess runs the command as a child process with a bounded deadline.
type Subprocess struct {
	Timeout time.Duration
}

// NewSubprocess returns the default executor.
func NewSubprocess(timeout time.Duration) *Subprocess {
	return &Subprocess{Timeout: timeout}
}

// Execute runs argv directly, no shell. The child environment is the parent
// environment stripped of ambient cloud credentials, plus the per-invocation
// ones.
func (e *Subprocess) Execute(ctx context.Context, cmd *command.Command, creds Credentials) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty argv")
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	child := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	child.Env = append(strippedEnv(os.Environ()), creds.Env()...)

	var stdout, stderr limitedBuffer
	stdout.limit = maxCapture
	stderr.limit = maxCapture
	child.Stdout = &stdout
	child.Stderr = &stderr

	start := time.Now()
	err := child.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, ctx.Err()
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		// Start failure. No exit code exists.
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

// strippedEnv removes ambient credential variables so only the
// per-invocation ones reach the child.
func strippedEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		switch key {
		case "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
			"AWS_PROFILE", "AWS_DEFAULT_PROFILE":
			continue
		}
		out = append(out, kv)
	}
	return out
}

// limitedBuffer keeps at most limit bytes and discards the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
