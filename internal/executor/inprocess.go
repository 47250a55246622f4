package executor

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/clawdbot/bouncer/internal/command"
)

// InProcess wraps an invocation function that reads credentials from the
// process environment. The environment is process-global, so invocations are
// serialized and the prior environment is restored on every exit path,
// panics included.
type InProcess struct {
	mu  sync.Mutex
	run func(ctx context.Context, cmd *command.Command) (*Result, error)
}

// NewInProcess wraps run, which must honor the ambient AWS_* variables.
func NewInProcess(run func(ctx context.Context, cmd *command.Command) (*Result, error)) *InProcess {
	return &InProcess{run: run}
}

var credentialVars = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AWS_DEFAULT_REGION",
}

// Execute sets the credential variables, runs, and restores the previous
// values under a process-wide lock.
func (e *InProcess) Execute(ctx context.Context, cmd *command.Command, creds Credentials) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	saved := make(map[string]*string, len(credentialVars))
	for _, key := range credentialVars {
		if v, ok := os.LookupEnv(key); ok {
			vv := v
			saved[key] = &vv
		} else {
			saved[key] = nil
		}
	}
	defer func() {
		for key, v := range saved {
			if v == nil {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, *v)
			}
		}
	}()

	for _, kv := range creds.Env() {
		key, value, _ := strings.Cut(kv, "=")
		os.Setenv(key, value)
	}
	return e.run(ctx, cmd)
}
