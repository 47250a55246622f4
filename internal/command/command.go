// Package command parses and normalizes agent-submitted CLI commands.
package command

import (
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ParseError reports a malformed command (bad quoting, wrong verb).
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", truncate(e.Input, 80), e.Reason)
}

// Command is a parsed and normalized CLI command.
type Command struct {
	// Raw is the command string as submitted.
	Raw string
	// Normalized is the canonical form used for matching and storage.
	Normalized string
	// Argv is the shell-split normalized command.
	Argv []string
	// Service is the second token (e.g. "s3"), lowercased.
	Service string
	// Action is the third token (e.g. "ls"), lowercased.
	Action string
}

// Args returns everything after the action token.
func (c *Command) Args() []string {
	if len(c.Argv) <= 3 {
		return nil
	}
	return c.Argv[3:]
}

// HasFlag reports whether any argument equals the given flag.
func (c *Command) HasFlag(flag string) bool {
	for _, a := range c.Args() {
		if a == flag {
			return true
		}
	}
	return false
}

// Parse normalizes raw and splits it into argv. The first token must equal
// verb (the configured CLI entrypoint, "aws" by default).
func Parse(raw, verb string) (*Command, error) {
	normalized := Normalize(raw)
	if normalized == "" {
		return nil, &ParseError{Input: raw, Reason: "empty command"}
	}

	parser := shellwords.NewParser()
	parser.ParseEnv = false
	parser.ParseBacktick = false
	argv, err := parser.Parse(normalized)
	if err != nil {
		return nil, &ParseError{Input: raw, Reason: "mismatched quoting"}
	}
	if len(argv) == 0 {
		return nil, &ParseError{Input: raw, Reason: "empty command"}
	}
	if argv[0] != verb {
		return nil, &ParseError{Input: raw, Reason: fmt.Sprintf("command must start with %q", verb)}
	}

	cmd := &Command{
		Raw:        raw,
		Normalized: normalized,
		Argv:       argv,
	}
	if len(argv) > 1 {
		cmd.Service = argv[1]
	}
	if len(argv) > 2 {
		cmd.Action = argv[2]
	}
	return cmd, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Join re-joins argv with single spaces.
func Join(argv []string) string {
	return strings.Join(argv, " ")
}
