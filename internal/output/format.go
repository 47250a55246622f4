// Package output renders CLI results: JSON on stdout for machine
// consumers, styled tables and status badges on stderr for humans.
package output

import "sync/atomic"

var jsonMode atomic.Bool

// SetOutputMode switches every helper between human and JSON output.
func SetOutputMode(json bool) { jsonMode.Store(json) }

// IsJSON reports whether JSON mode is active.
func IsJSON() bool { return jsonMode.Load() }
