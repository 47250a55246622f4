package output

import (
	"encoding/json"
	"os"
)

// ErrorPayload is the JSON error shape.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// OutputJSON writes indented JSON to stdout.
func OutputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// OutputError writes an error in the active mode: structured JSON on
// stdout, or a plain line on stderr.
func OutputError(kind, message string) {
	if IsJSON() {
		_ = OutputJSON(ErrorPayload{Error: kind, Message: message})
		return
	}
	os.Stderr.WriteString(message + "\n")
}
