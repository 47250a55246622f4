package grant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Pattern compile guards. These bound the cost of any compiled matcher so a
// hostile pattern cannot cause pathological backtracking.
const (
	maxPatternLength = 256
	maxStars         = 10
)

var (
	ErrPatternTooLong = errors.New("pattern exceeds maximum length")
	ErrTooManyStars   = errors.New("pattern has too many wildcards")
	ErrTripleStar     = errors.New("pattern contains three consecutive wildcards")
	ErrBadPattern     = errors.New("pattern failed to compile")
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// placeholderClass returns the regex body for a named placeholder. uuid and
// date get specific shapes; everything else matches one non-space run.
func placeholderClass(name string) string {
	switch name {
	case "uuid":
		return `[0-9a-fA-F-]{12,36}`
	case "date":
		return `\d{4}-\d{2}-\d{2}`
	default:
		return `\S+`
	}
}

// IsPattern reports whether an authorized entry is a pattern rather than a
// literal command.
func IsPattern(entry string) bool {
	return strings.ContainsAny(entry, "*{")
}

// CompilePattern turns an authorized pattern into a matcher. `{name}`
// matches a placeholder class, `**` matches any run including spaces, and a
// single `*` matches a non-space run. The guards reject patterns longer
// than 256 chars, more than 10 stars outside placeholders, and any `***`.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > maxPatternLength {
		return nil, fmt.Errorf("%w: %d chars", ErrPatternTooLong, len(pattern))
	}

	outside := placeholderRe.ReplaceAllString(pattern, "")
	if strings.Count(outside, "*") > maxStars {
		return nil, ErrTooManyStars
	}
	if strings.Contains(outside, "***") {
		return nil, ErrTripleStar
	}

	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(pattern) {
		if loc := placeholderRe.FindStringIndex(pattern[i:]); loc != nil && loc[0] == 0 {
			name := placeholderRe.FindStringSubmatch(pattern[i:])[1]
			b.WriteString(placeholderClass(name))
			i += loc[1]
			continue
		}
		if strings.HasPrefix(pattern[i:], "**") {
			b.WriteString(`.*`)
			i += 2
			continue
		}
		if pattern[i] == '*' {
			b.WriteString(`\S*`)
			i++
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		i++
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPattern, err)
	}
	return re, nil
}
