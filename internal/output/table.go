package output

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var styleHeader = lipgloss.NewStyle().Bold(true)

// OutputTable prints a tab-aligned table with a bold header row to stderr.
// Human mode only; JSON consumers get the raw payload instead.
func OutputTable(headers []string, rows [][]string) {
	styled := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = styleHeader.Render(h)
	}
	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(styled, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}
