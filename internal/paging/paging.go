// Package paging splits long execution output into retrievable pages so
// notification messages stay under platform size limits.
package paging

import (
	"fmt"
	"strings"
	"time"

	"github.com/clawdbot/bouncer/internal/store"
)

// Options configures the pager.
type Options struct {
	// InlineThreshold is the longest output delivered inline without paging.
	InlineThreshold int
	// PageSize is the maximum characters per stored page.
	PageSize int
	// TTL is how long pages stay retrievable.
	TTL time.Duration
}

// Result describes how one output was delivered.
type Result struct {
	// Inline is the content to embed in the notification. When the output
	// was paged it is the first page plus a retrieval hint.
	Inline    string
	Paged     bool
	PageCount int
	FirstPage string
}

// Pager stores overflow pages and hands back inline summaries.
type Pager struct {
	store *store.Store
	opts  Options
	now   func() time.Time
}

// New returns a pager over the given store.
func New(s *store.Store, opts Options) *Pager {
	return &Pager{store: s, opts: opts, now: time.Now}
}

// SetClock overrides the clock. Tests only.
func (p *Pager) SetClock(now func() time.Time) { p.now = now }

// PageID names one page of a request's output.
func PageID(requestID string, pageNum int) string {
	return fmt.Sprintf("%s:page:%d", requestID, pageNum)
}

// Deliver returns the output inline when it fits, otherwise splits it into
// pages, stores them, and returns the first page with a retrieval hint.
func (p *Pager) Deliver(requestID, output string) (*Result, error) {
	if len(output) <= p.opts.InlineThreshold {
		return &Result{Inline: output}, nil
	}

	chunks := Split(output, p.opts.PageSize)
	expires := p.now().Add(p.opts.TTL)
	pages := make([]store.Page, len(chunks))
	for i, content := range chunks {
		pages[i] = store.Page{
			PageID:    PageID(requestID, i+1),
			RequestID: requestID,
			Content:   content,
			PageNum:   i + 1,
			PageCount: len(chunks),
			ExpiresAt: expires,
		}
	}
	if err := p.store.PutPages(pages); err != nil {
		return nil, fmt.Errorf("store pages: %w", err)
	}

	hint := fmt.Sprintf("\n[page 1 of %d, request %s]", len(chunks), requestID)
	return &Result{
		Inline:    chunks[0] + hint,
		Paged:     true,
		PageCount: len(chunks),
		FirstPage: chunks[0],
	}, nil
}

// Fetch returns one stored page. Expired or unknown pages return
// store.ErrNotFound.
func (p *Pager) Fetch(requestID string, pageNum int) (*store.Page, error) {
	return p.store.GetPage(PageID(requestID, pageNum))
}

// Split breaks content into chunks of at most size characters, preferring
// line boundaries. A single line longer than size is split mid-line.
func Split(content string, size int) []string {
	if size <= 0 || len(content) <= size {
		return []string{content}
	}

	var chunks []string
	var b strings.Builder
	for _, line := range strings.SplitAfter(content, "\n") {
		for len(line) > size {
			if b.Len() > 0 {
				chunks = append(chunks, b.String())
				b.Reset()
			}
			chunks = append(chunks, line[:size])
			line = line[size:]
		}
		if b.Len()+len(line) > size {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

// Truncate shortens s to at most n characters, marking the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const marker = "... [truncated]"
	if n <= len(marker) {
		return s[:n]
	}
	return s[:n-len(marker)] + marker
}
