package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// ProgressBar reports engine progress on a terminal. It is safe to reuse
// for several phases; each Start replaces the previous bar.
type ProgressBar struct {
	writer io.Writer
	bar    *progressbar.ProgressBar
	mu     sync.Mutex
	quiet  bool
}

// NewProgressBar creates a progress reporter writing to writer. A quiet
// reporter discards all updates.
func NewProgressBar(writer io.Writer, quiet bool) *ProgressBar {
	if writer == nil {
		writer = os.Stderr
	}
	return &ProgressBar{writer: writer, quiet: quiet}
}

// Start begins a new bar with total steps.
func (p *ProgressBar) Start(total int, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.quiet || total <= 0 {
		p.bar = nil
		return
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.writer),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan][bold]%s...[reset]", description)),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprintln(p.writer); err != nil {
				slog.Warn("Failed to write newline after progress bar", "error", err)
			}
		}),
	)
}

// Add advances the bar by n steps.
func (p *ProgressBar) Add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil {
		return
	}
	if err := p.bar.Add(n); err != nil {
		slog.Warn("Failed to update progress bar", "error", err)
	}
}

// Finish completes the current bar.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil {
		return
	}
	if err := p.bar.Finish(); err != nil {
		slog.Warn("Failed to finish progress bar", "error", err)
	}
	p.bar = nil
}
