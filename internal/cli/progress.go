package cli

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ─── Progress Bar ───────────────────────────────────────────────────────────
// A terminal progress bar for watching generations.
// Shows: [=========>.....................]  38% | running | ETA 45s

const barWidth = 30 // Characters for the progress bar

type progressBar struct {
	started time.Time
}

func newProgressBar() *progressBar {
	return &progressBar{
		started: time.Now(),
	}
}

// renderQueued shows where the task sits while it waits for VRAM.
func (p *progressBar) renderQueued(position int, etaSec float64) {
	clearLine()
	if position > 0 {
		fmt.Fprintf(os.Stderr, "[...] queued at position %d | %s", position, formatETA(etaSec))
		return
	}
	fmt.Fprintf(os.Stderr, "[...] queued | %s", formatETA(etaSec))
}

// render draws the bar with a status label in the middle column.
func (p *progressBar) render(pct float64, label string, etaSec float64) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	// Build the bar: [=======>............]
	filled := int(pct / 100 * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}
	empty := barWidth - filled

	var bar string
	if filled == barWidth {
		bar = strings.Repeat("=", filled)
	} else if filled > 0 {
		bar = strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty)
	} else {
		bar = strings.Repeat(".", barWidth)
	}

	clearLine()
	fmt.Fprintf(os.Stderr, "  %s %3.0f%% | %s | %s | %s",
		bar, pct, label, p.elapsed(), formatETA(etaSec))
}

// finish clears the bar and prints the closing line.
func (p *progressBar) finish(line string) {
	clearLine()
	fmt.Fprintf(os.Stderr, "%s\n", line)
}

func (p *progressBar) elapsed() string {
	sec := int(time.Since(p.started).Seconds())
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	return fmt.Sprintf("%dm%ds", sec/60, sec%60)
}

func formatETA(sec float64) string {
	if sec <= 0 {
		return "ETA --"
	}
	return "ETA " + formatSeconds(sec)
}

// formatSeconds renders a second count as 45s / 2m30s / 1h05m.
func formatSeconds(sec float64) string {
	s := int(sec)
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	if s < 3600 {
		return fmt.Sprintf("%dm%02ds", s/60, s%60)
	}
	return fmt.Sprintf("%dh%02dm", s/3600, (s%3600)/60)
}

func clearLine() {
	fmt.Fprintf(os.Stderr, "\r\033[K")
}
