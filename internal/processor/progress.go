package processor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mustard-hep/mustard/internal/scheduler"
)

const (
	defaultBarWidth = 40
	defaultRefresh  = 200 * time.Millisecond
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true)
	countStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// ProgressOptions tune a ProgressHooks. Zero values pick the defaults.
type ProgressOptions struct {
	Label    string
	Width    int           // bar width in cells
	Refresh  time.Duration // minimum time between redraws
	Disabled bool          // draw nothing, for ranks that stay quiet
}

// ProgressHooks draws a textual progress bar of the calling process's share
// of each loop. Redraws are throttled to Refresh; the first and last states
// are always drawn.
type ProgressHooks[T scheduler.Index] struct {
	w       io.Writer
	opts    ProgressOptions
	bar     progress.Model
	now     func() time.Time
	tally   loopTally
	drawnAt time.Time
}

// NewProgressHooks returns hooks drawing to w.
func NewProgressHooks[T scheduler.Index](w io.Writer, opts ProgressOptions) *ProgressHooks[T] {
	if opts.Width <= 0 {
		opts.Width = defaultBarWidth
	}
	if opts.Refresh <= 0 {
		opts.Refresh = defaultRefresh
	}
	return &ProgressHooks[T]{
		w:    w,
		opts: opts,
		bar:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(opts.Width)),
		now:  time.Now,
	}
}

func (h *ProgressHooks[T]) LoopRangeAction(share scheduler.Range[T]) {
	h.tally.setShare(int64(share.Len()))
}

func (h *ProgressHooks[T]) LoopBeginAction(nTotal T) {
	h.tally.begin(int64(nTotal))
	h.tally.started = h.now()
	h.draw(false)
}

func (h *ProgressHooks[T]) IterationEndAction() {
	h.tally.executed++
	if h.tally.executed == h.tally.share || h.now().Sub(h.drawnAt) >= h.opts.Refresh {
		h.draw(false)
	}
}

func (h *ProgressHooks[T]) LoopFailedAction(err error) { h.tally.err = err }

func (h *ProgressHooks[T]) LoopEndAction() {
	h.draw(true)
	h.tally.end()
}

// fraction is the completed part of the share; an empty share counts as done.
func (h *ProgressHooks[T]) fraction() float64 {
	if h.tally.share <= 0 {
		return 1
	}
	return float64(h.tally.executed) / float64(h.tally.share)
}

func (h *ProgressHooks[T]) draw(final bool) {
	if h.opts.Disabled || h.w == nil {
		return
	}
	now := h.now()
	h.drawnAt = now

	var b strings.Builder
	b.WriteString("\r")
	if h.opts.Label != "" {
		b.WriteString(labelStyle.Render(h.opts.Label))
		b.WriteString(" ")
	}
	b.WriteString(h.bar.ViewAs(h.fraction()))
	b.WriteString(" ")
	b.WriteString(countStyle.Render(fmt.Sprintf("%s/%s",
		humanize.Comma(h.tally.executed), humanize.Comma(h.tally.share))))

	elapsed := now.Sub(h.tally.started)
	if secs := elapsed.Seconds(); secs > 0 && h.tally.executed > 0 {
		rate := float64(h.tally.executed) / secs
		b.WriteString(countStyle.Render(fmt.Sprintf(" %s/s", humanize.CommafWithDigits(rate, 1))))
		if !final {
			left := time.Duration(float64(h.tally.share-h.tally.executed) / rate * float64(time.Second))
			b.WriteString(countStyle.Render(fmt.Sprintf(" eta %s", left.Round(time.Second))))
		}
	}

	if final {
		if h.tally.err != nil {
			b.WriteString(" " + failStyle.Render("aborted: "+h.tally.err.Error()))
		} else {
			b.WriteString(" " + doneStyle.Render(fmt.Sprintf("done in %s", elapsed.Round(time.Millisecond))))
		}
		b.WriteString("\n")
	}

	io.WriteString(h.w, b.String())
}
