package training

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// ProgressBar shows per-batch progress for one phase of an epoch. A nil *ProgressBar is valid and
// draws nothing.
type ProgressBar struct {
	bar    *progressbar.ProgressBar
	w      io.Writer
	prefix string
}

// NewProgressBar creates a new progress bar writing to w (stderr when nil), or nil when quiet.
func NewProgressBar(w io.Writer, quiet bool, description string, total int) *ProgressBar {
	if quiet {
		return nil
	}
	if w == nil {
		w = os.Stderr
	}
	return &ProgressBar{
		w:      w,
		prefix: description,
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batch"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionSetWidth(30),
		),
	}
}

// Update advances one batch and shows the running loss and accuracy.
func (pb *ProgressBar) Update(loss, acc float64) {
	if pb == nil {
		return
	}
	pb.bar.Describe(fmt.Sprintf("%s loss %.4f acc %6.2f%%", pb.prefix, loss, acc))
	_ = pb.bar.Add(1)
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb == nil {
		return
	}
	_ = pb.bar.Finish()
	fmt.Fprintln(pb.w)
}
