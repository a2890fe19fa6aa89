package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	timeColor = color.New(color.FgHiBlack)
	taskColor = color.New(color.FgCyan)
	durColor  = color.New(color.FgMagenta)
	failColor = color.New(color.FgRed, color.Bold)
)

// Banner prints the human-facing task lifecycle lines:
//
//	[14:02:11] Starting 'styles'...
//	[14:02:11] Finished 'styles' after 38 ms
//
// Lines from concurrent tasks never interleave.
type Banner struct {
	out io.Writer
	mu  sync.Mutex
	now func() time.Time
}

// NewBanner returns a Banner writing to w (stdout when nil).
func NewBanner(w io.Writer) *Banner {
	if w == nil {
		w = os.Stdout
	}
	return &Banner{out: w, now: time.Now}
}

// Starting announces a task.
func (b *Banner) Starting(task string) {
	b.printf("Starting '%s'...", taskColor.Sprint(task))
}

// Finished announces successful completion.
func (b *Banner) Finished(task string, d time.Duration) {
	b.printf("Finished '%s' after %s", taskColor.Sprint(task), durColor.Sprint(formatDuration(d)))
}

// Failed announces a task that returned an error.
func (b *Banner) Failed(task string, d time.Duration, err error) {
	b.printf("%s '%s' after %s: %v", failColor.Sprint("Errored"), taskColor.Sprint(task), durColor.Sprint(formatDuration(d)), err)
}

func (b *Banner) printf(format string, args ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stamp := timeColor.Sprintf("[%s]", b.now().Format("15:04:05"))
	fmt.Fprintf(b.out, "%s %s\n", stamp, fmt.Sprintf(format, args...))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%d μs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%d ms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2f s", d.Seconds())
	}
}
