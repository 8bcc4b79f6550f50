// Package progress implements the console progress reporter: a ProgressSink
// that renders one live bar per training run via mpb, the same console
// progress library used elsewhere in this dependency's lineage for
// long-running pipeline stages.
package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/lab/crystalline/internal/training"
)

// ConsoleReporter renders a single live bar tracking step/maxSteps, with a
// trailing decorator showing the most recent loss and learning rate.
type ConsoleReporter struct {
	progress *mpb.Progress
	bar      *mpb.Bar
	last     training.ProgressRecord
}

// NewConsoleReporter builds a ConsoleReporter writing to w, tracking steps
// up to maxSteps.
func NewConsoleReporter(w io.Writer, maxSteps int) *ConsoleReporter {
	p := mpb.New(mpb.WithOutput(w), mpb.WithWidth(40), mpb.WithRefreshRate(200*time.Millisecond))
	r := &ConsoleReporter{progress: p}
	r.bar = p.AddBar(int64(maxSteps),
		mpb.PrependDecorators(decor.Name("train ")),
		mpb.AppendDecorators(decor.Any(func(statistics decor.Statistics) string {
			return fmt.Sprintf("loss=%.4f lr=%.2e", r.last.MeanLoss, r.last.LR)
		})),
	)
	return r
}

// Report implements training.ProgressSink.
func (r *ConsoleReporter) Report(rec training.ProgressRecord) {
	r.last = rec
	r.bar.SetCurrent(int64(rec.Step))
}

// Close waits for the bar to finish rendering. Call once training stops.
func (r *ConsoleReporter) Close() {
	r.progress.Wait()
}

// Noop is a ProgressSink that discards every record, for callers that want
// no console output at all.
type Noop struct{}

// Report implements training.ProgressSink by doing nothing.
func (Noop) Report(training.ProgressRecord) {}
