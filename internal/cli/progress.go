package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/davidthor/mdctl/pkg/pipeline"
)

// ProgressPrinter prints a line each time a monitored execution changes
// stage or status, and keeps the transitions for the final summary.
type ProgressPrinter struct {
	mu          sync.Mutex
	writer      io.Writer
	last        pipeline.Progress
	started     bool
	transitions []pipeline.Progress
}

// NewProgressPrinter creates a printer writing to w.
func NewProgressPrinter(w io.Writer) *ProgressPrinter {
	return &ProgressPrinter{writer: w}
}

// Update is a pipeline.ProgressFunc.
func (p *ProgressPrinter) Update(pr pipeline.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started && pr.Stage == p.last.Stage && pr.Status == p.last.Status {
		return
	}
	p.started = true
	p.last = pr
	p.transitions = append(p.transitions, pr)

	fmt.Fprintf(p.writer, "  [%8s] %-8s %s\n", formatElapsed(pr.Elapsed), pr.Stage, pr.Status)
}

// Transitions returns the recorded stage and status changes.
func (p *ProgressPrinter) Transitions() []pipeline.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]pipeline.Progress, len(p.transitions))
	copy(out, p.transitions)
	return out
}

// PrintSummary prints how long each stage took.
func (p *ProgressPrinter) PrintSummary(result *pipeline.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if result == nil {
		return
	}

	fmt.Fprintln(p.writer)
	fmt.Fprintf(p.writer, "%-8s %s\n", "STAGE", "DURATION")
	for i, tr := range p.transitions {
		if tr.Status != pipeline.StatusInProgress {
			continue
		}
		end := result.Elapsed
		if i+1 < len(p.transitions) {
			end = p.transitions[i+1].Elapsed
		}
		fmt.Fprintf(p.writer, "%-8s %s\n", tr.Stage, formatElapsed(end-tr.Elapsed))
	}
	fmt.Fprintf(p.writer, "%-8s %s\n", "Total", formatElapsed(result.Elapsed))
}

func formatElapsed(d time.Duration) string {
	return d.Round(time.Second).String()
}
