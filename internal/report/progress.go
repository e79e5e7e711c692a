package report

import (
	"io"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/shpitdev/soldcomp/internal/record"
)

// Progress shows a progress bar over the records processed in this run. A nil
// *Progress is a no-op.
type Progress struct {
	bar *pterm.ProgressbarPrinter
}

// NewProgress starts a bar for total records on w. It returns nil when total
// is zero or the bar cannot start.
func NewProgress(total int, w io.Writer) *Progress {
	if total <= 0 {
		return nil
	}
	bar, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Comparing").
		WithWriter(w).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		return nil
	}
	return &Progress{bar: bar}
}

// Step advances the bar by one finalized outcome.
func (p *Progress) Step(o record.Outcome) {
	if p == nil {
		return
	}
	p.bar.UpdateTitle("Comparing #" + strconv.Itoa(o.Index))
	p.bar.Increment()
}

func (p *Progress) Stop() {
	if p == nil {
		return
	}
	_, _ = p.bar.Stop()
}
