package output

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gradualhq/gradual/internal/runner"
)

// ProgressReporter prints a single overwriting status line while the run is
// active: current phase, per-scenario live and target worker counts, and the
// run-wide request tally.
type ProgressReporter struct {
	status   func() runner.Status
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
	start    time.Time
}

func NewProgressReporter(status func() runner.Status, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		status:   status,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
		start:    time.Now(),
	}
}

// Start begins printing updates on a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return
	}
	go p.run()
}

// Stop halts updates and waits for the reporter goroutine to exit.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, renderStatusLine(p.status(), time.Since(p.start)))
		case <-p.done:
			return
		}
	}
}

func renderStatusLine(st runner.Status, elapsed time.Duration) string {
	var b strings.Builder
	b.WriteString("\r")
	fmt.Fprintf(&b, "[%s]", elapsed.Truncate(time.Second))
	if st.Phase != "" {
		fmt.Fprintf(&b, " phase=%s", st.Phase)
	}

	var requests int64
	for _, sc := range st.Scenarios {
		requests += sc.Requests
		fmt.Fprintf(&b, " | %s: %d/%d workers", sc.Name, sc.Live, sc.Target)
	}
	fmt.Fprintf(&b, " | requests=%d", requests)
	return b.String()
}
