package fuzz

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	statValueStyle = lipgloss.NewStyle().Bold(true)
	statLabelStyle = lipgloss.NewStyle().Faint(true)
)

// Stats accumulates per-interval and whole-session counters for the
// fuzzing loop.
type Stats struct {
	Iterations      uint64
	TotalIterations uint64
	Coverage        uint64
	TotalCoverage   uint64
	CodePages       int
	DataPages       int
	CorpusSize      int
	WorklistSize    int
	Crashes         uint64

	Start      time.Time
	TotalStart time.Time
	interval   time.Duration
}

// NewStats starts both clocks.
func NewStats(interval time.Duration) *Stats {
	now := time.Now()
	return &Stats{Start: now, TotalStart: now, interval: interval}
}

func (s *Stats) reset() {
	s.Iterations = 0
	s.Coverage = 0
	s.Start = time.Now()
}

// MaybeDisplay emits a stats line when the display interval elapsed.
func (s *Stats) MaybeDisplay(w io.Writer) {
	if s.interval != 0 && time.Since(s.Start) > s.interval {
		s.Display(w)
	}
}

// Display writes one stats line and resets the interval counters.
func (s *Stats) Display(w io.Writer) {
	elapsed := time.Since(s.Start).Seconds()
	var execRate float64
	if elapsed > 0 {
		execRate = float64(s.Iterations) / elapsed
	}
	fmt.Fprintf(w, "%s %s, %s %s, %s %s, %s %s, %s %s, %s %s, %s %s, %s %s\n",
		statValueStyle.Render(fmt.Sprintf("%d", s.TotalIterations)), statLabelStyle.Render("executions"),
		statValueStyle.Render(fmt.Sprintf("%.0f", execRate)), statLabelStyle.Render("exec/s"),
		statValueStyle.Render(fmt.Sprintf("%d", s.TotalCoverage)), statLabelStyle.Render("coverage"),
		statValueStyle.Render(fmt.Sprintf("%d", s.Coverage)), statLabelStyle.Render("new"),
		statValueStyle.Render(humanBytes(float64(s.CodePages)*0x1000)), statLabelStyle.Render("code"),
		statValueStyle.Render(humanBytes(float64(s.DataPages)*0x1000)), statLabelStyle.Render("data"),
		statValueStyle.Render(fmt.Sprintf("%d", s.CorpusSize)), statLabelStyle.Render("corpus"),
		statValueStyle.Render(fmt.Sprintf("%d", s.Crashes)), statLabelStyle.Render("crashes"),
	)
	s.reset()
}

// humanBytes renders a byte count with a decimal unit prefix.
func humanBytes(n float64) string {
	units := []string{"B", "kB", "MB", "GB", "TB", "PB"}
	if n < 1 {
		return fmt.Sprintf("%.0f B", n)
	}
	exp := int(math.Floor(math.Log(n) / math.Log(1000)))
	if exp >= len(units) {
		exp = len(units) - 1
	}
	return fmt.Sprintf("%.2f %s", n/math.Pow(1000, float64(exp)), units[exp])
}
