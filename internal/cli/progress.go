package cli

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"depot-packer/internal/model"
)

var (
	reFilePct  = regexp.MustCompile(`^\s*([0-9]{1,3}(?:\.[0-9]+)?)%\s+(.+)$`)
	reDepot    = regexp.MustCompile(`(?i)\bdepot\s+([0-9]+)\b`)
	reTotal    = regexp.MustCompile(`Total downloaded:\s*([0-9]+)\s*bytes`)
	reCompress = regexp.MustCompile(`^Compressing:\s*([0-9]+)%`)
)

// statusTracker folds job events into the few facts worth showing on one line.
type statusTracker struct {
	mu     sync.Mutex
	status string
	pct    string
	depot  string
	file   string
	total  int64
	last   string
}

func (s *statusTracker) Status(ev model.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = ev.Status
	if ev.Status != model.StatusRunning && ev.Status != model.StatusCompressing {
		s.pct = ""
	}
}

func (s *statusTracker) Log(ev model.LogEvent) {
	l := strings.TrimSpace(ev.Line)
	if l == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = l
	if m := reFilePct.FindStringSubmatch(l); len(m) > 2 {
		s.pct = m[1] + "%"
		s.file = m[2]
		return
	}
	if m := reCompress.FindStringSubmatch(l); len(m) > 1 {
		s.pct = m[1] + "%"
		return
	}
	if m := reTotal.FindStringSubmatch(l); len(m) > 1 {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			s.total = n
		}
	}
	if ev.Stream != model.StreamSystem {
		if m := reDepot.FindStringSubmatch(l); len(m) > 1 {
			s.depot = m[1]
		}
	}
}

func (s *statusTracker) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.status
	if status == "" {
		status = model.StatusStarting
	}
	parts := []string{status}
	if s.depot != "" {
		parts = append(parts, "depot "+s.depot)
	}
	if s.pct != "" {
		parts = append(parts, s.pct)
	}
	if s.total > 0 {
		parts = append(parts, formatBytesIEC(s.total))
	}
	tail := s.file
	if tail == "" {
		tail = s.last
	}
	if tail != "" {
		parts = append(parts, "| "+truncateRunes(tail, 60))
	}
	return strings.Join(parts, "  ")
}

// liveStatus redraws the tracker on one terminal line until stopped. Log lines
// that matter on their own are printed above it.
type liveStatus struct {
	enabled bool
	out     io.Writer
	tracker *statusTracker

	mu   sync.Mutex
	stop chan struct{}
}

func newLiveStatus(enabled bool, out io.Writer, tracker *statusTracker) *liveStatus {
	return &liveStatus{enabled: enabled, out: out, tracker: tracker, stop: make(chan struct{})}
}

func (p *liveStatus) Start() {
	if !p.enabled {
		return
	}
	go func() {
		t := time.NewTicker(700 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				p.mu.Lock()
				fmt.Fprintf(p.out, "\r\033[2K%s", p.tracker.render())
				p.mu.Unlock()
			}
		}
	}()
}

// Println prints a full line above the live status.
func (p *liveStatus) Println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		fmt.Fprintf(p.out, "\r\033[2K%s\n", line)
		return
	}
	fmt.Fprintln(p.out, line)
}

func (p *liveStatus) Stop(final string) {
	if !p.enabled {
		if final != "" {
			fmt.Fprintln(p.out, final)
		}
		return
	}
	close(p.stop)
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\r\033[2K%s\n", final)
}

func formatBytesIEC(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	value := float64(n) / float64(div)
	suffix := "KMGTPE"[exp]
	return strconv.FormatFloat(value, 'f', 1, 64) + " " + string(suffix) + "iB"
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
