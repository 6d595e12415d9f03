package checker

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Collector receives the result of every check.
type Collector interface {
	Collect(r *Result)
}

// LogCollector writes results to the global logger. Matches are logged at
// debug level, everything else at warn.
type LogCollector struct{}

func (LogCollector) Collect(r *Result) {
	level := zerolog.DebugLevel
	if r.Code != ChecksumMatch {
		level = zerolog.WarnLevel
	}
	event := log.WithLevel(level).
		Int64("bitstream_id", r.BitstreamID).
		Str("result", string(r.Code)).
		Str("algorithm", r.Algorithm).
		Str("expected", r.Expected).
		Str("calculated", r.Calculated).
		Dur("duration", r.ProcessEnd.Sub(r.ProcessStart))
	if r.Err != nil {
		event = event.Err(r.Err)
	}
	event.Msg(r.Code.Description())
}

// VerboseCollector prints a block per result to w, for the -v flag.
type VerboseCollector struct {
	w io.Writer
}

// NewVerboseCollector writes results to w.
func NewVerboseCollector(w io.Writer) *VerboseCollector {
	return &VerboseCollector{w: w}
}

func (c *VerboseCollector) Collect(r *Result) {
	var b strings.Builder
	fmt.Fprintf(&b, "------------------------------------------------\n")
	fmt.Fprintf(&b, "Bitstream Id = %d\n", r.BitstreamID)
	fmt.Fprintf(&b, "Name = %s\n", r.Name)
	fmt.Fprintf(&b, "Internal Id = %s\n", r.InternalID)
	fmt.Fprintf(&b, "Size = %d\n", r.Size)
	fmt.Fprintf(&b, "Checksum Algorithm = %s\n", r.Algorithm)
	fmt.Fprintf(&b, "Previous Checksum = %s\n", r.Expected)
	fmt.Fprintf(&b, "Previous Checksum Date = %s\n", formatTime(r.ProcessStart))
	fmt.Fprintf(&b, "New Checksum = %s\n", r.Calculated)
	fmt.Fprintf(&b, "New Checksum Date = %s\n", formatTime(r.ProcessEnd))
	fmt.Fprintf(&b, "Result Code = %s\n", r.Code)
	fmt.Fprintf(&b, "Result Description = %s\n", r.Code.Description())
	fmt.Fprintf(&b, "Matched Previous = %t\n\n", r.MatchedPrev)
	_, _ = io.WriteString(c.w, b.String())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// Summary counts results by code. It is safe for concurrent use.
type Summary struct {
	mu     sync.Mutex
	counts map[ResultCode]int
	total  int
	start  time.Time
	end    time.Time
}

// NewSummary creates an empty summary.
func NewSummary() *Summary {
	return &Summary{counts: make(map[ResultCode]int)}
}

func (s *Summary) Collect(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[r.Code]++
	s.total++
	if s.start.IsZero() || r.ProcessStart.Before(s.start) {
		s.start = r.ProcessStart
	}
	if r.ProcessEnd.After(s.end) {
		s.end = r.ProcessEnd
	}
}

// Total returns the number of results collected.
func (s *Summary) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Count returns the number of results with code.
func (s *Summary) Count(code ResultCode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[code]
}

// Problems returns the number of results that need attention.
func (s *Summary) Problems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for code, count := range s.counts {
		if code.Problem() {
			n += count
		}
	}
	return n
}

// WriteTo prints the per-code counts to w.
func (s *Summary) WriteTo(w io.Writer) (int64, error) {
	s.mu.Lock()
	codes := make([]ResultCode, 0, len(s.counts))
	for code := range s.counts {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "Checked %d bitstream(s)\n", s.total)
	for _, code := range codes {
		fmt.Fprintf(&b, "  %-28s %d\n", code, s.counts[code])
	}
	s.mu.Unlock()

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// MultiCollector fans results out to several collectors.
type MultiCollector []Collector

func (m MultiCollector) Collect(r *Result) {
	for _, c := range m {
		c.Collect(r)
	}
}
