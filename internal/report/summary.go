package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/color"

	"github.com/vk/mpiprobe/internal/rankstore"
)

type painter struct{ enabled bool }

func (p painter) paint(style color.Style, s string) string {
	if !p.enabled {
		return s
	}
	return style.Sprint(s)
}

var (
	passStyle = color.Style{color.FgGreen, color.OpBold}
	failStyle = color.Style{color.FgRed, color.OpBold}
	dimStyle  = color.Style{color.FgGray}
	hostStyle = color.Style{color.FgCyan}
)

// WriteSummary renders r for a terminal. colored turns on ANSI colors.
func WriteSummary(w io.Writer, r *Report, colored bool) error {
	p := painter{enabled: colored}
	var b strings.Builder

	status := p.paint(passStyle, "PASS")
	if !r.Passed {
		status = p.paint(failStyle, "FAIL")
	}
	fmt.Fprintf(&b, "%s job %q: %d ranks via %s in %s\n", status, r.Job, r.NP, r.Launcher, r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", r.Error)
	}

	if len(r.Hosts) > 0 {
		b.WriteString("  hosts:\n")
		names := make([]string, 0, len(r.Hosts))
		for h := range r.Hosts {
			names = append(names, h)
		}
		sort.Strings(names)
		for _, h := range names {
			fmt.Fprintf(&b, "    %s %s\n", p.paint(hostStyle, h), p.paint(dimStyle, "ranks "+compactRanks(r.Hosts[h])))
		}
	}

	if r.Verified {
		if len(r.Problems) == 0 {
			fmt.Fprintf(&b, "  verification: %s\n", p.paint(passStyle, "ok"))
		} else {
			fmt.Fprintf(&b, "  verification: %s\n", p.paint(failStyle, fmt.Sprintf("%d problems", len(r.Problems))))
			for _, prob := range r.Problems {
				fmt.Fprintf(&b, "    - %s\n", prob)
			}
		}
	}

	var failed []rankstore.Record
	for _, rec := range r.Ranks {
		if rec.Status != rankstore.StatusExited {
			failed = append(failed, rec)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "  failed ranks: %s\n", p.paint(failStyle, strconv.Itoa(len(failed))))
		for _, rec := range failed {
			fmt.Fprintf(&b, "    rank %d on %s: %s (exit %d)", rec.Rank, orDash(rec.Host), rec.Status, rec.ExitCode)
			if rec.Error != "" {
				fmt.Fprintf(&b, ": %s", rec.Error)
			}
			b.WriteString("\n")
		}
	}

	if lat, err := Summarize(r.JoinLatency); err == nil {
		fmt.Fprintf(&b, "  join latency: mean %s, stddev %s, min %s, median %s, max %s (n=%d)\n",
			lat.Mean.Round(time.Microsecond), lat.StdDev.Round(time.Microsecond),
			lat.Min.Round(time.Microsecond), lat.Median.Round(time.Microsecond),
			lat.Max.Round(time.Microsecond), lat.Count)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// compactRanks renders sorted ranks with runs collapsed, e.g. "0-3,6".
func compactRanks(ranks []int) string {
	if len(ranks) == 0 {
		return ""
	}
	sorted := append([]int(nil), ranks...)
	sort.Ints(sorted)
	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, r := range sorted[1:] {
		if r == prev+1 {
			prev = r
			continue
		}
		flush()
		start, prev = r, r
	}
	flush()
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
