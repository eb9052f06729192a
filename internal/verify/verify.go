// Package verify checks the combined output of a run against the hello-world
// property: N greeting lines, each rank in [0, N) exactly once, a processor
// name on every line and N as the reported size everywhere.
package verify

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vk/mpiprobe/internal/probe"
)

// ErrPropertyViolated is returned by Check when the output has any Problem.
var ErrPropertyViolated = errors.New("verify: output violates the hello-world property")

// Kind classifies a Problem.
type Kind string

const (
	KindCount     Kind = "count"
	KindMissing   Kind = "missing"
	KindDuplicate Kind = "duplicate"
	KindRange     Kind = "range"
	KindSize      Kind = "size"
	KindHost      Kind = "host"
	KindEmpty     Kind = "empty"
)

// Problem is one violation found in the output.
type Problem struct {
	Kind   Kind   `msgpack:"kind" json:"kind"`
	Rank   int    `msgpack:"rank" json:"rank"`
	Detail string `msgpack:"detail" json:"detail"`
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Kind, p.Detail)
}

// Result is the outcome of a check.
type Result struct {
	Expected  int
	Greetings []probe.Greeting
	Ignored   int
	// Hosts maps each processor name to its ranks in ascending order.
	Hosts    map[string][]int
	Problems []Problem
}

// OK reports whether no problem was found.
func (r *Result) OK() bool {
	return len(r.Problems) == 0
}

// Check reads lines from r and checks them. When expected is not positive the
// size reported by the first greeting is used.
func Check(r io.Reader, expected int) (*Result, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("verify: failed to read output: %w", err)
	}
	return CheckLines(lines, expected)
}

// CheckLines is Check over lines already split.
func CheckLines(lines []string, expected int) (*Result, error) {
	res := &Result{Hosts: make(map[string][]int)}
	for _, line := range lines {
		g, err := probe.ParseGreeting(line)
		if err != nil {
			res.Ignored++
			continue
		}
		res.Greetings = append(res.Greetings, g)
	}

	if expected <= 0 {
		if len(res.Greetings) == 0 {
			res.Problems = append(res.Problems, Problem{Kind: KindEmpty, Rank: -1, Detail: "no greeting lines found"})
			return res, ErrPropertyViolated
		}
		expected = res.Greetings[0].Size
	}
	res.Expected = expected

	if len(res.Greetings) != expected {
		res.Problems = append(res.Problems, Problem{
			Kind:   KindCount,
			Rank:   -1,
			Detail: fmt.Sprintf("got %d greeting lines, want %d", len(res.Greetings), expected),
		})
	}

	seen := make(map[int]int, len(res.Greetings))
	for _, g := range res.Greetings {
		if g.Rank < 0 || g.Rank >= expected {
			res.Problems = append(res.Problems, Problem{
				Kind:   KindRange,
				Rank:   g.Rank,
				Detail: fmt.Sprintf("rank %d is outside [0, %d)", g.Rank, expected),
			})
		} else {
			seen[g.Rank]++
		}
		if g.Size != expected {
			res.Problems = append(res.Problems, Problem{
				Kind:   KindSize,
				Rank:   g.Rank,
				Detail: fmt.Sprintf("rank %d reports %d processes, want %d", g.Rank, g.Size, expected),
			})
		}
		if strings.TrimSpace(g.Processor) == "" {
			res.Problems = append(res.Problems, Problem{
				Kind:   KindHost,
				Rank:   g.Rank,
				Detail: fmt.Sprintf("rank %d has an empty processor name", g.Rank),
			})
		} else {
			res.Hosts[g.Processor] = append(res.Hosts[g.Processor], g.Rank)
		}
	}

	// Consecutive missing ranks form one problem.
	reported := make([]int, 0, len(seen))
	for rank := range seen {
		reported = append(reported, rank)
	}
	sort.Ints(reported)
	next := 0
	for _, rank := range reported {
		if rank > next {
			res.Problems = append(res.Problems, missing(next, rank-1))
		}
		if n := seen[rank]; n > 1 {
			res.Problems = append(res.Problems, Problem{Kind: KindDuplicate, Rank: rank, Detail: fmt.Sprintf("rank %d reported %d times", rank, n)})
		}
		next = rank + 1
	}
	if next < expected {
		res.Problems = append(res.Problems, missing(next, expected-1))
	}

	for _, ranks := range res.Hosts {
		sort.Ints(ranks)
	}

	if !res.OK() {
		return res, ErrPropertyViolated
	}
	return res, nil
}

// missing reports ranks lo through hi as absent.
func missing(lo, hi int) Problem {
	if lo == hi {
		return Problem{Kind: KindMissing, Rank: lo, Detail: fmt.Sprintf("rank %d never reported", lo)}
	}
	return Problem{Kind: KindMissing, Rank: lo, Detail: fmt.Sprintf("ranks %d-%d never reported (%d ranks)", lo, hi, hi-lo+1)}
}
