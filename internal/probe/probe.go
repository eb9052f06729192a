// Package probe is the hello program: it brings up the world, reports where
// this rank runs and shuts the world down again.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/vk/mpiprobe/internal/ctxlog"
	"github.com/vk/mpiprobe/internal/world"
)

// ErrNotGreeting is returned by ParseGreeting for any other line.
var ErrNotGreeting = errors.New("probe: not a greeting line")

var greetingRe = regexp.MustCompile(`^Hello from processor (.*), rank (-?\d+) out of (-?\d+) processes$`)

// Greeting is what one rank reports about itself.
type Greeting struct {
	Processor string
	Rank      int
	Size      int
}

func (g Greeting) String() string {
	return fmt.Sprintf("Hello from processor %s, rank %d out of %d processes", g.Processor, g.Rank, g.Size)
}

// ParseGreeting parses a line written by Run. Trailing carriage returns are
// ignored.
func ParseGreeting(line string) (Greeting, error) {
	for len(line) > 0 && (line[len(line)-1] == '\r' || line[len(line)-1] == '\n') {
		line = line[:len(line)-1]
	}
	m := greetingRe.FindStringSubmatch(line)
	if m == nil {
		return Greeting{}, ErrNotGreeting
	}
	rank, err := strconv.Atoi(m[2])
	if err != nil {
		return Greeting{}, fmt.Errorf("%w: bad rank %q", ErrNotGreeting, m[2])
	}
	size, err := strconv.Atoi(m[3])
	if err != nil {
		return Greeting{}, fmt.Errorf("%w: bad size %q", ErrNotGreeting, m[3])
	}
	return Greeting{Processor: m[1], Rank: rank, Size: size}, nil
}

// Run initializes rt, writes one greeting line to out and finalizes rt.
// Finalize runs whenever Init succeeded, even if a later step failed.
func Run(ctx context.Context, rt world.Runtime, out io.Writer) (g Greeting, err error) {
	logger := ctxlog.FromContext(ctx)

	if err := rt.Init(ctx); err != nil {
		return Greeting{}, fmt.Errorf("probe: init failed: %w", err)
	}
	defer func() {
		if ferr := rt.Finalize(ctx); ferr != nil {
			err = errors.Join(err, fmt.Errorf("probe: finalize failed: %w", ferr))
		}
	}()

	size := rt.Size()
	rank := rt.Rank()
	if size < 1 || rank < 0 || rank >= size {
		return Greeting{}, fmt.Errorf("probe: runtime reported rank %d of size %d", rank, size)
	}
	name, err := rt.ProcessorName()
	if err != nil {
		return Greeting{}, fmt.Errorf("probe: processor name: %w", err)
	}

	g = Greeting{Processor: name, Rank: rank, Size: size}
	logger.Debug("Writing greeting.", "rank", rank, "size", size, "processor", name)
	if _, err := fmt.Fprintln(out, g.String()); err != nil {
		return g, fmt.Errorf("probe: failed to write greeting: %w", err)
	}
	return g, nil
}
