package world

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vk/mpiprobe/internal/ctxlog"
	"github.com/vk/mpiprobe/internal/rendezvous"
)

// CoordinatorEnv holds the URL of the rendezvous coordinator.
const CoordinatorEnv = "MPIPROBE_COORDINATOR"

// DefaultInitTimeout bounds Init for a Coordinated world when the caller's
// context has no deadline.
const DefaultInitTimeout = 2 * time.Minute

// Coordinated is a world assembled by a rendezvous coordinator. Init blocks
// until every rank has joined and Finalize blocks until every rank has
// finalized.
type Coordinated struct {
	state
	url           string
	requestedRank int
	client        *rendezvous.Client
}

// NewCoordinated returns a world that will join the coordinator at url.
// requestedRank is a hint; pass -1 to accept any rank.
func NewCoordinated(url string, requestedRank int, getenv func(string) string) *Coordinated {
	return &Coordinated{
		state:         state{getenv: getenv},
		url:           url,
		requestedRank: requestedRank,
	}
}

func (c *Coordinated) Init(ctx context.Context) error {
	c.mu.Lock()
	if err := c.begin(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.joining = true
	c.mu.Unlock()

	client, assignment, err := c.join(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.joining = false
	if err != nil {
		return err
	}
	c.client = client
	c.commit(assignment.Rank, assignment.Size)
	return nil
}

// join registers with the coordinator and waits for the world to form. It
// runs without holding c.mu.
func (c *Coordinated) join(ctx context.Context) (*rendezvous.Client, rendezvous.Assignment, error) {
	logger := ctxlog.FromContext(ctx).With("coordinator", c.url)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultInitTimeout)
		defer cancel()
	}

	name, err := processorName(c.env())
	if err != nil {
		return nil, rendezvous.Assignment{}, err
	}

	client, err := rendezvous.Dial(ctx, c.url)
	if err != nil {
		return nil, rendezvous.Assignment{}, fmt.Errorf("world: failed to reach coordinator: %w", err)
	}

	assignment, err := client.Join(ctx, rendezvous.JoinRequest{
		RequestedRank: c.requestedRank,
		Processor:     name,
		PID:           os.Getpid(),
	})
	if err != nil {
		client.Close()
		return nil, rendezvous.Assignment{}, fmt.Errorf("world: failed to join: %w", err)
	}
	logger.Debug("Joined world.", "rank", assignment.Rank, "size", assignment.Size)
	return client, assignment, nil
}

func (c *Coordinated) Finalize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed, err := c.finish()
	if err != nil || !changed {
		return err
	}
	defer c.client.Close()
	if err := c.client.Finalize(ctx); err != nil {
		return fmt.Errorf("world: finalize barrier failed: %w", err)
	}
	return nil
}
