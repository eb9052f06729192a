package rendezvous

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vk/mpiprobe/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
	"resty.dev/v3"
)

// Health polling parameters used by Dial.
var (
	HealthRetries  = 20
	HealthWait     = 250 * time.Millisecond
	HealthMaxWait  = 2 * time.Second
	connectTimeout = 15 * time.Second
)

// Client is one rank's connection to the coordinator.
type Client struct {
	io *socket.Socket

	world     chan Assignment
	rejected  chan Rejection
	released  chan struct{}
	lost      chan string
	closeOnce sync.Once
	lostOnce  sync.Once
}

// Dial waits for the coordinator at rawURL to report healthy and then opens a
// socket.io connection to it.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	logger := ctxlog.FromContext(ctx).With("component", "rendezvous_client", "url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("rendezvous: coordinator URL %q needs a scheme and host", rawURL)
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	if err := waitHealthy(ctx, baseURL); err != nil {
		return nil, err
	}
	logger.Debug("Coordinator is healthy.")

	opts := socket.DefaultOptions()
	opts.SetPath(socketPath)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket("/", opts)

	c := &Client{
		io:       io,
		world:    make(chan Assignment, 1),
		rejected: make(chan Rejection, 1),
		released: make(chan struct{}),
		lost:     make(chan string, 1),
	}

	io.On(types.EventName(EventWorld), func(args ...any) {
		var a Assignment
		if err := decode(args, &a); err != nil {
			logger.Error("Ignoring malformed world event", "error", err)
			return
		}
		select {
		case c.world <- a:
		default:
		}
	})
	io.On(types.EventName(EventRejected), func(args ...any) {
		var r Rejection
		_ = decode(args, &r)
		select {
		case c.rejected <- r:
		default:
		}
	})
	io.On(types.EventName(EventReleased), func(...any) {
		c.closeOnce.Do(func() { close(c.released) })
	})

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Connected to coordinator", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		var err error = fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connectChan <- err:
		default:
		}
	})

	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("rendezvous: socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("rendezvous: context cancelled while connecting: %w", ctx.Err())
	case <-time.After(connectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("rendezvous: timed out after %s waiting for socket.io connection", connectTimeout)
	}

	io.On(types.EventName("disconnect"), func(reason ...any) {
		msg := "disconnected"
		if len(reason) > 0 {
			msg = fmt.Sprint(reason[0])
		}
		c.lostOnce.Do(func() { c.lost <- msg })
	})
	return c, nil
}

func waitHealthy(ctx context.Context, baseURL string) error {
	rc := resty.New().
		SetRetryCount(HealthRetries).
		SetRetryWaitTime(HealthWait).
		SetRetryMaxWaitTime(HealthMaxWait).
		AddRetryConditions(func(res *resty.Response, err error) bool {
			return err != nil || res == nil || res.StatusCode() != http.StatusOK
		})
	defer rc.Close()

	res, err := rc.R().SetContext(ctx).Get(strings.TrimSuffix(baseURL, "/") + healthPath)
	if err != nil {
		return fmt.Errorf("rendezvous: coordinator health check failed: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("rendezvous: coordinator health check returned %d", res.StatusCode())
	}
	return nil
}

// Join registers the rank and blocks until the whole world has joined.
func (c *Client) Join(ctx context.Context, req JoinRequest) (Assignment, error) {
	if err := c.io.Emit(EventJoin, req); err != nil {
		return Assignment{}, fmt.Errorf("rendezvous: failed to send join: %w", err)
	}
	select {
	case a := <-c.world:
		return a, nil
	case r := <-c.rejected:
		return Assignment{}, fmt.Errorf("%w: %s", ErrRejected, r.Reason)
	case reason := <-c.lost:
		return Assignment{}, fmt.Errorf("rendezvous: connection lost while joining: %s", reason)
	case <-ctx.Done():
		return Assignment{}, fmt.Errorf("rendezvous: waiting for world: %w", ctx.Err())
	}
}

// Finalize reports that this rank is done and blocks until every rank has.
func (c *Client) Finalize(ctx context.Context) error {
	if err := c.io.Emit(EventFinalize); err != nil {
		return fmt.Errorf("rendezvous: failed to send finalize: %w", err)
	}
	select {
	case <-c.released:
		return nil
	case reason := <-c.lost:
		return fmt.Errorf("rendezvous: connection lost while finalizing: %s", reason)
	case <-ctx.Done():
		return fmt.Errorf("rendezvous: waiting for finalize barrier: %w", ctx.Err())
	}
}

// Close disconnects from the coordinator.
func (c *Client) Close() {
	c.io.Disconnect()
}
