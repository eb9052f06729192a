package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/vk/mpiprobe/internal/rankstore"
	"github.com/zishang520/socket.io/v2/socket"
)

type member struct {
	rank   int
	client *socket.Socket
}

// Coordinator assigns ranks to joining processes and runs the finalize barrier.
type Coordinator struct {
	// OnJoin, if set, is called once per rank with the time since the
	// coordinator was created.
	OnJoin func(rank int, latency time.Duration)

	size    int
	store   *rankstore.Store
	logger  *slog.Logger
	server  *socket.Server
	created time.Time

	mu        sync.Mutex
	members   map[socket.SocketId]*member
	byRank    map[int]*member
	finalized map[int]bool
	failErr   error

	done     chan struct{}
	failed   chan struct{}
	doneOnce sync.Once
	failOnce sync.Once

	httpServer *http.Server
}

// NewCoordinator creates a coordinator for a world of size ranks. Rank state
// is recorded in store, which must have been created with the same size.
func NewCoordinator(size int, store *rankstore.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		size:      size,
		store:     store,
		logger:    logger.With("component", "coordinator"),
		server:    socket.NewServer(nil, nil),
		created:   time.Now(),
		members:   make(map[socket.SocketId]*member),
		byRank:    make(map[int]*member),
		finalized: make(map[int]bool),
		done:      make(chan struct{}),
		failed:    make(chan struct{}),
	}
	c.server.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		c.logger.Debug("Rank connected.", "sid", client.Id())
		client.On(EventJoin, func(args ...any) { c.handleJoin(client, args) })
		client.On(EventFinalize, func(...any) { c.handleFinalize(client) })
		client.On("disconnect", func(reason ...any) { c.handleDisconnect(client, reason) })
	})
	return c
}

// Handler returns the HTTP handler serving the socket.io endpoint and the
// health endpoint.
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(socketPath, c.server.ServeHandler(nil))
	mux.HandleFunc(healthPath, c.healthHandler)
	return mux
}

func (c *Coordinator) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr)
	c.mu.Lock()
	h := Health{Status: "ok", Size: c.size, Joined: len(c.byRank)}
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h)
}

// Listen serves the coordinator on addr in the background and returns the URL
// ranks should connect to. advertiseHost replaces the listener's host in the
// URL when set.
func (c *Coordinator) Listen(addr, advertiseHost string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("rendezvous: failed to listen on %s: %w", addr, err)
	}
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return "", err
	}
	if advertiseHost != "" {
		host = advertiseHost
	} else if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		if name, err := os.Hostname(); err == nil && name != "" {
			host = name
		} else {
			host = "127.0.0.1"
		}
	}

	c.httpServer = &http.Server{Handler: c.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := c.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Coordinator server failed", "error", err)
		}
	}()

	url := "http://" + net.JoinHostPort(host, port)
	c.logger.Info("Coordinator listening", "url", url, "size", c.size)
	return url, nil
}

func (c *Coordinator) handleJoin(client *socket.Socket, args []any) {
	var req JoinRequest
	if err := decode(args, &req); err != nil {
		c.logger.Warn("Rejecting malformed join.", "sid", client.Id(), "error", err)
		client.Emit(EventRejected, Rejection{Reason: err.Error()})
		return
	}

	c.mu.Lock()
	if _, ok := c.members[client.Id()]; ok {
		c.mu.Unlock()
		client.Emit(EventRejected, Rejection{Reason: "already joined"})
		return
	}
	rank, ok := c.assign(req.RequestedRank)
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("Rejecting join, world is full.", "sid", client.Id(), "processor", req.Processor)
		client.Emit(EventRejected, Rejection{Reason: fmt.Sprintf("world of %d ranks is full", c.size)})
		return
	}
	m := &member{rank: rank, client: client}
	c.members[client.Id()] = m
	c.byRank[rank] = m
	joined := len(c.byRank)
	var everyone []*member
	if joined == c.size {
		everyone = make([]*member, 0, c.size)
		for r := 0; r < c.size; r++ {
			everyone = append(everyone, c.byRank[r])
		}
	}
	c.mu.Unlock()

	now := time.Now()
	if c.store != nil {
		_ = c.store.Join(rank, req.Processor, req.PID, now)
	}
	if c.OnJoin != nil {
		c.OnJoin(rank, now.Sub(c.created))
	}
	c.logger.Info("Rank joined.", "rank", rank, "requested", req.RequestedRank, "processor", req.Processor, "pid", req.PID, "joined", joined, "size", c.size)

	for _, m := range everyone {
		m.client.Emit(EventWorld, Assignment{Rank: m.rank, Size: c.size})
	}
	if everyone != nil {
		c.logger.Info("World complete, assignments sent.", "size", c.size)
	}
}

// assign picks the requested rank when it is free and in range, otherwise the
// lowest free rank. c.mu must be held.
func (c *Coordinator) assign(requested int) (int, bool) {
	if requested >= 0 && requested < c.size {
		if _, taken := c.byRank[requested]; !taken {
			return requested, true
		}
	}
	for r := 0; r < c.size; r++ {
		if _, taken := c.byRank[r]; !taken {
			return r, true
		}
	}
	return 0, false
}

func (c *Coordinator) handleFinalize(client *socket.Socket) {
	c.mu.Lock()
	m, ok := c.members[client.Id()]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("Finalize from a socket that never joined.", "sid", client.Id())
		return
	}
	c.finalized[m.rank] = true
	count := len(c.finalized)
	var everyone []*member
	if count == c.size {
		everyone = make([]*member, 0, c.size)
		for _, m := range c.byRank {
			everyone = append(everyone, m)
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.Finalize(m.rank, time.Now())
	}
	c.logger.Debug("Rank finalized.", "rank", m.rank, "finalized", count, "size", c.size)

	if everyone == nil {
		return
	}
	for _, m := range everyone {
		m.client.Emit(EventReleased)
	}
	c.logger.Info("All ranks finalized, barrier released.", "size", c.size)
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) handleDisconnect(client *socket.Socket, reason []any) {
	c.mu.Lock()
	m, ok := c.members[client.Id()]
	if !ok || c.finalized[m.rank] {
		c.mu.Unlock()
		return
	}
	err := fmt.Errorf("%w: rank %d disconnected before finalize (%v)", ErrRankFailed, m.rank, firstArg(reason))
	if c.failErr == nil {
		c.failErr = err
	}
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.Fail(m.rank, err, time.Now())
	}
	c.logger.Error("Rank lost.", "rank", m.rank, "reason", firstArg(reason))
	c.failOnce.Do(func() { close(c.failed) })
}

// Joined returns how many ranks have joined so far.
func (c *Coordinator) Joined() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byRank)
}

// Wait blocks until every rank has finalized. It returns an error wrapping
// ErrRankFailed when a rank disconnected before finalizing, or ctx's error.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-c.failed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.failErr
	case <-ctx.Done():
		return fmt.Errorf("rendezvous: waiting for %d ranks: %w", c.size, ctx.Err())
	}
}

// Close disconnects every rank and stops the HTTP server if Listen started one.
func (c *Coordinator) Close(ctx context.Context) error {
	c.server.Close(nil)
	if c.httpServer == nil {
		return nil
	}
	return c.httpServer.Shutdown(ctx)
}

func firstArg(args []any) string {
	if len(args) == 0 {
		return ""
	}
	return strconv.Quote(fmt.Sprint(args[0]))
}
