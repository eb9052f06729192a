package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/vk/mpiprobe/internal/job"
)

const sshDialTimeout = 15 * time.Second

// SSHSpawner runs each rank through an SSH session on its host. One
// connection per host is shared by all ranks placed there.
type SSHSpawner struct {
	settings job.SSH
	logger   *slog.Logger
	auth     ssh.AuthMethod
	hostKeys ssh.HostKeyCallback

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHSpawner reads the private key and known hosts named by settings.
func NewSSHSpawner(settings job.SSH, logger *slog.Logger) (*SSHSpawner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	keyPath := expandHome(settings.KeyFile)
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: failed to read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("ssh: failed to parse key %s: %w", keyPath, err)
	}

	var hostKeys ssh.HostKeyCallback
	if settings.Insecure {
		logger.Warn("Skipping SSH host key verification")
		hostKeys = ssh.InsecureIgnoreHostKey()
	} else {
		path := settings.KnownHosts
		if path == "" {
			path = "~/.ssh/known_hosts"
		}
		hostKeys, err = knownhosts.New(expandHome(path))
		if err != nil {
			return nil, fmt.Errorf("ssh: failed to load known hosts: %w", err)
		}
	}

	return &SSHSpawner{
		settings: settings,
		logger:   logger,
		auth:     ssh.PublicKeys(signer),
		hostKeys: hostKeys,
		clients:  make(map[string]*ssh.Client),
	}, nil
}

func (sp *SSHSpawner) client(ctx context.Context, host, user string) (*ssh.Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(sp.settings.Port))
	key := user + "@" + addr

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if c, ok := sp.clients[key]; ok {
		return c, nil
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{sp.auth},
		HostKeyCallback: sp.hostKeys,
		Timeout:         sshDialTimeout,
	}
	d := net.Dialer{Timeout: sshDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: failed to dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh: handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	sp.clients[key] = client
	sp.logger.Debug("SSH connection established.", "host", addr, "user", user)
	return client, nil
}

func (sp *SSHSpawner) Run(ctx context.Context, s Spawn) error {
	user := s.Host.User
	if user == "" {
		user = sp.settings.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	client, err := sp.client(ctx, s.Host.Name, user)
	if err != nil {
		return fmt.Errorf("rank %d: %w", s.Rank, err)
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("rank %d: ssh: failed to open session on %s: %w", s.Rank, s.Host.Name, err)
	}
	defer session.Close()
	session.Stdout = s.Stdout
	session.Stderr = s.Stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(remoteCommand(s)) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Rank: s.Rank, Host: s.Host.Name, Code: exitErr.ExitStatus(), Err: err}
		}
		return &ExitError{Rank: s.Rank, Host: s.Host.Name, Code: -1, Err: err}
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return &ExitError{Rank: s.Rank, Host: s.Host.Name, Code: -1, Err: ctx.Err()}
	}
}

// Close closes every cached connection.
func (sp *SSHSpawner) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	var errs []error
	for key, c := range sp.clients {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("ssh: closing %s: %w", key, err))
		}
		delete(sp.clients, key)
	}
	return errors.Join(errs...)
}

// remoteCommand renders s as a POSIX shell command line. Environment is
// passed through env(1) because most servers refuse SetEnv requests.
func remoteCommand(s Spawn) string {
	parts := make([]string, 0, len(s.Env)+len(s.Args)+2)
	if len(s.Env) > 0 {
		parts = append(parts, "env")
		for _, kv := range s.Env {
			parts = append(parts, shellQuote(kv))
		}
	}
	parts = append(parts, shellQuote(s.Program))
	for _, a := range s.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("_-./=:,@%+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
