package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/migadu/poplogin/logger"
	"github.com/migadu/poplogin/pkg/retry"
)

// NotifyPipe is the anvil-style side channel a detached Proxy's periodic
// notifications go out on: a Unix socket carrying one tab-separated line
// per notification. The connection is opened lazily and reconnected with
// exponential backoff on write failure, since a momentarily-down anvil
// sidecar should not block or crash proxy sessions.
type NotifyPipe struct {
	path string

	mu   sync.Mutex
	conn net.Conn
}

// NewNotifyPipe returns a NotifyPipe that dials path on first use.
func NewNotifyPipe(path string) *NotifyPipe {
	return &NotifyPipe{path: path}
}

// Send writes one notification line for user, reconnecting with backoff
// if the pipe is down. It never blocks longer than the backoff budget;
// a persistent failure is logged and swallowed since a lost notification
// only delays the sidecar's own idle bookkeeping, it does not affect the
// session itself.
func (n *NotifyPipe) Send(user string) {
	line := fmt.Sprintf("%s\tPOP3PROXY\t%d\n", user, time.Now().Unix())

	cfg := retry.BackoffConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := retry.WithRetry(ctx, func() error {
		conn, err := n.connection()
		if err != nil {
			return err
		}
		if _, err := conn.Write([]byte(line)); err != nil {
			n.reset()
			return err
		}
		return nil
	}, cfg)

	if err != nil {
		logger.Warn("notify pipe send failed", "path", n.path, "user", user, "error", err)
	}
}

func (n *NotifyPipe) connection() (net.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		return n.conn, nil
	}
	conn, err := net.DialTimeout("unix", n.path, time.Second)
	if err != nil {
		return nil, err
	}
	n.conn = conn
	return conn, nil
}

func (n *NotifyPipe) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

// Close releases the underlying connection, if any.
func (n *NotifyPipe) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}
