package signald

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tinyland-inc/sigdesk/pkg/logger"
)

const (
	DefaultDialAttempts    = 3
	DefaultInitialBackoff  = 200 * time.Millisecond
	DefaultMaxBackoff      = 2 * time.Second
	DefaultInboundCapacity = 64

	systemSocketPath = "/var/run/signald/signald.sock"
)

// DialFunc opens a stream to the socket at path.
type DialFunc func(ctx context.Context, path string) (net.Conn, error)

type options struct {
	attempts        int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	inboundCapacity int
	dial            DialFunc
}

type Option func(*options)

// WithDialAttempts sets how many times each candidate path is dialed before
// moving on to the next one.
func WithDialAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.attempts = n
		}
	}
}

func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(o *options) {
		o.initialBackoff = initial
		o.maxBackoff = maxDelay
	}
}

// WithInboundCapacity bounds the queue of unsolicited frames.
func WithInboundCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.inboundCapacity = n
		}
	}
}

func WithDialer(d DialFunc) Option {
	return func(o *options) { o.dial = d }
}

func dialUnix(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

// DefaultSocketPaths lists the candidate daemon sockets in preference order:
// the per-user runtime directory first, then the system-wide location.
func DefaultSocketPaths() []string {
	var paths []string
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		paths = append(paths, filepath.Join(dir, "signald", "signald.sock"))
	}
	return append(paths, systemSocketPath)
}

// Connect opens one long-lived connection to the first candidate path that
// accepts it. Each path is retried with exponential backoff. When every path
// fails the returned error is a *ConnectError describing each failure.
func Connect(ctx context.Context, paths []string, opts ...Option) (*Conn, error) {
	o := options{
		attempts:        DefaultDialAttempts,
		initialBackoff:  DefaultInitialBackoff,
		maxBackoff:      DefaultMaxBackoff,
		inboundCapacity: DefaultInboundCapacity,
		dial:            dialUnix,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cerr := &ConnectError{}
	for _, path := range paths {
		nc, err := dialWithRetry(ctx, path, o)
		if err == nil {
			logger.InfoCF("signald", "Connected to daemon", map[string]any{"path": path})
			return newConn(nc, path, o.inboundCapacity), nil
		}
		logger.WarnCF("signald", "Socket unavailable", map[string]any{"path": path, "error": err.Error()})
		cerr.Attempts = append(cerr.Attempts, PathError{Path: path, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return nil, cerr
}

func dialWithRetry(ctx context.Context, path string, o options) (net.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.initialBackoff
	eb.MaxInterval = o.maxBackoff
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.attempts-1)), ctx)

	var nc net.Conn
	err := backoff.Retry(func() error {
		c, err := o.dial(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		nc = c
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return nc, nil
}
