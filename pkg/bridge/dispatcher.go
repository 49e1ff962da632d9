// Package bridge correlates outbound requests with their replies and pumps
// unsolicited frames from the daemon connection to a handler.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tinyland-inc/sigdesk/pkg/logger"
	"github.com/tinyland-inc/sigdesk/pkg/metrics"
	"github.com/tinyland-inc/sigdesk/pkg/protocol"
)

var ErrDispatcherClosed = errors.New("bridge: dispatcher closed")

const DefaultQueueSize = 32

// Caller performs one correlated request. *signald.Conn implements it.
type Caller interface {
	RemoteCall(ctx context.Context, key string, id uuid.UUID, payload protocol.Payload) (protocol.Payload, error)
}

type Result struct {
	Payload protocol.Payload
	Err     error
}

// Interaction is one queued request. Reply may be nil for fire-and-forget
// requests; otherwise it must have room for one Result.
type Interaction struct {
	Key     string
	ID      uuid.UUID
	Payload protocol.Payload
	Reply   chan<- Result
}

type queued struct {
	ctx context.Context
	in  Interaction
}

type Options struct {
	QueueSize int
	// Timeout bounds each request. Zero waits until the reply or the
	// connection goes away.
	Timeout time.Duration
	// RateLimit caps requests per second sent to the daemon; zero disables
	// the limit. Burst defaults to 1.
	RateLimit float64
	Burst     int
	Metrics   *metrics.Metrics
}

type Dispatcher struct {
	caller  Caller
	timeout time.Duration
	limiter *rate.Limiter
	metrics *metrics.Metrics

	queue   chan queued
	done    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	once    sync.Once
	running atomic.Bool
}

func NewDispatcher(caller Caller, opts Options) *Dispatcher {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Dispatcher{
		caller:  caller,
		timeout: opts.Timeout,
		limiter: limiter,
		metrics: opts.Metrics,
		queue:   make(chan queued, size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run executes queued interactions, each on its own goroutine so that slow
// replies never hold up later requests. It returns after Close or when ctx
// is done, once every started interaction has finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("bridge: dispatcher already running")
	}

	var wg sync.WaitGroup
	defer func() {
		d.drain()
		wg.Wait()
		close(d.stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			d.Close()
			return ctx.Err()
		case <-d.done:
			return nil
		case q := <-d.queue:
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.execute(q)
			}()
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case q := <-d.queue:
			deliver(q.in, Result{Err: ErrDispatcherClosed})
		default:
			return
		}
	}
}

func (d *Dispatcher) execute(q queued) {
	ctx := q.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			deliver(q.in, Result{Err: err})
			return
		}
	}

	finished := d.metrics.DispatchStarted(q.in.Key)
	p, err := d.caller.RemoteCall(ctx, q.in.Key, q.in.ID, q.in.Payload)
	finished(err)

	if err != nil {
		logger.WarnCF("bridge", "Request failed", map[string]any{
			"key":   q.in.Key,
			"id":    q.in.ID.String(),
			"error": err.Error(),
		})
	} else {
		logger.DebugCF("bridge", "Request answered", map[string]any{"key": q.in.Key, "id": q.in.ID.String()})
	}
	deliver(q.in, Result{Payload: p, Err: err})
}

func deliver(in Interaction, r Result) {
	if in.Reply == nil {
		return
	}
	select {
	case in.Reply <- r:
	default:
		logger.WarnCF("bridge", "Reply slot full, dropping result", map[string]any{"key": in.Key, "id": in.ID.String()})
	}
}

// Submit queues in for execution. ctx governs both the wait for queue space
// and the request itself.
func (d *Dispatcher) Submit(ctx context.Context, in Interaction) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	select {
	case d.queue <- queued{ctx: ctx, in: in}:
		return nil
	case <-d.done:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch sends payload as request key under a fresh correlation id and
// waits for its reply. An error reply from the daemon is returned to this
// caller only.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, payload protocol.Payload) (protocol.Payload, error) {
	reply := make(chan Result, 1)
	if err := d.Submit(ctx, Interaction{Key: key, ID: uuid.New(), Payload: payload, Reply: reply}); err != nil {
		return nil, err
	}

	select {
	case r := <-reply:
		return r.Payload, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopped:
		select {
		case r := <-reply:
			return r.Payload, r.Err
		default:
			return nil, ErrDispatcherClosed
		}
	}
}

// Post queues a request whose reply is not needed.
func (d *Dispatcher) Post(ctx context.Context, key string, payload protocol.Payload) error {
	return d.Submit(ctx, Interaction{Key: key, ID: uuid.New(), Payload: payload})
}

// Close stops accepting requests. Requests already executing run to
// completion; queued ones fail with ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.done)
	})
}
