package bridge

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/sigdesk/pkg/logger"
	"github.com/tinyland-inc/sigdesk/pkg/protocol"
)

const DefaultPumpWorkers = 8

// FrameHandler processes one unsolicited frame. Errors are logged and do not
// stop the pump.
type FrameHandler func(ctx context.Context, f protocol.Frame) error

type PumpOptions struct {
	// Ordered handles frames one at a time in wire order. Otherwise up to
	// Workers frames are handled concurrently and may finish in any order.
	Ordered bool
	Workers int
}

// Pump feeds frames to handle until frames is closed or ctx is done. It
// returns nil when frames is closed and all handlers have finished.
func Pump(ctx context.Context, frames <-chan protocol.Frame, opts PumpOptions, handle FrameHandler) error {
	if opts.Ordered {
		return pumpOrdered(ctx, frames, handle)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultPumpWorkers
	}

	var g errgroup.Group
	g.SetLimit(workers)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				runHandler(ctx, f, handle)
				return nil
			})
		}
	}
}

func pumpOrdered(ctx context.Context, frames <-chan protocol.Frame, handle FrameHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			runHandler(ctx, f, handle)
		}
	}
}

func runHandler(ctx context.Context, f protocol.Frame, handle FrameHandler) {
	if err := handle(ctx, f); err != nil {
		logger.ErrorCF("bridge", "Failed to handle inbound frame", map[string]any{
			"type":  f.Type,
			"error": err.Error(),
		})
	}
}
