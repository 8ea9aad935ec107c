package peer

import (
	"context"
	"fmt"

	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/platform"
)

// Start runs the permission step, then Initialize, on a background
// goroutine. Permission failures are reported as an error event and fail the
// returned future.
func (c *Controller) Start(ctx context.Context) *Future {
	f := newFuture()
	go func() {
		if c.perms != nil {
			req := platform.Request{Audio: c.cfg.AutoStartAudio, Video: c.cfg.AutoStartVideo}
			if err := c.perms.Request(ctx, req); err != nil {
				err = fmt.Errorf("peer: permissions: %w", err)
				c.logger.Warn("capture permission not granted", "error", err)
				c.reportError(err)
				f.resolve(err)
				return
			}
		}
		init := c.Initialize(ctx)
		<-init.Done()
		f.resolve(init.Err())
	}()
	return f
}

// Tick drains the dispatcher and returns the number of work items that ran.
// The goroutine calling Tick is the consumer goroutine; every subscriber
// runs there.
func (c *Controller) Tick() int {
	return c.dispatcher.DrainAll()
}

// Shutdown uninitializes the controller, waits for teardown or ctx, then
// runs a final Tick so the shutdown notification is delivered. Call it from
// the consumer goroutine.
func (c *Controller) Shutdown(ctx context.Context) error {
	err := c.Uninitialize().Wait(ctx)
	c.Tick()
	return err
}

// ReportError delivers err from a collaborator, such as a signaler, to the
// error subscribers on the next Tick. Safe from any goroutine.
func (c *Controller) ReportError(err error) {
	if err == nil {
		return
	}
	c.reportError(err)
}

// Stats returns the media counters of the current connection. It fails with
// ErrNotInitialized outside the Initialized state and with engine.ErrNoStats
// when the connection does not report counters.
func (c *Controller) Stats(ctx context.Context) (engine.ConnectionStats, error) {
	c.mu.Lock()
	conn := c.conn
	st := c.State()
	c.mu.Unlock()

	if st != StateInitialized || conn == nil {
		return engine.ConnectionStats{}, ErrNotInitialized
	}
	sp, ok := conn.(engine.StatsProvider)
	if !ok {
		return engine.ConnectionStats{}, engine.ErrNoStats
	}
	return sp.Stats(ctx)
}
