package udpc

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// worker runs the update tick on its own goroutine.
type worker struct {
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	interval time.Duration
}

// stop cancels the worker and waits for it to exit.
func (w *worker) stop() {
	w.cancel()
	w.wg.Wait()
}

// StartThreadedUpdate starts a background worker ticking every interval,
// clamped to [MinUpdateInterval, MaxUpdateInterval]. Update becomes invalid
// until StopThreadedUpdate.
func (c *Context) StartThreadedUpdate(interval time.Duration) error {
	const op = "start_threaded_update"
	c.workerMu.Lock()
	defer c.workerMu.Unlock()

	if c.destroyed.Load() {
		return c.fail(op, netip.AddrPort{}, ErrContextDestroyed)
	}
	if c.worker != nil {
		return c.fail(op, netip.AddrPort{}, ErrInvalidState)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, interval: clampUpdateInterval(interval)}
	w.wg.Add(1)
	go c.run(ctx, w)

	c.worker = w
	c.threaded.Store(true)

	c.log.WithFields(logrus.Fields{
		"function": "StartThreadedUpdate",
		"interval": w.interval,
	}).Info("Started update worker")
	return nil
}

// StopThreadedUpdate stops the background worker and returns the Context to
// polled mode. It returns once the worker has exited.
func (c *Context) StopThreadedUpdate() error {
	const op = "stop_threaded_update"
	c.workerMu.Lock()
	defer c.workerMu.Unlock()

	if c.destroyed.Load() {
		return c.fail(op, netip.AddrPort{}, ErrContextDestroyed)
	}
	if c.worker == nil {
		return c.fail(op, netip.AddrPort{}, ErrInvalidState)
	}

	c.worker.stop()
	c.worker = nil
	c.threaded.Store(false)

	c.log.WithField("function", "StopThreadedUpdate").Info("Stopped update worker")
	return nil
}

// run ticks until ctx is cancelled. Tick errors are already recorded in the
// error slot.
func (c *Context) run(ctx context.Context, w *worker) {
	defer w.wg.Done()

	ticker := c.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.tick(); err != nil {
				c.log.WithFields(logrus.Fields{
					"function": "run",
					"error":    err.Error(),
				}).Trace("Tick failed")
			}
		}
	}
}
