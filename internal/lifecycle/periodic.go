// -------------------------------------------------------------------------------
// Periodic Service - Interval Driven Background Task
//
// Author: Alex Freidah
//
// Runs a task on a fixed interval under the lifecycle manager. The interval can
// be changed while running (config reload); a non-positive interval pauses the
// task without stopping the service. An optional final task runs once on Stop.
// -------------------------------------------------------------------------------

package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Periodic is a Service that calls a Task every interval.
type Periodic struct {
	name     string
	task     Task
	final    Task
	interval atomic.Int64
	rearm    chan struct{}
}

// NewPeriodic returns a service that runs task every interval. final, when
// non-nil, runs once from Stop.
func NewPeriodic(name string, interval time.Duration, task, final Task) *Periodic {
	p := &Periodic{
		name:  name,
		task:  task,
		final: final,
		rearm: make(chan struct{}, 1),
	}
	p.interval.Store(int64(interval))
	return p
}

// Interval returns the current interval.
func (p *Periodic) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetInterval changes the interval. The running ticker is reset to the new
// value.
func (p *Periodic) SetInterval(d time.Duration) {
	if time.Duration(p.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case p.rearm <- struct{}{}:
	default:
	}
}

// Run blocks, calling the task on a fixed wall-clock cadence until ctx is
// cancelled. Ticks that arrive while the task is still running are dropped.
// Task errors are logged and do not stop the service.
func (p *Periodic) Run(ctx context.Context) error {
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	// arm starts, resets, or pauses the ticker for the current interval.
	arm := func() <-chan time.Time {
		d := p.Interval()
		if d <= 0 {
			if ticker != nil {
				ticker.Stop()
			}
			return nil
		}
		if ticker == nil {
			ticker = time.NewTicker(d)
		} else {
			ticker.Reset(d)
		}
		return ticker.C
	}

	tick := arm()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.rearm:
			tick = arm()
		case <-tick:
			if err := p.task(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Periodic task failed", "service", p.name, "error", err)
			}
		}
	}
}

// Stop runs the final task, if any.
func (p *Periodic) Stop(ctx context.Context) error {
	if p.final == nil {
		return nil
	}
	return p.final(ctx)
}
