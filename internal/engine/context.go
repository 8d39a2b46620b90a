package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Context holds the run flags and measurements shared by the tick loop and
// the control service. Every accessor is safe for concurrent use.
type Context struct {
	run          atomic.Bool
	pause        atomic.Bool
	logEnable    atomic.Bool
	recordEnable atomic.Bool

	iterations atomic.Uint64
	totalWork  atomic.Uint64
	period     atomic.Int64
	lastTick   atomic.Int64

	mu       sync.Mutex
	settings map[string]any
}

// NewContext returns a stopped context with the given tick period.
func NewContext(period time.Duration) *Context {
	c := &Context{settings: make(map[string]any)}
	c.SetTickPeriod(period)
	return c
}

func (c *Context) Running() bool { return c.run.Load() }
func (c *Context) Paused() bool  { return c.pause.Load() }

// Active reports whether ticks should advance.
func (c *Context) Active() bool { return c.run.Load() && !c.pause.Load() }

func (c *Context) LogEnabled() bool    { return c.logEnable.Load() }
func (c *Context) RecordEnabled() bool { return c.recordEnable.Load() }

func (c *Context) SetRunning(v bool)       { c.run.Store(v) }
func (c *Context) SetPaused(v bool)        { c.pause.Store(v) }
func (c *Context) SetLogEnabled(v bool)    { c.logEnable.Store(v) }
func (c *Context) SetRecordEnabled(v bool) { c.recordEnable.Store(v) }

// Iterations is the number of completed ticks.
func (c *Context) Iterations() uint64 { return c.iterations.Load() }

// TotalWork is the number of spikes produced so far.
func (c *Context) TotalWork() uint64 { return c.totalWork.Load() }

func (c *Context) TickPeriod() time.Duration { return time.Duration(c.period.Load()) }

// SetTickPeriod changes the tick period. Periods below one millisecond are
// raised to one millisecond.
func (c *Context) SetTickPeriod(d time.Duration) {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	c.period.Store(int64(d))
}

// LastTickDuration is how long the most recent tick took.
func (c *Context) LastTickDuration() time.Duration { return time.Duration(c.lastTick.Load()) }

// completeTick advances the iteration counter.
func (c *Context) completeTick(work int, took time.Duration) {
	c.iterations.Add(1)
	c.totalWork.Add(uint64(work))
	c.lastTick.Store(int64(took))
}

// resetMeasurements is called on redeploy.
func (c *Context) resetMeasurements() {
	c.iterations.Store(0)
	c.totalWork.Store(0)
	c.lastTick.Store(0)
}

// SetSetting stores a free-form setting.
func (c *Context) SetSetting(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings[key] = value
}

// Settings returns a copy of the stored settings.
func (c *Context) Settings() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.settings))
	for k, v := range c.settings {
		out[k] = v
	}
	return out
}
