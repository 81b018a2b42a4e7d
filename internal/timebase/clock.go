package timebase

import (
	"fmt"
	"sync"
	"time"
)

// Clock is the simulation clock: it advances with wall time multiplied by a
// speed factor, can pause, and can jump. It starts paused at the configured
// start time.
//
// Waiters that pace emission against the clock should select on Changes()
// so speed changes, pauses, and jumps wake them for a fresh deadline.
type Clock struct {
	mu        sync.Mutex
	simStart  time.Time
	realStart time.Time
	speed     float64
	paused    bool
	pauseAt   time.Time
	changed   chan struct{}

	nowFn func() time.Time
}

// NewClock returns a paused clock positioned at start.
func NewClock(start time.Time, speed float64) (*Clock, error) {
	if speed <= 0 {
		return nil, fmt.Errorf("clock speed must be positive, got %v", speed)
	}
	return &Clock{
		simStart: start,
		speed:    speed,
		paused:   true,
		pauseAt:  start,
		changed:  make(chan struct{}),
		nowFn:    time.Now,
	}, nil
}

// Start begins (or resumes) simulation time from the paused position.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.simStart = c.pauseAt
	c.realStart = c.nowFn()
	c.paused = false
	c.notifyLocked()
}

// Pause freezes simulation time at its current position.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.pauseAt = c.nowLocked()
	c.paused = true
	c.notifyLocked()
}

// Resume is Start under its conventional name.
func (c *Clock) Resume() { c.Start() }

// Stop pauses and rewinds to the last rebased start position.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.pauseAt = c.simStart
	c.notifyLocked()
}

// SetSpeed changes the multiplier, rebasing so simulation time stays
// continuous across the change.
func (c *Clock) SetSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("clock speed must be positive, got %v", speed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.simStart = c.nowLocked()
		c.realStart = c.nowFn()
	}
	c.speed = speed
	c.notifyLocked()
	return nil
}

// SetTime jumps the clock to a specific simulation time.
func (c *Clock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.pauseAt = t
	} else {
		c.simStart = t
		c.realStart = c.nowFn()
	}
	c.notifyLocked()
}

// Now returns the current simulation time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return c.pauseAt
	}
	return c.nowLocked()
}

// Timestamp returns the current simulation time as epoch seconds.
func (c *Clock) Timestamp() float64 {
	t := c.Now()
	return float64(t.UnixNano()) / float64(time.Second)
}

// Speed returns the current multiplier.
func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Running reports whether simulation time is advancing.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.paused
}

// Changes returns a channel closed on the next speed, pause, resume, or
// jump. Callers re-arm by calling Changes again after a wake.
func (c *Clock) Changes() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// UntilSim converts the distance to a simulation deadline into a real-time
// wait at current speed. Nonpositive when the deadline has passed. The
// second return is false while the clock is paused and the deadline is
// ahead, meaning the wait is unbounded until the clock changes.
func (c *Clock) UntilSim(deadline time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var now time.Time
	if c.paused {
		now = c.pauseAt
	} else {
		now = c.nowLocked()
	}
	simRemaining := deadline.Sub(now)
	if simRemaining <= 0 {
		return 0, true
	}
	if c.paused {
		return 0, false
	}
	return time.Duration(float64(simRemaining) / c.speed), true
}

func (c *Clock) nowLocked() time.Time {
	realElapsed := c.nowFn().Sub(c.realStart)
	simElapsed := time.Duration(float64(realElapsed) * c.speed)
	return c.simStart.Add(simElapsed)
}

func (c *Clock) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Clock) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "running"
	if c.paused {
		state = "paused"
	}
	return fmt.Sprintf("SimulationClock(speed=%gx, %s)", c.speed, state)
}
