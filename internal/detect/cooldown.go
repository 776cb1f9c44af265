package detect

import (
	"sync"
	"time"

	"github.com/quantfold/momentum-bot/internal/observ"
)

// Cooldown suppresses repeat signals per symbol for a fixed window.
type Cooldown struct {
	mu     sync.RWMutex
	window time.Duration
	fired  map[string]time.Time
	now    func() time.Time
}

func NewCooldown(window time.Duration) *Cooldown {
	if window <= 0 {
		window = 300 * time.Second
	}
	return &Cooldown{
		window: window,
		fired:  map[string]time.Time{},
		now:    time.Now,
	}
}

// Allow reports whether the symbol is outside its suppression window.
func (c *Cooldown) Allow(symbol string) bool {
	c.mu.RLock()
	last, ok := c.fired[symbol]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	if c.now().Sub(last) >= c.window {
		return true
	}
	observ.IncCounter("cooldown_blocks_total", map[string]string{"symbol": symbol})
	return false
}

// Mark records a fired signal and starts the window.
func (c *Cooldown) Mark(symbol string) {
	c.mu.Lock()
	c.fired[symbol] = c.now()
	// Sweep expired entries while holding the lock; the map stays small.
	for s, at := range c.fired {
		if c.now().Sub(at) > c.window {
			delete(c.fired, s)
		}
	}
	c.mu.Unlock()
}

// Remaining reports how long the symbol stays suppressed.
func (c *Cooldown) Remaining(symbol string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.fired[symbol]
	if !ok {
		return 0
	}
	rem := c.window - c.now().Sub(last)
	if rem < 0 {
		return 0
	}
	return rem
}
