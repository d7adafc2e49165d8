// dedup.go guards the fill pipeline against duplicate and bogus events.
//
// Push streams redeliver on reconnect, and the polling fallback can observe
// the same execution the stream already reported. FillDeduper keys each fill
// by order id + delta quantity so every distinct partial fill of the same
// order passes exactly once. OrderThrottle additionally spaces out order
// placement per side so error loops cannot spam the venue.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"perp-mm/pkg/types"
)

const dedupTTL = 60 * time.Second

// FillDeduper tracks recently seen fill keys. Zero or negative fill deltas
// never pass: they carry no position change and tend to be stream echoes.
type FillDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewFillDeduper creates an empty deduper.
func NewFillDeduper() *FillDeduper {
	return &FillDeduper{seen: make(map[string]time.Time)}
}

// Admit reports whether the fill is new and should be processed. The first
// call for a given (order id, delta qty) pair returns true; repeats within
// the TTL return false.
func (d *FillDeduper) Admit(fill types.FillEvent) bool {
	if fill.FillQty <= 0 {
		return false
	}
	key := fmt.Sprintf("%s:%.8f", fill.OrderID, fill.FillQty)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, at := range d.seen {
		if now.Sub(at) > dedupTTL {
			delete(d.seen, k)
		}
	}

	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = now
	return true
}

// OrderThrottle enforces a minimum interval between placements on the same
// side. Acquire is non-blocking: a denied attempt simply waits for a later
// tick rather than queueing.
type OrderThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[types.Side]time.Time
}

// NewOrderThrottle creates a per-side placement throttle.
func NewOrderThrottle(interval time.Duration) *OrderThrottle {
	return &OrderThrottle{
		interval: interval,
		last:     make(map[types.Side]time.Time),
	}
}

// Acquire reports whether a placement on side is allowed now, and if so
// records it. Denials do not affect the window.
func (t *OrderThrottle) Acquire(side types.Side) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if last, ok := t.last[side]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[side] = now
	return true
}

// Reset clears the window for a side, allowing an immediate placement.
// Used after a confirmed cancel so the replacement is not delayed.
func (t *OrderThrottle) Reset(side types.Side) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, side)
}
