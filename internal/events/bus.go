package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// Bus fans status-change events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan types.Event
	nextID      int
	bufferSize  int

	// task progress is throttled per task
	progressRate rate.Limit
	limitersMu   sync.Mutex
	limiters     map[int64]*rate.Limiter
	dropped      atomic.Int64
	logger       *utils.LogsManager
}

// NewBus reads `events_buffer` and `progress_events_per_second`
func NewBus(cm *utils.ConfigManager, logger *utils.LogsManager) *Bus {
	return NewBusWithOptions(
		cm.GetConfigInt("events_buffer", 256, 1, 1<<20),
		cm.GetConfigFloat64("progress_events_per_second", 5, 0, 1000),
		logger,
	)
}

// NewBusWithOptions builds a bus; progressPerSecond of 0 disables progress throttling
func NewBusWithOptions(bufferSize int, progressPerSecond float64, logger *utils.LogsManager) *Bus {
	limit := rate.Inf
	if progressPerSecond > 0 {
		limit = rate.Limit(progressPerSecond)
	}
	return &Bus{
		subscribers:  make(map[int]chan types.Event),
		bufferSize:   bufferSize,
		progressRate: limit,
		limiters:     make(map[int64]*rate.Limiter),
		logger:       logger,
	}
}

// Publish delivers ev to every subscriber without waiting on any of them
func (b *Bus) Publish(ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if !b.admit(ev) {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			if b.dropped.Add(1)%100 == 1 {
				b.logger.Warn(fmt.Sprintf("Event subscriber %d is not keeping up, dropping %s events", id, ev.Type), "events")
			}
		}
	}
}

// admit applies progress throttling. Final progress and non-progress events always pass.
func (b *Bus) admit(ev types.Event) bool {
	switch ev.Type {
	case types.EventTaskProgress:
		if ev.Progress >= 100 {
			return true
		}
		b.limitersMu.Lock()
		limiter, ok := b.limiters[ev.TaskID]
		if !ok {
			limiter = rate.NewLimiter(b.progressRate, 1)
			b.limiters[ev.TaskID] = limiter
		}
		b.limitersMu.Unlock()
		return limiter.Allow()

	case types.EventTaskStatus:
		if ev.Status.IsTerminal() {
			b.limitersMu.Lock()
			delete(b.limiters, ev.TaskID)
			b.limitersMu.Unlock()
		}
	}
	return true
}

// Subscribe returns a channel of future events and a func that ends the subscription
func (b *Bus) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, b.bufferSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
