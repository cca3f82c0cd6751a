// Package eventbus implements C5, the in-process plan event bus: per-plan
// history capped at H entries, purged T after the plan's last terminal
// event, fanned out to bounded-channel subscribers that drop on backpressure
// rather than block the publisher.
package eventbus

import (
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
)

// HistoryLimit is the maximum number of events retained per plan.
const HistoryLimit = 200

// RetentionAfterTerminal is how long a plan's history survives after its
// last step reaches a terminal state.
const RetentionAfterTerminal = 5 * time.Minute

// SubscriberBuffer bounds each subscriber's channel; a slow subscriber
// drops events rather than stalling the bus.
const SubscriberBuffer = 64

// Subscriber is the capability every subscriber kind shares: accept one
// event, report whether it was delivered (false means the subscriber's
// buffer was full and the event was dropped).
type Subscriber interface {
	deliver(models.StepEvent) bool
	closeSub()
}

type planHistory struct {
	events         []models.StepEvent
	subscribers    map[*channelSubscriber]struct{}
	lastTerminalAt time.Time
	hasTerminal    bool
}

// Bus is the in-process pub/sub hub, one planHistory per active plan.
type Bus struct {
	logger ectologger.Logger

	mu    sync.Mutex
	plans map[string]*planHistory

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Bus and starts its background purge loop.
func New(logger ectologger.Logger) *Bus {
	b := &Bus{
		logger: logger,
		plans:  make(map[string]*planHistory),
		stopCh: make(chan struct{}),
	}
	go b.purgeLoop()
	return b
}

// Stop halts the background purge loop.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Publish appends evt to its plan's history and fans it out to every
// current subscriber for that plan.
func (b *Bus) Publish(evt models.StepEvent) {
	b.mu.Lock()
	ph, ok := b.plans[evt.PlanID]
	if !ok {
		ph = &planHistory{subscribers: make(map[*channelSubscriber]struct{})}
		b.plans[evt.PlanID] = ph
	}

	ph.events = append(ph.events, evt)
	if len(ph.events) > HistoryLimit {
		ph.events = ph.events[len(ph.events)-HistoryLimit:]
	}
	if evt.State.IsTerminal() {
		ph.lastTerminalAt = time.Now().UTC()
		ph.hasTerminal = true
	}

	subs := make([]*channelSubscriber, 0, len(ph.subscribers))
	for s := range ph.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.deliver(evt) {
			b.logger.Warnf("eventbus: dropped event for plan %s, subscriber buffer full", evt.PlanID)
			metrics.EventBusDroppedTotal.Inc()
		}
	}
}

// History returns a snapshot of the retained events for planID, oldest first.
func (b *Bus) History(planID string) []models.StepEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ph, ok := b.plans[planID]
	if !ok {
		return nil
	}
	out := make([]models.StepEvent, len(ph.events))
	copy(out, ph.events)
	return out
}

// Latest returns the most recently published event for (planID, stepID),
// or false if the plan has no history or no event yet mentions that step.
func (b *Bus) Latest(planID, stepID string) (models.StepEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ph, ok := b.plans[planID]
	if !ok {
		return models.StepEvent{}, false
	}
	for i := len(ph.events) - 1; i >= 0; i-- {
		if ph.events[i].StepID == stepID {
			return ph.events[i], true
		}
	}
	return models.StepEvent{}, false
}

// Subscribe registers a new bounded-channel subscriber for planID and
// returns it along with a cancel function that unregisters it.
func (b *Bus) Subscribe(planID string) (*channelSubscriber, func()) {
	b.mu.Lock()
	ph, ok := b.plans[planID]
	if !ok {
		ph = &planHistory{subscribers: make(map[*channelSubscriber]struct{})}
		b.plans[planID] = ph
	}

	sub := newChannelSubscriber()
	ph.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	metrics.EventBusSubscribers.Inc()

	cancel := func() {
		b.mu.Lock()
		if ph, ok := b.plans[planID]; ok {
			delete(ph.subscribers, sub)
		}
		b.mu.Unlock()
		sub.closeSub()
		metrics.EventBusSubscribers.Dec()
	}
	return sub, cancel
}

func (b *Bus) purgeLoop() {
	ticker := time.NewTicker(RetentionAfterTerminal / 5)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.purgeExpired()
		}
	}
}

func (b *Bus) purgeExpired() {
	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	for planID, ph := range b.plans {
		if ph.hasTerminal && now.Sub(ph.lastTerminalAt) > RetentionAfterTerminal && len(ph.subscribers) == 0 {
			delete(b.plans, planID)
		}
	}
}
