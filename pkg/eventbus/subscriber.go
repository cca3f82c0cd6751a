package eventbus

import (
	"sync"

	"github.com/Ramsey-B/trellis/pkg/models"
)

// channelSubscriber is the bounded-channel subscriber that Subscribe hands
// out: the SSE writer and tests read from Events() rather than implementing
// their own delivery/backpressure logic. The JSON snapshot reads History
// and uses no subscriber.
type channelSubscriber struct {
	ch chan models.StepEvent

	mu     sync.Mutex
	closed bool
}

func newChannelSubscriber() *channelSubscriber {
	return &channelSubscriber{ch: make(chan models.StepEvent, SubscriberBuffer)}
}

func (s *channelSubscriber) deliver(evt models.StepEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *channelSubscriber) closeSub() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Events exposes the subscriber's channel for range-based consumption by
// an SSE writer or a test.
func (s *channelSubscriber) Events() <-chan models.StepEvent {
	return s.ch
}
