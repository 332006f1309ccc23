package plugin

import (
	"log/slog"
	"sync"
)

// busBufferSize bounds each subscription. Full subscriptions drop their
// oldest event so publishers never block.
const busBufferSize = 64

// WildcardTopic subscribes to every published topic.
const WildcardTopic = "*"

// Event is one bus message.
type Event struct {
	Topic  string
	Source string
	Data   map[string]any
}

// Bus is the in-process publish/subscribe channel between plugins and the
// agent core. Delivery is per-subscription FIFO and lossy under pressure.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events published to topic. Subscribe
// to WildcardTopic to receive everything.
func (b *Bus) Subscribe(topic string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, busBufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Unsubscribe releases one subscription to topic. The channel is closed so a
// range over it terminates.
func (b *Bus) Unsubscribe(topic string, sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	chans := b.subs[topic]
	for i, ch := range chans {
		if ch == sub {
			b.subs[topic] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish delivers an event to topic subscribers and wildcard subscribers.
// When a subscription is full its oldest event is discarded to make room.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		deliver(ch, evt)
	}
	if evt.Topic != WildcardTopic {
		for _, ch := range b.subs[WildcardTopic] {
			deliver(ch, evt)
		}
	}
}

func deliver(ch chan Event, evt Event) {
	for {
		select {
		case ch <- evt:
			return
		default:
		}
		select {
		case dropped := <-ch:
			slog.Debug("Bus subscription full, dropping oldest", "topic", dropped.Topic)
		default:
		}
	}
}

// Close terminates the bus; all subscription channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, topic)
	}
}
