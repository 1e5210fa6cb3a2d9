package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for vision results and status changes
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	channel chan *VisionResult
	handler ResultHandler
	status  StatusHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for vision results
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler ResultHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeStatus registers a handler for status changes
func (b *EventBus) SubscribeStatus(handler StatusHandler) func() {
	return b.add(&eventSubscription{status: handler})
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives vision results
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *VisionResult, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *VisionResult, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends a vision result to all result subscribers
func (b *EventBus) Publish(result *VisionResult) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		// Handlers run synchronously so results arrive in cycle order
		if sub.handler != nil {
			sub.handler.OnVisionResult(result)
		} else if sub.channel != nil {
			select {
			case sub.channel <- result:
			default:
				// Channel full, skip this result
			}
		}
	}
}

// PublishStatus sends a status change to all status subscribers
func (b *EventBus) PublishStatus(schedulerID, status string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.status != nil {
			sub.status.OnStatus(schedulerID, status)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

// ResultHandlerFunc adapts a function to ResultHandler
type ResultHandlerFunc func(result *VisionResult)

// OnVisionResult implements ResultHandler
func (f ResultHandlerFunc) OnVisionResult(result *VisionResult) {
	f(result)
}

// StatusHandlerFunc adapts a function to StatusHandler
type StatusHandlerFunc func(schedulerID, status string)

// OnStatus implements StatusHandler
func (f StatusHandlerFunc) OnStatus(schedulerID, status string) {
	f(schedulerID, status)
}

var (
	_ ResultHandler = ResultHandlerFunc(nil)
	_ StatusHandler = StatusHandlerFunc(nil)
)
