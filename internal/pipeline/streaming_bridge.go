package pipeline

import (
	"log"
	"sync"
)

// ResultSink consumes published vision results (viewer hub, store, broker)
type ResultSink interface {
	Name() string
	PublishResult(result *VisionResult) error
}

// StatusSink optionally receives status changes as well
type StatusSink interface {
	PublishStatus(schedulerID, status string) error
}

// ResultBridge connects the scheduler's event bus to the output sinks.
// A failing sink is logged and never affects the others.
type ResultBridge struct {
	sinks []ResultSink
	mu    sync.RWMutex
}

// NewResultBridge creates a new result bridge
func NewResultBridge(sinks ...ResultSink) *ResultBridge {
	b := &ResultBridge{}
	for _, sink := range sinks {
		b.AddSink(sink)
	}
	return b
}

// AddSink adds a sink to the bridge
func (b *ResultBridge) AddSink(sink ResultSink) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Attach subscribes the bridge to an event bus; returns the unsubscribe func
func (b *ResultBridge) Attach(bus *EventBus) func() {
	unsubResults := bus.Subscribe(b)
	unsubStatus := bus.SubscribeStatus(b)
	return func() {
		unsubResults()
		unsubStatus()
	}
}

// OnVisionResult implements ResultHandler
func (b *ResultBridge) OnVisionResult(result *VisionResult) {
	if result == nil {
		return
	}

	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.PublishResult(result); err != nil {
			log.Printf("[ResultBridge] %s: failed to publish result %s: %v", sink.Name(), result.ID, err)
		}
	}
}

// OnStatus implements StatusHandler
func (b *ResultBridge) OnStatus(schedulerID, status string) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sink := range sinks {
		ss, ok := sink.(StatusSink)
		if !ok {
			continue
		}
		if err := ss.PublishStatus(schedulerID, status); err != nil {
			log.Printf("[ResultBridge] %s: failed to publish status: %v", sink.Name(), err)
		}
	}
}

var (
	_ ResultHandler = (*ResultBridge)(nil)
	_ StatusHandler = (*ResultBridge)(nil)
)
