// Package global holds process-wide defaults shared by every share invocation.
package global

import (
	"sync/atomic"

	"github.com/toolink/share/events"
)

type busHolder struct {
	bus events.Bus
}

func defaultBus() *atomic.Value {
	v := &atomic.Value{}
	v.Store(busHolder{bus: events.NewBroker()})
	return v
}

var globalBus = defaultBus()

// SetBus replaces the process-wide event bus. A nil bus restores an
// in-memory broker.
func SetBus(b events.Bus) {
	if b == nil {
		b = events.NewBroker()
	}
	globalBus.Store(busHolder{bus: b})
}

// GetBus returns the process-wide event bus.
func GetBus() events.Bus {
	return globalBus.Load().(busHolder).bus
}
