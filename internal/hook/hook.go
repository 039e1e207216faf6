// Package hook is the observation point the capture front-ends expose for
// completed responses. Observers are installed per tab and get back a
// restore function that removes them again.
package hook

import (
	"sync"
	"time"
)

// Primitive names the network primitive a response was observed on.
type Primitive string

const (
	// PrimitiveFetch is a fetch() call in the page.
	PrimitiveFetch Primitive = "fetch"
	// PrimitiveXHR is an XMLHttpRequest in the page.
	PrimitiveXHR Primitive = "xhr"
	// PrimitiveNetwork is raw traffic seen below the page (proxy, other).
	PrimitiveNetwork Primitive = "network"
)

// Exchange is a completed response observed on the wire.
type Exchange struct {
	TabID      string
	RequestID  string
	Method     string
	URL        string
	Status     int
	Primitive  Primitive
	Body       []byte
	ObservedAt time.Time
}

// Observer receives exchanges for the tab it was installed on.
type Observer interface {
	Observe(ex Exchange)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Exchange)

// Observe implements Observer.
func (f ObserverFunc) Observe(ex Exchange) { f(ex) }

// Hookable is what interceptors install themselves on.
type Hookable interface {
	Install(tabID string, obs Observer) (restore func())
}

type registration struct {
	id  uint64
	obs Observer
}

// Hub fans completed exchanges out to the observers installed for a tab.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	tabs   map[string][]registration
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{tabs: make(map[string][]registration)}
}

// Install registers obs for tabID. The returned restore function removes it
// and may be called any number of times.
func (h *Hub) Install(tabID string, obs Observer) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.tabs[tabID] = append(h.tabs[tabID], registration{id: id, obs: obs})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(tabID, id) })
	}
}

func (h *Hub) remove(tabID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	regs := h.tabs[tabID]
	for i, r := range regs {
		if r.id == id {
			regs = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(h.tabs, tabID)
		return
	}
	h.tabs[tabID] = regs
}

// Armed reports whether any observer is installed for tabID. Front-ends use
// it to skip body reads nobody would look at.
func (h *Hub) Armed(tabID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs[tabID]) > 0
}

// Count returns the number of installed observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, regs := range h.tabs {
		n += len(regs)
	}
	return n
}

// Publish delivers ex to every observer installed for ex.TabID at call time.
// Each observer gets its own copy of the body.
func (h *Hub) Publish(ex Exchange) {
	h.mu.RLock()
	regs := append([]registration(nil), h.tabs[ex.TabID]...)
	h.mu.RUnlock()

	if ex.ObservedAt.IsZero() {
		ex.ObservedAt = time.Now()
	}
	for _, r := range regs {
		c := ex
		c.Body = append([]byte(nil), ex.Body...)
		r.obs.Observe(c)
	}
}
