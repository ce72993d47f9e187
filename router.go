package campus

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// EventRouter is the explicit table from push event name to the cache keys it
// invalidates. The composition layer owns it; the live channel knows nothing
// about reads.
type EventRouter struct {
	mutex  sync.Mutex
	routes map[string][]string
}

func NewEventRouter() *EventRouter {
	return &EventRouter{
		routes: map[string][]string{},
	}
}

// DefaultEventRouter binds the catalogue events to the reads they affect.
func DefaultEventRouter() *EventRouter {
	router := NewEventRouter()
	router.Bind(EventNotification, "/notifications")
	router.Bind(EventNewAnnouncement, "/announcements")
	router.Bind(EventScheduleUpdate, "/schedules")
	return router
}

func (self *EventRouter) Bind(event string, keys ...string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.routes[event] = append(self.routes[event], keys...)
}

func (self *EventRouter) Unbind(event string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.routes, event)
}

func (self *EventRouter) Routes(event string) []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.routes[event])
}

func (self *EventRouter) Events() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	events := maps.Keys(self.routes)
	slices.Sort(events)
	return events
}
