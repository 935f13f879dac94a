package muster

// latestUserEvents keeps the newest user events for a given name
type latestUserEvents struct {
	LTime  LamportTime
	Events []Event
}

// userEventCoalescer coalesces user events by selecting the event with
// the highest lamport time for a given event name. If multiple events
// exist for a given lamport time, all of them are delivered.
type userEventCoalescer struct {
	// Maps an event name into the latest versions
	events map[string]*latestUserEvents
}

func (c *userEventCoalescer) Handle(e Event) bool {
	return e.EventType() == EventUser
}

func (c *userEventCoalescer) Coalesce(e Event) {
	user := e.(UserEvent)
	latest, ok := c.events[user.Name]

	// Create a new entry if there are none, or
	// if this message has the newest LTime
	if !ok || latest.LTime < user.LTime {
		latest = &latestUserEvents{
			LTime:  user.LTime,
			Events: []Event{e},
		}
		c.events[user.Name] = latest
		return
	}

	// If the same age, save it
	if latest.LTime == user.LTime {
		latest.Events = append(latest.Events, e)
	}
}

func (c *userEventCoalescer) Flush(outCh chan<- Event) {
	for _, latest := range c.events {
		for _, e := range latest.Events {
			outCh <- e
		}
	}
	c.events = make(map[string]*latestUserEvents)
}
