// Package trace provides types for resolution event collection and analysis.
package trace

import "time"

// Tag represents a resolution event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for resolution events.
const (
	Start    Tag = "start"
	PageIn   Tag = "page-in"
	Export   Tag = "export"
	Stop     Tag = "stop"
	NoReturn Tag = "noreturn"
	Fault    Tag = "fault"
	Env      Tag = "env"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Event represents one observation made during a resolution attempt:
// a page pulled from the target, an export block reached, a stop decision.
type Event struct {
	PC        uint64 // Address the event concerns
	Tags      Tags   // Multiple hashtags, first is primary
	Name      string // Export name when relevant (e.g., "ExitProcess")
	Detail    string // Additional detail (e.g., "ret=0xdeadbeef")
	Timestamp time.Time
}

// NewEvent creates a new resolution event.
func NewEvent(pc uint64, tag Tag, name, detail string) *Event {
	return &Event{
		PC:        pc,
		Tags:      Tags{tag},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// Recorder collects events for one resolution attempt. The resolver's
// hooks run on a single thread of control, so no locking is needed.
type Recorder struct {
	ID     string // attempt id
	events []*Event
}

// NewRecorder creates a recorder for the given attempt id.
func NewRecorder(id string) *Recorder {
	return &Recorder{ID: id}
}

// Add appends an event.
func (r *Recorder) Add(e *Event) {
	if r == nil {
		return
	}
	r.events = append(r.events, e)
}

// Events returns the collected events in order.
func (r *Recorder) Events() []*Event {
	if r == nil {
		return nil
	}
	return r.events
}
