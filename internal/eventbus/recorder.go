package eventbus

import (
	"sync"

	"voxd/pkg/types"
)

// Recorder stores published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(e types.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name, in publish order.
func (r *Recorder) Named(name string) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
