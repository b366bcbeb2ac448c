package store

import (
	"sync"

	"github.com/pesto-garden/pesto-sync/internal/document"
)

// Event is one committed mutation, local or replicated. Origin carries the
// replication identifier that produced the write, or "" for local edits, so
// replication sessions can skip echoing their own writes back out.
type Event struct {
	Doc    document.Document
	Origin string
}

const feedBuffer = 256

type feed struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan Event)}
}

// subscribe registers a buffered subscriber. The returned cancel function is
// idempotent and closes the channel.
func (f *feed) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	ch := make(chan Event, feedBuffer)
	f.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// publish fans the event out to all subscribers. A subscriber that cannot
// keep up loses events rather than blocking the writer; replication sessions
// recover via resync.
func (f *feed) publish(e Event) (dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	return dropped
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
