package event

import "iter"

// Change describes a mutation observed on a Log.
type Change int

const (
	ChangeAppend Change = iota
	ChangeReset
)

// Observer is notified after every Append and Reset. For ChangeReset the
// event argument is the zero Event.
type Observer func(c Change, ev Event, length int)

// Log is an append-only, insertion-ordered sequence of events. The only
// mutations are Append and a full Reset; individual events are never
// removed because "latest wins" projections depend on an intact history.
//
// Log is not safe for concurrent use. The session engine serialises access.
type Log struct {
	events    []Event
	resets    uint64
	observers []Observer
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds ev to the end of the log.
func (l *Log) Append(ev Event) {
	l.events = append(l.events, ev)
	l.notify(ChangeAppend, ev)
}

// Reset clears the log.
func (l *Log) Reset() {
	clear(l.events)
	l.events = l.events[:0]
	l.resets++
	l.notify(ChangeReset, Event{})
}

// Len returns the number of events in the log.
func (l *Log) Len() int {
	return len(l.events)
}

// Resets returns how many times the log has been reset. Together with Len it
// identifies a log state for memoization.
func (l *Log) Resets() uint64 {
	return l.resets
}

// At returns the event at index i in arrival order.
func (l *Log) At(i int) Event {
	return l.events[i]
}

// Events returns a copy of the events in arrival order.
func (l *Log) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// All iterates events oldest first.
func (l *Log) All() iter.Seq2[int, Event] {
	return func(yield func(int, Event) bool) {
		for i, ev := range l.events {
			if !yield(i, ev) {
				return
			}
		}
	}
}

// Backward iterates events newest first.
func (l *Log) Backward() iter.Seq2[int, Event] {
	return func(yield func(int, Event) bool) {
		for i := len(l.events) - 1; i >= 0; i-- {
			if !yield(i, l.events[i]) {
				return
			}
		}
	}
}

// Last returns the most recent event of type t.
func (l *Log) Last(t Type) (Event, bool) {
	for _, ev := range l.Backward() {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}

// Count returns how many events of type t the log holds.
func (l *Log) Count(t Type) int {
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Subscribe registers fn to be called after every mutation.
func (l *Log) Subscribe(fn Observer) {
	l.observers = append(l.observers, fn)
}

func (l *Log) notify(c Change, ev Event) {
	for _, fn := range l.observers {
		fn(c, ev, len(l.events))
	}
}
