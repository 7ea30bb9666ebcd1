package counters

import "fmt"

// Event identifies one countable perf event type. The set is closed and fixed
// at build time; a Group maps each opened Event to a slot in its counts
// vector, resolved through Opened.
type Event int

const (
	// TaskClock counts nanoseconds the task spent running (software clock).
	TaskClock Event = iota
	// CPUClock counts wall-clock nanoseconds on CPU (software clock).
	CPUClock
	// Instructions counts retired instructions (hardware PMU).
	Instructions
	// RefCycles counts reference cycles, immune to frequency scaling (hardware PMU).
	RefCycles

	numEvents
)

var eventNames = [numEvents]string{
	TaskClock:    "task-clock",
	CPUClock:     "cpu-clock",
	Instructions: "instructions",
	RefCycles:    "ref-cycles",
}

func (e Event) String() string {
	if e >= 0 && e < numEvents {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Hardware reports whether the event needs a hardware PMU counter.
func (e Event) Hardware() bool {
	return e == Instructions || e == RefCycles
}

// ParseEvent resolves an event name as accepted on a command line.
func ParseEvent(s string) (Event, error) {
	for ev, name := range eventNames {
		if name == s {
			return Event(ev), nil
		}
	}
	return 0, fmt.Errorf("counters: unknown event %q", s)
}

// AllEvents returns every known event, software events first.
func AllEvents() []Event {
	return []Event{TaskClock, CPUClock, Instructions, RefCycles}
}
