// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stage

import "fmt"

// EventKind enumerates the points of the stage matmul where listeners are notified.
type EventKind int

const (
	EventBegin EventKind = iota
	EventLhsLoaded
	EventRhsLoaded
	EventTileMatmulCompleted
	EventFinish
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "Begin"
	case EventLhsLoaded:
		return "LhsLoaded"
	case EventRhsLoaded:
		return "RhsLoaded"
	case EventTileMatmulCompleted:
		return "TileMatmulCompleted"
	case EventFinish:
		return "Finish"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event fired by the stage matmul. Current and Total count k iterations for EventLhsLoaded, and
// (k iteration, accumulator) pairs for EventRhsLoaded and EventTileMatmulCompleted.
type Event struct {
	Kind           EventKind
	Current, Total int
}

// String implements fmt.Stringer.
func (e Event) String() string {
	if e.Kind == EventBegin || e.Kind == EventFinish {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s(%d/%d)", e.Kind, e.Current, e.Total)
}

// EventListener observes the progress of a stage matmul. It must not alter the matmul.
type EventListener interface {
	OnEvent(e Event)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(e Event)

// OnEvent implements EventListener.
func (fn EventListenerFunc) OnEvent(e Event) { fn(e) }

// NoEvent is an EventListener that ignores all events.
type NoEvent struct{}

// OnEvent implements EventListener.
func (NoEvent) OnEvent(Event) {}
