package state

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Module is a unit of engine functionality with a managed lifecycle.
type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on the main loop goroutine.
type State struct {
	*Env
	Modules map[string]Module
}

// Env can be read from any goroutine.
type Env struct {
	DispatchChannel chan<- func(s *State) error
	Cfg             Config
	Context         context.Context
	Cancel          context.CancelCauseFunc
	Log             *slog.Logger

	// upstream queue consumed by LinkMonitor
	NeighborEvents chan<- SparkNeighborEvent
	// downstream queue of interface snapshots
	InterfaceUpdates <-chan InterfaceDatabase

	Started  atomic.Bool
	Stopping atomic.Bool
}

// PublishNeighborEvent pushes an event on the upstream queue without ever
// blocking the main loop. A full queue drops the event and logs.
func (e *Env) PublishNeighborEvent(ev SparkNeighborEvent) {
	if e.NeighborEvents == nil {
		return
	}
	select {
	case e.NeighborEvents <- ev:
	default:
		e.Log.Warn("neighbor event queue is full, dropping event",
			"event", ev.EventType.String(), "neighbor", ev.Neighbor.NodeName)
	}
}
