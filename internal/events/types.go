package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
	Rank() int
}

// Topic constants
const (
	TopicLoop = "loop"
)

// LoopProgressBudget is the number of progress events a rank publishes per
// loop when its publisher is budgeted.
const LoopProgressBudget = 100

// LoopBufferSize is the subscriber buffer that holds every loop event of a
// world of worldSize budgeted ranks: started, progress and finished.
func LoopBufferSize(worldSize int) int {
	return max(DefaultBufferSize, worldSize*(LoopProgressBudget+2))
}

// Event type constants
const (
	EventTypeLoopStarted  = "loop.started"
	EventTypeLoopProgress = "loop.progress"
	EventTypeLoopFinished = "loop.finished"
)

// LoopStartedEvent is published when a rank enters a task loop.
type LoopStartedEvent struct {
	Run       string
	WorldRank int
	Total     int64 // global task count of the loop
	Share     int64 // tasks assigned to this rank
	Timestamp time.Time
}

func (e LoopStartedEvent) EventType() string { return EventTypeLoopStarted }
func (e LoopStartedEvent) RunID() string     { return e.Run }
func (e LoopStartedEvent) Rank() int         { return e.WorldRank }

// LoopProgressEvent is published as a rank completes tasks.
type LoopProgressEvent struct {
	Run       string
	WorldRank int
	Executed  int64
	Share     int64
	Timestamp time.Time
}

func (e LoopProgressEvent) EventType() string { return EventTypeLoopProgress }
func (e LoopProgressEvent) RunID() string     { return e.Run }
func (e LoopProgressEvent) Rank() int         { return e.WorldRank }

// Fraction returns the completed part of the share, 1 for an empty share.
func (e LoopProgressEvent) Fraction() float64 {
	if e.Share <= 0 {
		return 1
	}
	return float64(e.Executed) / float64(e.Share)
}

// LoopFinishedEvent is published when a rank leaves a task loop, successfully or not.
type LoopFinishedEvent struct {
	Run       string
	WorldRank int
	Executed  int64
	Share     int64
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e LoopFinishedEvent) EventType() string { return EventTypeLoopFinished }
func (e LoopFinishedEvent) RunID() string     { return e.Run }
func (e LoopFinishedEvent) Rank() int         { return e.WorldRank }

// Complete reports whether the rank executed its whole share.
func (e LoopFinishedEvent) Complete() bool {
	return e.Err == nil && e.Executed == e.Share
}
