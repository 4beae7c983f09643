package models

import "time"

// EventType identifies an entry in the per-task event feed
type EventType string

const (
	EventQueued     EventType = "queued"
	EventCheckpoint EventType = "checkpoint"
	EventPaused     EventType = "paused"
	EventResumed    EventType = "resumed"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
)

// TaskEvent is published whenever a task makes observable progress
type TaskEvent struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	Iteration int       `json:"iteration,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
