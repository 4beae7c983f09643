package models

import "time"

// TaskStatus represents where a task is in its lifecycle
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskKindBrowser is the task kind the orchestrator registers with the queue
const TaskKindBrowser = "browser-task"

// TaskParams is the payload carried by a browser task
type TaskParams struct {
	Prompt        string        `json:"prompt"`
	MaxIterations int           `json:"maxIterations"`
	Timeout       time.Duration `json:"timeout"`
	ResumeFrom    string        `json:"resumeFrom,omitempty"`
}

// Task is a unit of work owned by the task queue
type Task struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Params      TaskParams `json:"params"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// QueueTaskRequest is the payload for queuing a new task
type QueueTaskRequest struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	// Timeout is the per-call driver timeout in seconds
	Timeout    int       `json:"timeout,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	RunAt      time.Time `json:"runAt,omitempty"`
	ResumeFrom string    `json:"resumeFrom,omitempty"`
}

// TaskResponse is the view of a task returned to callers
type TaskResponse struct {
	ID            string     `json:"id"`
	Status        TaskStatus `json:"status"`
	Prompt        string     `json:"prompt"`
	Iteration     int        `json:"iteration"`
	MaxIterations int        `json:"maxIterations"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	Paused        bool       `json:"paused"`
	PauseReason   string     `json:"pauseReason,omitempty"`
	LastOutput    string     `json:"lastOutput,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}
