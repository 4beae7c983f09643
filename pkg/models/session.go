package models

import "time"

// SessionState is the resumable progress record of one task
type SessionState struct {
	TaskID            string        `json:"taskId"`
	Iteration         int           `json:"iteration"`
	Prompt            string        `json:"prompt"`
	CompletionPromise string        `json:"completionPromise,omitempty"`
	MaxIterations     int           `json:"maxIterations"`
	Completed         bool          `json:"completed"`
	Paused            bool          `json:"paused,omitempty"`
	PauseReason       string        `json:"pauseReason,omitempty"`
	PauseRequestedAt  time.Time     `json:"pauseRequestedAt,omitempty"`
	PauseResumeToken  string        `json:"pauseResumeToken,omitempty"`
	PauseTimeout      time.Duration `json:"pauseTimeout,omitempty"`
	LastUpdated       time.Time     `json:"lastUpdated"`
}

// PauseExpired reports whether a paused session is past its timeout at now.
func (s *SessionState) PauseExpired(now time.Time) bool {
	return s.Paused && now.Sub(s.PauseRequestedAt) > s.PauseTimeout
}

// CheckpointData is a snapshot written after each successful step
type CheckpointData struct {
	CheckpointID string    `json:"checkpointId"`
	TaskID       string    `json:"taskId"`
	Iteration    int       `json:"iteration"`
	URL          string    `json:"url,omitempty"`
	PageState    string    `json:"pageState,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}
