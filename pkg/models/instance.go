package models

import "time"

// InstanceStatus represents the availability of a pooled browser session
type InstanceStatus string

const (
	InstanceAvailable InstanceStatus = "available"
	InstanceBusy      InstanceStatus = "busy"
	InstanceUnhealthy InstanceStatus = "unhealthy"
)

// BrowserInstance is one driver session held by the pool
type BrowserInstance struct {
	ID              string         `json:"id"`
	Status          InstanceStatus `json:"status"`
	LastHealthCheck time.Time      `json:"lastHealthCheck"`
	CurrentTaskID   string         `json:"currentTaskId,omitempty"`
	Endpoint        string         `json:"endpoint,omitempty"`
	ContainerID     string         `json:"-"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// PoolStatus is a snapshot of pool capacity
type PoolStatus struct {
	Size      int `json:"size"`
	MaxSize   int `json:"maxSize"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Unhealthy int `json:"unhealthy"`
}
