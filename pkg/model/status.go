package model

import (
	"encoding/json"
	"time"
)

// RuntimeStatus describes the lifecycle state of a command's workflow instance.
type RuntimeStatus string

const (
	StatusUnknown    RuntimeStatus = "Unknown"
	StatusRunning    RuntimeStatus = "Running"
	StatusCompleted  RuntimeStatus = "Completed"
	StatusFailed     RuntimeStatus = "Failed"
	StatusCanceled   RuntimeStatus = "Canceled"
	StatusTerminated RuntimeStatus = "Terminated"
)

// Terminal reports whether the status is final. A terminal instance will
// never transition again.
func (s RuntimeStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTerminated:
		return true
	}
	return false
}

// InstanceStatus is the status record of a workflow instance as reported
// by the workflow engine's status query interface.
type InstanceStatus struct {
	InstanceID      string          `json:"instanceId"`
	RuntimeStatus   RuntimeStatus   `json:"runtimeStatus"`
	CustomStatus    string          `json:"customStatus,omitempty"`
	CreatedTime     time.Time       `json:"createdTime"`
	LastUpdatedTime time.Time       `json:"lastUpdatedTime"`
	Output          json.RawMessage `json:"output,omitempty"`
}
