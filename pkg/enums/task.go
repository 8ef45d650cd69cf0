package enums

import "fmt"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskOpen    TaskStatus = "open"
	TaskStarted TaskStatus = "started"
	TaskClosed  TaskStatus = "closed"
)

var validTaskStatuses = []TaskStatus{TaskOpen, TaskStarted, TaskClosed}

func (s TaskStatus) IsValid() bool {
	for _, candidate := range validTaskStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseTaskStatus(value string) (TaskStatus, error) {
	for _, candidate := range validTaskStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid task status %q", value)
}
