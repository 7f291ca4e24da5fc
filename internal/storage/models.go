package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is one unit of stored long-term knowledge. IDs are opaque
// strings assigned at creation; callers must never assume an encoding.
type Document struct {
	ID           string
	Content      string
	Entities     []string
	ProblemClass string
	Source       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task statuses. A task moves pending -> processing -> done|failed;
// a failed attempt below the retry budget goes back to pending.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskDone       = "done"
	TaskFailed     = "failed"
)

// Task is one queued unit of learning work derived from a single
// conversational turn. Task IDs are monotonically increasing and
// define FIFO order.
type Task struct {
	ID          int64
	UserInput   string
	AgentOutput string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time // zero unless the task is done or failed
}
