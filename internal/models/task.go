package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of one pair's backfill task.
type TaskStatus string

const (
	StatusPending TaskStatus = "pending" // StatusPending indicates the task is submitted but has no worker yet
	StatusRunning TaskStatus = "running" // StatusRunning indicates a worker is walking the pair
	StatusSuccess TaskStatus = "success" // StatusSuccess indicates candles were walked and persisted
	StatusEmpty   TaskStatus = "empty"   // StatusEmpty indicates the walk produced no candles
	StatusFailed  TaskStatus = "failed"  // StatusFailed indicates a fatal walk error or a sink failure
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusEmpty, StatusFailed:
		return true
	}
	return false
}

// PairTask tracks one pair from submission to its terminal outcome.
// A task is owned by a single worker once running.
type PairTask struct {
	ID          string     `json:"id"`
	Pair        Pair       `json:"pair"`
	Status      TaskStatus `json:"status"`
	Records     int        `json:"records"`
	Requests    int        `json:"requests"`
	Path        string     `json:"path,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// NewPairTask creates a pending task with a fresh ID.
func NewPairTask(pair Pair) *PairTask {
	return &PairTask{
		ID:        uuid.NewString(),
		Pair:      pair,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Start transitions the task from pending to running.
func (t *PairTask) Start() error {
	if t.Status != StatusPending {
		return fmt.Errorf("cannot start task: current status is %s, expected %s", t.Status, StatusPending)
	}
	t.Status = StatusRunning
	t.StartedAt = time.Now().UTC()
	return nil
}

// Succeed marks a running task as persisted with the given record count.
func (t *PairTask) Succeed(records int, path string) error {
	if err := t.finish(StatusSuccess); err != nil {
		return err
	}
	t.Records = records
	t.Path = path
	return nil
}

// MarkEmpty marks a running task whose walk produced nothing.
func (t *PairTask) MarkEmpty() error {
	return t.finish(StatusEmpty)
}

// Fail marks a running task as failed with the given cause.
func (t *PairTask) Fail(cause error) error {
	if err := t.finish(StatusFailed); err != nil {
		return err
	}
	if cause != nil {
		t.Error = cause.Error()
	}
	return nil
}

func (t *PairTask) finish(to TaskStatus) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("cannot move task to %s: current status is %s, expected %s", to, t.Status, StatusRunning)
	}
	t.Status = to
	t.CompletedAt = time.Now().UTC()
	return nil
}

// Duration returns how long the task ran, or zero if it has not finished.
func (t *PairTask) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}
