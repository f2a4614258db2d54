// Package saga implements a coordinator for multi-step, compensable
// business processes. Each step issues commands (typically via the command
// bus) and records its outcome in an explicit, serializable instance;
// on a step failure or timeout the coordinator runs the compensations of
// all completed steps in reverse order.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusStarted            Status = "started"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusCompensating       Status = "compensating"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
)

type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepRunning            StepStatus = "running"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

type (
	// Step is one forward action of a saga and its undo. Execute and
	// Compensate receive a point-in-time copy of the instance; payload
	// updates made via SetPayload are carried forward when the step
	// returns without error.
	Step struct {
		Name string
		// Execute performs the step. A non-nil error (or exceeding Timeout)
		// fails the saga and triggers compensation of all prior steps.
		Execute func(ctx context.Context, ins *Instance) error
		// Compensate undoes a completed Execute. Nil means nothing to undo.
		Compensate func(ctx context.Context, ins *Instance) error
		// Timeout bounds Execute and Compensate individually. Zero means
		// no bound. A step that overruns its timeout is abandoned with its
		// copy of the instance; the coordinator moves on to compensation
		// without waiting for it.
		Timeout time.Duration
	}

	// Definition is a named, ordered list of steps.
	Definition struct {
		Name  string
		Steps []Step
	}

	// StepRecord is the durable outcome of one step.
	StepRecord struct {
		Name       string     `json:"name"`
		Status     StepStatus `json:"status"`
		StartedAt  time.Time  `json:"started_at,omitzero"`
		FinishedAt time.Time  `json:"finished_at,omitzero"`
		Error      string     `json:"error,omitempty"`
	}

	// Instance is the explicit, serializable state of one saga run. It is
	// persisted after every transition; no part of it is reconstructed via
	// reflection.
	Instance struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status Status `json:"status"`
		// CurrentStep is the index of the step being executed or
		// compensated.
		CurrentStep int          `json:"current_step"`
		Steps       []StepRecord `json:"steps"`
		// Payload is the saga's shared state, written by steps via
		// SetPayload.
		Payload   json.RawMessage `json:"payload,omitempty"`
		Error     string          `json:"error,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
	}
)

// SetPayload replaces the instance payload with the JSON encoding of v.
func (i *Instance) SetPayload(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal saga payload: %w", err)
	}
	i.Payload = data
	return nil
}

// DecodePayload unmarshals the instance payload into v.
func (i *Instance) DecodePayload(v any) error {
	if len(i.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(i.Payload, v)
}

// clone returns a deep copy for handing to a step goroutine.
func (i *Instance) clone() *Instance {
	cp := *i
	cp.Steps = slices.Clone(i.Steps)
	cp.Payload = slices.Clone(i.Payload)
	return &cp
}

// Done reports whether the instance reached a terminal status.
func (i *Instance) Done() bool {
	switch i.Status {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed:
		return true
	}
	return false
}
