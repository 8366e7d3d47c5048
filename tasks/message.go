package tasks

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunMessage asks a worker to run the pipeline for one task.
// It is what travels on the bus between the poller and the workers.
type RunMessage struct {
	TaskID        string    `json:"task_id"`
	MentionID     string    `json:"mention_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Trigger       string    `json:"trigger,omitempty"` // "poll", "api", "retry"
	CreatedAt     time.Time `json:"created_at"`
}

func NewRunMessage(taskID, mentionID, trigger string) *RunMessage {
	return &RunMessage{
		TaskID:    taskID,
		MentionID: mentionID,
		Trigger:   trigger,
		CreatedAt: time.Now().UTC(),
	}
}

func (m *RunMessage) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("run message: task_id required")
	}
	return nil
}

func (m *RunMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalRunMessage(data []byte) (*RunMessage, error) {
	var m RunMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// RunResult is the worker's reply when the run was requested synchronously.
type RunResult struct {
	TaskID     string `json:"task_id"`
	Outcome    string `json:"outcome"`
	Status     Status `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func (r *RunResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalRunResult(data []byte) (*RunResult, error) {
	var r RunResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
