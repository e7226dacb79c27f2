package loop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harun/keel/pkg/model"
)

// State is the loop driver's position in the plan/act/validate cycle.
type State string

const (
	StatePlanning   State = "PLANNING"
	StateActing     State = "ACTING"
	StateValidating State = "VALIDATING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Terminal reports whether the state ends the thread.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ToolCall is a planned tool invocation carried from PLANNING to ACTING.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Thread is one unit of orchestrated work. It is owned exclusively by a
// single driver instance while active and fully serialized into every
// checkpoint so a crashed process can resume from the snapshot alone.
type Thread struct {
	ID       string          `json:"id"`
	Messages []model.Message `json:"messages"`
	State    State           `json:"state"`
	// Step counts committed checkpoints and stays consistent with the
	// store's sequence numbers; recovery rejects snapshots that drift.
	Step      int `json:"step"`
	ToolCalls int `json:"tool_calls"`
	// Pending is the tool call planned but not yet applied. Non-nil only
	// between a PLANNING and the matching ACTING transition.
	Pending *ToolCall `json:"pending,omitempty"`
	// LastCallKey and RepeatCount track consecutive identical tool calls
	// for the loop guard.
	LastCallKey string `json:"last_call_key,omitempty"`
	RepeatCount int    `json:"repeat_count,omitempty"`
	// VerifierNudges counts low-agreement redirects back to planning.
	VerifierNudges int `json:"verifier_nudges,omitempty"`
	// RecoveryAttempts counts crash resumes; recovery gives up on a
	// thread after a fixed cap.
	RecoveryAttempts int       `json:"recovery_attempts,omitempty"`
	FinalAnswer      string    `json:"final_answer,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewThread creates a thread in PLANNING seeded with the user's input.
func NewThread(input string) *Thread {
	now := time.Now()
	return &Thread{
		ID:        uuid.NewString(),
		Messages:  []model.Message{{Role: "user", Content: input}},
		State:     StatePlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Snapshot serializes the thread for checkpointing.
func (t *Thread) Snapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize thread %s: %w", t.ID, err)
	}
	return raw, nil
}

// ThreadFromSnapshot deserializes a checkpointed thread.
func ThreadFromSnapshot(raw json.RawMessage) (*Thread, error) {
	var t Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to deserialize thread snapshot: %w", err)
	}
	if t.ID == "" {
		return nil, fmt.Errorf("thread snapshot missing id")
	}
	return &t, nil
}

// Append adds a message and bumps the update timestamp.
func (t *Thread) Append(msg model.Message) {
	t.Messages = append(t.Messages, msg)
	t.UpdatedAt = time.Now()
}
