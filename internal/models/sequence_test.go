package models

import (
	"encoding/json"
	"testing"
	"time"
)

func validSequence() *Sequence {
	return &Sequence{
		Name:      "drill",
		CreatedBy: "white-cell",
		Steps: []Step{
			{
				Kind:    ActionBroadcast,
				DelayMs: 5000,
				Payload: json.RawMessage(`{"text":"hello"}`),
			},
			{
				Kind:         ActionPing,
				RequiresAck:  true,
				AckTimeoutMs: 60000,
				Branches: []Branch{
					{
						Condition: ConditionAckNotReceived,
						TimeoutMs: 60000,
						Steps:     []Step{{Kind: ActionDispatchCommand}},
					},
				},
			},
		},
	}
}

func TestValidateAcceptsValidSequence(t *testing.T) {
	if err := validSequence().Validate(); err != nil {
		t.Errorf("valid sequence rejected: %v", err)
	}
}

func TestValidateRejectsBadSequences(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Sequence)
	}{
		{"empty name", func(s *Sequence) { s.Name = "" }},
		{"unknown kind", func(s *Sequence) { s.Steps[0].Kind = "teleport" }},
		{"negative delay", func(s *Sequence) { s.Steps[0].DelayMs = -100 }},
		{"ack timeout without requires_ack", func(s *Sequence) { s.Steps[0].AckTimeoutMs = 500 }},
		{"negative ack timeout", func(s *Sequence) { s.Steps[1].AckTimeoutMs = -1 }},
		{"unknown condition", func(s *Sequence) { s.Steps[1].Branches[0].Condition = "maybe" }},
		{"timeout condition without timeout", func(s *Sequence) { s.Steps[1].Branches[0].TimeoutMs = 0 }},
		{"cursor out of range", func(s *Sequence) { s.Cursor = 3 }},
		{"negative cursor", func(s *Sequence) { s.Cursor = -1 }},
		{"repeat without interval", func(s *Sequence) { s.Repeat = &RepeatPolicy{Enabled: true} }},
		{"negative max repeats", func(s *Sequence) {
			s.Repeat = &RepeatPolicy{Enabled: true, IntervalMs: 1000, MaxRepeats: -1}
		}},
		{"nested branch", func(s *Sequence) {
			s.Steps[1].Branches[0].Steps[0].Branches = []Branch{{Condition: ConditionAlways}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seq := validSequence()
			tc.mutate(seq)
			if err := seq.Validate(); err == nil {
				t.Error("invalid sequence accepted")
			}
		})
	}
}

func TestValidateAllowsZeroSteps(t *testing.T) {
	seq := &Sequence{Name: "empty"}
	if err := seq.Validate(); err != nil {
		t.Errorf("zero-step sequence rejected: %v", err)
	}
}

func TestAssignIDsFillsAllLevels(t *testing.T) {
	seq := validSequence()
	seq.AssignIDs()

	if seq.ID == "" {
		t.Error("sequence id not assigned")
	}
	for i, step := range seq.Steps {
		if step.ID == "" {
			t.Errorf("step %d id not assigned", i)
		}
		for j, branch := range step.Branches {
			if branch.ID == "" {
				t.Errorf("branch %d.%d id not assigned", i, j)
			}
			for k, nested := range branch.Steps {
				if nested.ID == "" {
					t.Errorf("nested step %d.%d.%d id not assigned", i, j, k)
				}
			}
		}
	}
}

func TestAssignIDsPreservesExisting(t *testing.T) {
	seq := validSequence()
	seq.ID = "keep-me"
	seq.Steps[0].ID = "keep-step"
	seq.AssignIDs()

	if seq.ID != "keep-me" {
		t.Errorf("sequence id replaced: %s", seq.ID)
	}
	if seq.Steps[0].ID != "keep-step" {
		t.Errorf("step id replaced: %s", seq.Steps[0].ID)
	}
}

func TestDeepCopyIsIndependent(t *testing.T) {
	seq := validSequence()
	seq.Status = SequenceStatusCompleted
	seq.Cursor = 2
	at := time.Now().UTC()
	seq.ScheduledAt = &at
	seq.Repeat = &RepeatPolicy{Enabled: true, IntervalMs: 1000, CurrentRepeat: 4}
	seq.AssignIDs()

	dup := seq.DeepCopy("second run")

	if dup.Name != "second run" {
		t.Errorf("name = %q", dup.Name)
	}
	if dup.Status != SequenceStatusDraft {
		t.Errorf("status = %s, want draft", dup.Status)
	}
	if dup.Cursor != 0 {
		t.Errorf("cursor = %d, want 0", dup.Cursor)
	}
	if dup.ScheduledAt != nil {
		t.Error("scheduled time copied")
	}
	if dup.Repeat.CurrentRepeat != 0 {
		t.Errorf("repeat progress copied: %d", dup.Repeat.CurrentRepeat)
	}
	if dup.ID == seq.ID {
		t.Error("sequence id shared")
	}
	if dup.Steps[0].ID == seq.Steps[0].ID {
		t.Error("step id shared")
	}
	if dup.Steps[1].Branches[0].ID == seq.Steps[1].Branches[0].ID {
		t.Error("branch id shared")
	}

	// Mutating the copy leaves the original untouched.
	dup.Steps[0].Payload = json.RawMessage(`{"text":"changed"}`)
	dup.Steps[1].Branches[0].Steps[0].Kind = ActionPing
	if string(seq.Steps[0].Payload) != `{"text":"hello"}` {
		t.Error("payload aliased between copy and original")
	}
	if seq.Steps[1].Branches[0].Steps[0].Kind != ActionDispatchCommand {
		t.Error("branch steps aliased between copy and original")
	}
}

func TestDurationHelpers(t *testing.T) {
	s := Step{DelayMs: 1500, AckTimeoutMs: 2000}
	if s.Delay() != 1500*time.Millisecond {
		t.Errorf("delay = %s", s.Delay())
	}
	if s.AckTimeout() != 2*time.Second {
		t.Errorf("ack timeout = %s", s.AckTimeout())
	}

	b := Branch{TimeoutMs: 90000}
	if b.Timeout() != 90*time.Second {
		t.Errorf("timeout = %s", b.Timeout())
	}

	r := RepeatPolicy{IntervalMs: 60000}
	if r.Interval() != time.Minute {
		t.Errorf("interval = %s", r.Interval())
	}
}

func TestStepByID(t *testing.T) {
	seq := validSequence()
	seq.AssignIDs()

	if got := seq.StepByID(seq.Steps[1].ID); got == nil || got.Kind != ActionPing {
		t.Error("step not found by id")
	}
	if seq.StepByID("missing") != nil {
		t.Error("unknown id returned a step")
	}
}

func TestExecutionHelpers(t *testing.T) {
	exec := &Execution{
		Status:         ExecutionStatusRunning,
		CompletedSteps: []string{"a", "b"},
	}
	if exec.Terminal() {
		t.Error("running execution reported terminal")
	}
	if !exec.HasCompleted("a") || exec.HasCompleted("c") {
		t.Error("HasCompleted wrong")
	}

	exec.Status = ExecutionStatusCompleted
	if !exec.Terminal() {
		t.Error("completed execution not terminal")
	}
	exec.Status = ExecutionStatusFailed
	if !exec.Terminal() {
		t.Error("failed execution not terminal")
	}
}
