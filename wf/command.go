package wf

import (
	"encoding/json"
	"time"
)

// CommandType discriminates decider commands.
type CommandType string

const (
	CmdSleep            CommandType = "sleep"
	CmdExec             CommandType = "exec"
	CmdSet              CommandType = "set"
	CmdCompleteWorkflow CommandType = "complete_workflow"
	CmdFailWorkflow     CommandType = "fail_workflow"
)

// Command is an intent emitted by a decider. The engine applies commands in
// order during a tick; see Engine.applyCommands.
type Command struct {
	Type CommandType `json:"type"`

	// Sleep: exactly one of Seconds/Until must be set.
	Seconds *int64     `json:"seconds,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
	Label   string     `json:"label,omitempty"`

	// Exec.
	Name        string          `json:"name,omitempty"`
	Code        json.RawMessage `json:"code,omitempty"`
	RunAfter    *time.Time      `json:"run_after,omitempty"`
	IdemKey     string          `json:"idem_key,omitempty"`
	MaxTries    int             `json:"max_tries,omitempty"`
	RetryDelays []int64         `json:"retry_delays,omitempty"`

	// Set.
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	// FailWorkflow.
	Reason *Failure `json:"reason,omitempty"`
}

// SleepFor builds a sleep command firing after the given number of seconds.
func SleepFor(seconds int64, label string) Command {
	s := seconds
	return Command{Type: CmdSleep, Seconds: &s, Label: label}
}

// SleepUntil builds a sleep command firing at an absolute time.
func SleepUntil(until time.Time, label string) Command {
	u := until
	return Command{Type: CmdSleep, Until: &u, Label: label}
}

// ExecActivity builds an exec command with the opaque code payload.
func ExecActivity(name string, code json.RawMessage) Command {
	return Command{Type: CmdExec, Name: name, Code: code}
}

// SetValue builds a set command writing value at the ctx dot-path key.
// The value must be JSON-serializable.
func SetValue(key string, value interface{}) (Command, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Command{}, err
	}
	return Command{Type: CmdSet, Key: key, Value: raw}, nil
}

// CompleteWorkflow builds a terminal completion command.
func CompleteWorkflow() Command {
	return Command{Type: CmdCompleteWorkflow}
}

// FailWorkflow builds a terminal failure command. The reason is normalized
// when applied.
func FailWorkflow(reason *Failure) Command {
	return Command{Type: CmdFailWorkflow, Reason: reason}
}
