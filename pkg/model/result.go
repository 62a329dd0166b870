package model

import (
	"encoding/json"
	"time"
)

// CommandResult tracks the progress of one command. It is the only record
// observers see; the raw engine status is never exposed directly.
type CommandResult struct {
	CommandID       string          `json:"commandId"`
	CreatedTime     time.Time       `json:"createdTime"`
	LastUpdatedTime time.Time       `json:"lastUpdatedTime"`
	CustomStatus    string          `json:"customStatus,omitempty"`
	Errors          []*CommandError `json:"errors,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Links           map[string]string `json:"_links,omitempty"`
	Timeout         time.Duration     `json:"timeout"`

	// Status is the raw runtime status as stored. Read through
	// RuntimeStatus, which applies the errors override.
	Status RuntimeStatus `json:"runtimeStatus"`
}

// CreateResult initializes the result record for a command.
func CreateResult(cmd *Command) *CommandResult {
	return &CommandResult{
		CommandID:   cmd.CommandID,
		CreatedTime: time.Now().UTC(),
		Timeout:     cmd.Timeout,
		Status:      StatusUnknown,
		Links:       map[string]string{},
	}
}

// RuntimeStatus returns the externally observed status. A result carrying
// errors always reads as Failed, regardless of what the engine reported.
func (r *CommandResult) RuntimeStatus() RuntimeStatus {
	if len(r.Errors) > 0 {
		return StatusFailed
	}
	return r.Status
}

// ApplyStatus copies timestamps, raw status and custom status from the
// engine's status record onto the result.
func (r *CommandResult) ApplyStatus(st *InstanceStatus) *CommandResult {
	if st == nil {
		return r
	}
	r.CreatedTime = st.CreatedTime
	r.LastUpdatedTime = st.LastUpdatedTime
	r.Status = st.RuntimeStatus
	r.CustomStatus = st.CustomStatus
	return r
}

// AddError records a failure on the result, converting it to a serializable
// descriptor first.
func (r *CommandResult) AddError(err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, AsCommandError(err))
}

// SetResult stores the type-specific output payload.
func (r *CommandResult) SetResult(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Result = b
	return nil
}

// UnmarshalResult decodes the output payload into out.
func (r *CommandResult) UnmarshalResult(out any) error {
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, out)
}

// MarshalJSON emits the observed runtime status, not the raw stored one,
// so wire consumers see the errors override applied.
func (r *CommandResult) MarshalJSON() ([]byte, error) {
	type alias CommandResult
	return json.Marshal(&struct {
		*alias
		Status RuntimeStatus `json:"runtimeStatus"`
	}{
		alias:  (*alias)(r),
		Status: r.RuntimeStatus(),
	})
}
