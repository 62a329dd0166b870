package model

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// CommandType discriminates the orchestration template handling a command.
// The set is closed; dispatch happens through a lookup table, never by
// reflection.
type CommandType string

const (
	ProjectCreate     CommandType = "ProjectCreate"
	ProjectDelete     CommandType = "ProjectDelete"
	ProjectUserUpdate CommandType = "ProjectUserUpdate"
	ProviderCreate    CommandType = "ProviderCreate"
	ProviderRegister  CommandType = "ProviderRegister"

	// Provider-facing command types, dispatched to providers by the fan-out
	// dispatcher on behalf of the orchestrator-facing commands above.
	ProviderProjectCreate     CommandType = "ProviderProjectCreate"
	ProviderProjectDelete     CommandType = "ProviderProjectDelete"
	ProviderProjectUserUpdate CommandType = "ProviderProjectUserUpdate"
)

// MaximumTimeout caps how long a command may run before the engine
// forcibly terminates its workflow instance.
const MaximumTimeout = 30 * time.Minute

// Command is an immutable request to change state or query providers.
// CommandID doubles as the id of the workflow instance processing it.
type Command struct {
	CommandID string          `json:"commandId" valid:"required"`
	Type      CommandType     `json:"type" valid:"required"`
	ProjectID string          `json:"projectId,omitempty"`
	Initiator *User           `json:"initiator"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timeout   time.Duration   `json:"timeout"`

	// Results chains provider outputs between dispatch batches, keyed by
	// provider id. Populated by the dispatcher, read by later batches.
	Results map[string]map[string]string `json:"results,omitempty"`
}

// NewCommand creates a command with a fresh id and the default timeout.
func NewCommand(cmdType CommandType, initiator *User, payload any) (*Command, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Command{
		CommandID: NewCommandID(),
		Type:      cmdType,
		Initiator: initiator,
		Payload:   raw,
		Timeout:   MaximumTimeout,
		Results:   map[string]map[string]string{},
	}, nil
}

// NewCommandID generates a sortable unique command id.
func NewCommandID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// UnmarshalPayload decodes the command payload into out.
func (c *Command) UnmarshalPayload(out any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(c.Payload, out)
}

// CommandMessage is the wire envelope delivered to a provider: the command
// plus the callback URL the provider uses to push its asynchronous reply.
type CommandMessage struct {
	Command     *Command `json:"command"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
}
