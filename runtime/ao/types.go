// Package ao is the client side of the AO network: it submits signed messages
// to a messenger unit, spawns processes, and reads computed results from a
// compute unit. Results are decoded into the Outcome union.
package ao

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/fluxmcp/flux/runtime/ao/ans104"
)

const (
	// DefaultModule is the process template used for plain spawns.
	DefaultModule = "JArYBF-D8q2OmZ4Mok00sD2Y_6SYEQ7Hjx-6VZ_jl3g"
	// SqliteModule is the process template with the embedded lsqlite3 store.
	SqliteModule = "33d-3X8mpv6xYBlVB-eXMrPfH5Kzf6Hiwhcv0UA10sw"
	// DefaultScheduler is the scheduler every spawned process is assigned to.
	DefaultScheduler = "_GQ33BkPtZrqxA84vM8Zk-N2aO0toNNu_C-l-rawrBA"
)

// ErrEmptyOutcome is returned when a successful result carries neither output
// data nor any emitted message.
var ErrEmptyOutcome = errors.New("result has neither output data nor messages")

type (
	// ProcessID identifies a remote process.
	ProcessID string

	// MessageID identifies a submitted message and correlates it with its result.
	MessageID string

	// Tag is a name/value pair attached to a submission.
	Tag = ans104.Tag

	// Signer authenticates submissions.
	Signer = ans104.Signer

	// Network is the subset of the AO network the server depends on.
	Network interface {
		// Submit signs and posts a message to a process. It is not idempotent.
		Submit(ctx context.Context, req MessageRequest) (SubmittedMessage, error)
		// Fetch queries the compute unit once for the result of a message.
		Fetch(ctx context.Context, message MessageID, process ProcessID) (Outcome, error)
		// Spawn creates a new process.
		Spawn(ctx context.Context, req SpawnRequest) (ProcessID, error)
	}

	// MessageRequest describes one message submission.
	MessageRequest struct {
		Process ProcessID
		Signer  Signer
		Data    string
		Tags    []Tag
	}

	// SpawnRequest describes a process spawn.
	SpawnRequest struct {
		Module    string
		Scheduler string
		Signer    Signer
		Tags      []Tag
		// Data is the spawn payload; empty uses "1984".
		Data string
	}

	// SubmittedMessage is the correlation handle returned by Submit.
	SubmittedMessage struct {
		ID      MessageID
		Process ProcessID
		Data    string
	}

	// Outcome is the fetched result of a message: either Failure or Success.
	Outcome interface {
		outcome()
	}

	// Failure reports that the remote evaluation raised an error.
	Failure struct {
		Error any
	}

	// Success carries the direct output and the messages the evaluation emitted.
	Success struct {
		Output   *Output
		Messages []Message
	}

	// Output is the direct result of an evaluation.
	Output struct {
		// Data is the evaluation value; HasData distinguishes an absent field
		// from an explicit null.
		Data    any
		HasData bool
		Prompt  string
		Print   bool
	}

	// Message is a message emitted by the evaluated process.
	Message struct {
		Target string `json:"Target,omitempty"`
		Anchor string `json:"Anchor,omitempty"`
		Tags   []Tag  `json:"Tags,omitempty"`
		Data   any    `json:"Data"`
	}
)

func (Failure) outcome() {}
func (Success) outcome() {}

// OutputData returns output.data when present.
func (s Success) OutputData() (any, bool) {
	if s.Output == nil || !s.Output.HasData {
		return nil, false
	}
	return s.Output.Data, true
}

// FirstMessageData returns the Data of the first emitted message when present.
func (s Success) FirstMessageData() (any, bool) {
	if len(s.Messages) == 0 {
		return nil, false
	}
	return s.Messages[0].Data, true
}

// rawResult mirrors the compute unit's result document.
type rawResult struct {
	Messages []Message       `json:"Messages"`
	Spawns   []any           `json:"Spawns"`
	Output   json.RawMessage `json:"Output"`
	Error    json.RawMessage `json:"Error"`
	GasUsed  int64           `json:"GasUsed"`
}

// DecodeOutcome converts a compute unit result document into an Outcome. A
// non-empty Error field always yields a Failure, even when output or messages
// are also present.
func DecodeOutcome(data []byte) (Outcome, error) {
	var raw rawResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if !isEmptyJSON(raw.Error) {
		var v any
		if err := json.Unmarshal(raw.Error, &v); err != nil {
			return nil, err
		}
		return Failure{Error: v}, nil
	}
	out, err := decodeOutput(raw.Output)
	if err != nil {
		return nil, err
	}
	return Success{Output: out, Messages: raw.Messages}, nil
}

// decodeOutput accepts the object form ({"data": ...}) and the bare string
// form some compute units return.
func decodeOutput(raw json.RawMessage) (*Output, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return &Output{Data: s, HasData: true}, nil
	}
	if trimmed[0] != '{' {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		return &Output{Data: v, HasData: true}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	out := &Output{}
	if d, ok := fields["data"]; ok {
		if err := json.Unmarshal(d, &out.Data); err != nil {
			return nil, err
		}
		out.HasData = true
	}
	if p, ok := fields["prompt"]; ok {
		_ = json.Unmarshal(p, &out.Prompt)
	}
	if p, ok := fields["print"]; ok {
		_ = json.Unmarshal(p, &out.Print)
	}
	return out, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte(`""`))
}
