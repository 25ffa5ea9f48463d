package models

import "time"

// OutputKind tags which of TaskOutput's payload fields is populated. The
// source system returned free-form dict-like structures; DESIGN NOTES §9
// re-architects this as an explicit tagged variant so downstream consumers
// (aggregator, transformer) pattern-match on Kind rather than introspecting
// a map.
type OutputKind string

const (
	OutputStructured OutputKind = "structured" // records: []map[string]any
	OutputDocument   OutputKind = "document"   // markdown/plain text body
	OutputArtifact   OutputKind = "artifact"   // binary + metadata
	OutputMixed      OutputKind = "mixed"      // more than one of the above
)

// ArtifactPayload is the binary+metadata variant of a task output.
type ArtifactPayload struct {
	FilePath    string `json:"file_path"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// TaskOutput is what a successful Executor.Execute call produces. Exactly
// one of StructuredRecords, DocumentBody, Artifacts is populated unless Kind
// is OutputMixed, in which case any subset may be non-empty.
type TaskOutput struct {
	Kind             OutputKind       `json:"kind"`
	Summary          string           `json:"summary"`
	StructuredRecords []map[string]any `json:"structured_records,omitempty"`
	DocumentBody     string           `json:"document_body,omitempty"`
	Artifacts        []ArtifactPayload `json:"artifacts,omitempty"`
	ToolTrace        []ToolCallTrace  `json:"tool_trace,omitempty"`
	ExecutionTimeMS  int64            `json:"execution_time_ms"`
	AgentMetadata    map[string]string `json:"agent_metadata,omitempty"`
}

// ToolCallTrace records one dispatched tool invocation within a task
// execution, in dispatch order (tool calls are strictly serialized per
// task — see spec §5 ordering guarantees).
type ToolCallTrace struct {
	ToolName   string    `json:"tool_name"`
	Request    string    `json:"request"`
	Response   string    `json:"response,omitempty"`
	Err        string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// ExecutionError is what a failed Executor.Execute call produces.
// IsTransient controls the Recovery Engine's default strategy (see §4.5).
type ExecutionError struct {
	Kind         FailureKind `json:"kind"`
	Message      string      `json:"message"`
	IsTransient  bool        `json:"is_transient"`
	PartialOutput *TaskOutput `json:"partial_output,omitempty"`
}

func (e *ExecutionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}
