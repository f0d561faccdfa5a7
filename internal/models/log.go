package models

// LogChunk is one ordered unit of execution output.
type LogChunk struct {
	SequenceNo int64  `json:"sequence_no"`
	Stream     string `json:"stream,omitempty"`
	Text       string `json:"text"`
}
