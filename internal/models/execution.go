package models

type ExecStatus string

const (
	ExecStatusQueued    ExecStatus = "queued"
	ExecStatusRunning   ExecStatus = "running"
	ExecStatusSucceeded ExecStatus = "succeeded"
	ExecStatusFailed    ExecStatus = "failed"
	ExecStatusCanceled  ExecStatus = "canceled"
	ExecStatusTimeout   ExecStatus = "timeout"
)

// IsTerminal reports whether the backend will produce no further output
// for an execution in this status.
func (s ExecStatus) IsTerminal() bool {
	switch s {
	case ExecStatusSucceeded, ExecStatusFailed, ExecStatusCanceled, ExecStatusTimeout:
		return true
	}
	return false
}

type Execution struct {
	ID           ID         `json:"id"`
	ModuleID     ID         `json:"module_id,omitempty"`
	Status       ExecStatus `json:"status"`
	CreatedAt    *Timestamp `json:"created_at,omitempty"`
	StartedAt    *Timestamp `json:"started_at,omitempty"`
	FinishedAt   *Timestamp `json:"finished_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorSummary string     `json:"error_summary,omitempty"`
}

// Artifact is a file produced by an execution, reachable through a
// pre-signed URL.
type Artifact struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	URL       string `json:"url"`
}
