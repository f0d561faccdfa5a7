package models

import "time"

// Launch is the local journal entry for an execution started from this
// client. Parameters are stored masked.
type Launch struct {
	ExecutionID ID
	ModuleID    ID
	ModuleName  string
	Identity    string
	Parameters  map[string]any
	Status      ExecStatus
	LaunchedAt  time.Time
	FinishedAt  *time.Time
	Error       string
}
