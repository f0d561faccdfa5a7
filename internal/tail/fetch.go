package tail

import (
	"context"
	"errors"

	"github.com/mpataki/scriptrun/internal/client"
	"github.com/mpataki/scriptrun/internal/models"
)

// Source is the slice of the backend a tail loop needs.
type Source interface {
	FetchLogs(ctx context.Context, executionID models.ID, sinceSeq int64) ([]models.LogChunk, error)
	GetExecution(ctx context.Context, id models.ID) (*models.Execution, error)
}

type OutcomeKind int

const (
	OutcomeChunks OutcomeKind = iota
	OutcomeEmpty
	OutcomeTransportError
	OutcomeParseError
	// OutcomeRejected is a permanent refusal (unknown execution, forbidden).
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeChunks:
		return "chunks"
	case OutcomeEmpty:
		return "empty"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeParseError:
		return "parse_error"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// Outcome is the result of one fetch step.
type Outcome struct {
	Kind   OutcomeKind
	Chunks []models.LogChunk
	Err    error
}

// FetchStep performs exactly one log request at sinceSeq and classifies
// the result. It touches no cursor or buffer.
func FetchStep(ctx context.Context, src Source, executionID models.ID, sinceSeq int64) Outcome {
	chunks, err := src.FetchLogs(ctx, executionID, sinceSeq)
	if err != nil {
		return Outcome{Kind: classify(err), Err: err}
	}
	if len(chunks) == 0 {
		return Outcome{Kind: OutcomeEmpty}
	}
	return Outcome{Kind: OutcomeChunks, Chunks: chunks}
}

func classify(err error) OutcomeKind {
	var pe *client.ParseError
	var se *client.StatusError
	switch {
	case errors.As(err, &pe):
		return OutcomeParseError
	case errors.As(err, &se):
		return OutcomeRejected
	default:
		return OutcomeTransportError
	}
}
