package engine

import (
	"context"
	"errors"

	"github.com/dbsmedya/goscope/internal/anonymize"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/extract"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/load"
)

// RequestError reports a request rejected before any phase started.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return "invalid request: " + e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ErrorKind names the class of err for callers that only see JSON.
func ErrorKind(err error) string {
	var (
		reqErr     *RequestError
		precond    *load.PreconditionError
		txErr      *load.TransactionError
		catErr     *catalog.CatalogError
		cycleErr   *graph.CycleUnresolvedError
		orderErr   *graph.OrderError
		extractErr *extract.ExtractionError
		ruleErr    *anonymize.RuleError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &reqErr):
		return "InvalidRequest"
	case errors.As(err, &precond):
		return "PreconditionError"
	case errors.As(err, &txErr):
		return "LoadTransactionError"
	case errors.As(err, &catErr):
		return "CatalogError"
	case errors.As(err, &cycleErr):
		return "CycleUnresolvedError"
	case errors.As(err, &orderErr):
		return "OrderError"
	case errors.As(err, &extractErr):
		return "ExtractionError"
	case errors.As(err, &ruleErr):
		return "AnonymizationRuleError"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	}
	return "Error"
}
