package load

import (
	"errors"
	"fmt"

	"github.com/dbsmedya/goscope/internal/artifact"
)

// ErrUnscoped is returned for a write statement that does not carry the
// scope predicate. Such a statement is never sent to a store.
var ErrUnscoped = errors.New("write statement is not bound to the run scope")

// PreconditionError is returned when a load is requested for a dataset whose
// validation did not pass. Nothing is connected or written.
type PreconditionError struct {
	Status artifact.Status
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("load refused: %s", e.Reason)
	}
	return fmt.Sprintf("load refused: validation status is %s", e.Status)
}

// TransactionError is the failure of one target store's transaction. The
// store was rolled back; other stores are unaffected.
type TransactionError struct {
	Store  string
	Entity string
	Row    string
	Err    error
}

func (e *TransactionError) Error() string {
	switch {
	case e.Row != "":
		return fmt.Sprintf("load of store %s rolled back at %s row %s: %v", e.Store, e.Entity, e.Row, e.Err)
	case e.Entity != "":
		return fmt.Sprintf("load of store %s rolled back at %s: %v", e.Store, e.Entity, e.Err)
	}
	return fmt.Sprintf("load of store %s rolled back: %v", e.Store, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// rowError ties a statement failure to the row that triggered it.
type rowError struct {
	row string
	err error
}

func (e *rowError) Error() string {
	return fmt.Sprintf("row %s: %v", e.row, e.err)
}

func (e *rowError) Unwrap() error {
	return e.err
}
