package extract

import (
	"fmt"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// ExtractionError is the failure of one entity. Extraction records it and
// carries on with the remaining entities.
type ExtractionError struct {
	Entity catalog.EntityRef
	Query  string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction of %s failed: %v", e.Entity, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
