package anonymize

import (
	"fmt"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// RuleError reports a PII-looking column no rule matched. The column is
// still anonymized with the default strategy.
type RuleError struct {
	Entity   catalog.EntityRef
	Column   string
	Strategy string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("no anonymization rule matches PII-looking column %s.%s, applied default strategy %s",
		e.Entity, e.Column, e.Strategy)
}
