package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SemanticType is the store-agnostic class of a column.
type SemanticType string

const (
	TypeInteger   SemanticType = "integer"
	TypeDecimal   SemanticType = "decimal"
	TypeText      SemanticType = "text"
	TypeBoolean   SemanticType = "boolean"
	TypeTimestamp SemanticType = "timestamp"
	TypeDate      SemanticType = "date"
	TypeUUID      SemanticType = "uuid"
	TypeJSON      SemanticType = "json"
	TypeBinary    SemanticType = "binary"
	TypeUnknown   SemanticType = "unknown"
)

// Classify maps a native column type (any of the supported dialects) to a SemanticType.
func Classify(native string) SemanticType {
	t := strings.ToLower(strings.TrimSpace(native))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	t = strings.TrimSuffix(t, " unsigned")

	switch {
	case t == "":
		return TypeUnknown
	case t == "uuid" || t == "uniqueidentifier":
		return TypeUUID
	case t == "bool" || t == "boolean" || t == "bit":
		return TypeBoolean
	case t == "interval":
		return TypeText
	case strings.Contains(t, "int") || t == "serial" || t == "bigserial" || t == "smallserial":
		return TypeInteger
	case t == "numeric" || t == "decimal" || t == "real" || t == "money" ||
		strings.HasPrefix(t, "double") || strings.HasPrefix(t, "float"):
		return TypeDecimal
	case t == "date":
		return TypeDate
	case strings.HasPrefix(t, "timestamp") || strings.HasPrefix(t, "datetime") || t == "smalldatetime" || t == "time":
		return TypeTimestamp
	case t == "json" || t == "jsonb":
		return TypeJSON
	case t == "bytea" || strings.Contains(t, "blob") || strings.Contains(t, "binary") || t == "image":
		return TypeBinary
	case strings.Contains(t, "char") || strings.Contains(t, "text") || t == "citext" ||
		t == "string" || t == "enum" || t == "xml" || t == "inet" || t == "cidr":
		return TypeText
	}
	return TypeUnknown
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses the textual forms timestamps take after a JSON round trip.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Compatible reports whether v can be stored in a column of type t.
// Nulls are always compatible; nullability is checked separately.
func Compatible(t SemanticType, v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case TypeInteger:
		f, ok := ToFloat64(v)
		return ok && f == float64(int64(f))
	case TypeDecimal:
		_, ok := ToFloat64(v)
		return ok
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return true
		case string:
			switch strings.ToLower(x) {
			case "true", "false", "t", "f", "0", "1":
				return true
			}
			return false
		default:
			f, ok := ToFloat64(x)
			return ok && (f == 0 || f == 1)
		}
	case TypeTimestamp, TypeDate:
		switch x := v.(type) {
		case time.Time:
			return true
		case string:
			_, ok := ParseTime(x)
			return ok
		}
		return false
	case TypeUUID:
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := uuid.Parse(s)
		return err == nil
	case TypeJSON:
		switch x := v.(type) {
		case string:
			return json.Valid([]byte(x))
		default:
			return true
		}
	case TypeText:
		switch v.(type) {
		case map[string]any, []any:
			return false
		}
		return true
	}
	return true
}
