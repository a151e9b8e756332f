package anonymize

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/dbsmedya/goscope/internal/types"
)

// Transformer applies strategies to single values.
type Transformer struct {
	keys       *KeyRing
	cmap       *ConsistencyMap
	vault      *Vault
	hashLength int
	now        time.Time
}

// NewTransformer creates a transformer over the run state.
func NewTransformer(state *State, hashLength int) *Transformer {
	if hashLength <= 0 {
		hashLength = 32
	}
	return &Transformer{
		keys:       state.Keys,
		cmap:       state.Map,
		vault:      state.Vault,
		hashLength: hashLength,
		now:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Apply returns the replacement of v under rule. Nulls stay null.
func (t *Transformer) Apply(rule *Rule, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	original := types.KeyString(v)
	category := rule.CategoryName()

	switch rule.Strategy {
	case StrategyPreserve:
		return v, nil
	case StrategyNullify:
		return nil, nil
	case StrategyHash:
		sum := hex.EncodeToString(t.keys.HashValue(strings.ToLower(rule.HashAlgorithm), category, original))
		if len(sum) > t.hashLength {
			sum = sum[:t.hashLength]
		}
		return sum, nil
	case StrategyTokenize:
		return t.vault.Tokenize(category, original)
	case StrategySynthetic:
		return t.cmap.GetOrCreate(category, original, func() (string, error) {
			return t.synthesize(rule, category, original)
		})
	}
	return nil, fmt.Errorf("unknown strategy %q", rule.Strategy)
}

// synthesize generates a replacement seeded from the keyed hash of the
// original, so a lost map entry regenerates the same value.
func (t *Transformer) synthesize(rule *Rule, category, original string) (string, error) {
	seed := binary.BigEndian.Uint64(t.keys.Mac(purposeSynthetic, category, original)[:8])
	f := gofakeit.New(seed)
	suffix := seed % 10000

	switch rule.FakerType {
	case "email":
		user := strings.ToLower(f.FirstName() + "." + f.LastName())
		return fmt.Sprintf("%s%d@example.org", sanitizeLocal(user), suffix), nil
	case "first_name":
		return f.FirstName(), nil
	case "last_name":
		return f.LastName(), nil
	case "name":
		return f.FirstName() + " " + f.LastName(), nil
	case "phone_number":
		// 555-0100 through 555-0199 is reserved for fiction.
		return fmt.Sprintf("%03d-555-01%02d", 200+seed%800, (seed/800)%100), nil
	case "street_address":
		return f.Street(), nil
	case "city":
		return f.City(), nil
	case "zipcode":
		return f.Zip(), nil
	case "date_of_birth":
		minAge, maxAge := intArg(rule.FakerArgs, "minimum_age", 5), intArg(rule.FakerArgs, "maximum_age", 85)
		if maxAge < minAge {
			minAge, maxAge = maxAge, minAge
		}
		start := t.now.AddDate(-maxAge-1, 0, 1)
		end := t.now.AddDate(-minAge, 0, 0)
		return f.DateRange(start, end).Format("2006-01-02"), nil
	case "user_name":
		return fmt.Sprintf("%s%d", strings.ToLower(f.Username()), suffix), nil
	case "ipv4":
		return f.IPv4Address(), nil
	case "url":
		return fmt.Sprintf("https://%s.example.org/", sanitizeLocal(strings.ToLower(f.Username()))), nil
	}
	return "", fmt.Errorf("unknown faker_type %q", rule.FakerType)
}

var fakerTypes = map[string]bool{
	"email": true, "first_name": true, "last_name": true, "name": true,
	"phone_number": true, "street_address": true, "city": true, "zipcode": true,
	"date_of_birth": true, "user_name": true, "ipv4": true, "url": true,
}

func knownFaker(t string) bool {
	return fakerTypes[t]
}

func sanitizeLocal(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".")
}

func intArg(args map[string]any, name string, def int) int {
	v, ok := args[name]
	if !ok {
		return def
	}
	if n := types.ToInt64(v); n > 0 {
		return int(n)
	}
	return def
}
