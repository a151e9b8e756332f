package anonymize

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"

	"github.com/dbsmedya/goscope/internal/artifact"
)

// leakPattern is one PII shape the leak scan looks for.
type leakPattern struct {
	name    string
	re      *regexp.Regexp
	allowed func(match string) bool
}

var leakPatterns = []leakPattern{
	{
		name: "email",
		re:   regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@([A-Z0-9-]+\.)+[A-Z]{2,}\b`),
		allowed: func(m string) bool {
			m = strings.ToLower(m)
			return strings.HasSuffix(m, "@example.org") || strings.HasSuffix(m, "@example.com") ||
				strings.HasSuffix(m, "@example.net")
		},
	},
	{
		name: "ssn",
		re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		name: "phone",
		re:   regexp.MustCompile(`(\(\d{3}\)\s?|\b\d{3}[-.\s])\d{3}[-.\s]\d{4}\b`),
		allowed: func(m string) bool {
			return fictionalPhone.MatchString(m)
		},
	},
}

// 555-0100 through 555-0199 never reach a real subscriber.
var fictionalPhone = regexp.MustCompile(`555[-.\s]01\d\d$`)

// matchLeak returns the name of the first pattern v leaks, if any.
func matchLeak(v string) (string, bool) {
	for _, p := range leakPatterns {
		for _, m := range p.re.FindAllString(v, -1) {
			if p.allowed == nil || !p.allowed(m) {
				return p.name, true
			}
		}
	}
	return "", false
}

type sampledValue struct {
	id    string
	value string
}

// reservoir keeps a uniform sample of at most size values of one column.
type reservoir struct {
	size   int
	seen   int
	rng    *rand.Rand
	values []sampledValue
}

func newReservoir(size int, seed uint64, entity, column string) *reservoir {
	h := fnv.New64a()
	h.Write([]byte(entity + "\x00" + column))
	return &reservoir{size: size, rng: rand.New(rand.NewPCG(seed, h.Sum64()))}
}

func (r *reservoir) offer(id, value string) {
	r.seen++
	if len(r.values) < r.size {
		r.values = append(r.values, sampledValue{id: id, value: value})
		return
	}
	if j := r.rng.IntN(r.seen); j < r.size {
		r.values[j] = sampledValue{id: id, value: value}
	}
}

// scanLeaks checks the sampled values of every column of entity. Findings
// carry row identifiers, never the offending values.
func scanLeaks(entity string, samples map[string]*reservoir, maxSamples int) ([]artifact.Finding, int) {
	columns := make([]string, 0, len(samples))
	for c := range samples {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	var findings []artifact.Finding
	scanned := 0
	for _, col := range columns {
		hits := map[string][]string{}
		for _, s := range samples[col].values {
			scanned++
			if name, ok := matchLeak(s.value); ok {
				hits[name] = append(hits[name], s.id)
			}
		}
		names := make([]string, 0, len(hits))
		for n := range hits {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			ids := hits[n]
			f := artifact.Finding{
				Check:    artifact.CheckPIILeak,
				Severity: artifact.SeverityError,
				Entity:   entity,
				Column:   col,
				Rule:     n,
				Count:    len(ids),
				Message:  fmt.Sprintf("%d sampled value(s) of %s.%s still look like %s", len(ids), entity, col, n),
			}
			if len(ids) > maxSamples {
				ids = ids[:maxSamples]
			}
			f.Samples = ids
			findings = append(findings, f)
		}
	}
	return findings, scanned
}
