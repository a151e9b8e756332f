package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/dbsmedya/goscope/internal/types"
)

// Condition is a compiled business-rule predicate such as
// "age >= 5 AND age <= 22" or "status IN ('active', 'withdrawn')".
//
// Evaluation uses SQL three-valued logic: a comparison against NULL is
// unknown, and a row whose condition is unknown is not a violation.
type Condition struct {
	src  string
	root node
	cols []string
}

// ParseCondition compiles a condition.
//
// Supported: = == != <> < <= > >=, AND OR NOT, IS [NOT] NULL,
// [NOT] IN (...), [NOT] LIKE, BETWEEN x AND y, parentheses, and
// string, number, TRUE, FALSE and NULL literals.
func ParseCondition(src string) (*Condition, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, cols: make(map[string]bool)}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
	c := &Condition{src: src, root: root}
	for col := range p.cols {
		c.cols = append(c.cols, col)
	}
	sort.Strings(c.cols)
	return c, nil
}

// String returns the source text.
func (c *Condition) String() string { return c.src }

// Columns lists the columns the condition reads.
func (c *Condition) Columns() []string { return c.cols }

// Holds reports whether row satisfies the condition. Unknown counts as
// satisfied.
func (c *Condition) Holds(row types.Row) bool {
	v := c.root.eval(row)
	b, ok := v.(bool)
	return !ok || b
}

type tokenKind int

const (
	tEOF tokenKind = iota
	tIdent
	tKeyword
	tNumber
	tString
	tOp
	tLParen
	tRParen
	tComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true,
	"IN": true, "LIKE": true, "BETWEEN": true, "TRUE": true, "FALSE": true,
}

func lex(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			out = append(out, token{tLParen, "(", i})
			i++
		case c == ')':
			out = append(out, token{tRParen, ")", i})
			i++
		case c == ',':
			out = append(out, token{tComma, ",", i})
			i++
		case c == '\'' || c == '"':
			start := i
			i++
			var b strings.Builder
			for {
				if i >= len(src) {
					return nil, fmt.Errorf("unterminated string at offset %d", start)
				}
				if src[i] == c {
					// a doubled quote is an escaped quote
					if i+1 < len(src) && src[i+1] == c {
						b.WriteByte(c)
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteByte(src[i])
				i++
			}
			out = append(out, token{tString, b.String(), start})
		case strings.ContainsRune("=!<>", rune(c)):
			start := i
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			var op string
			switch two {
			case "==":
				op, i = "=", i+2
			case "!=", "<>":
				op, i = "!=", i+2
			case "<=", ">=":
				op, i = two, i+2
			default:
				if c == '!' {
					return nil, fmt.Errorf("unexpected '!' at offset %d", start)
				}
				op, i = string(c), i+1
			}
			out = append(out, token{tOp, op, start})
		case c >= '0' && c <= '9' || (c == '-' || c == '.') && i+1 < len(src) && isDigit(src[i+1]):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E') {
				i++
			}
			out = append(out, token{tNumber, src[start:i], start})
		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(src) && (src[i] == '_' || src[i] == '.' || isDigit(src[i]) || unicode.IsLetter(rune(src[i]))) {
				i++
			}
			word := src[start:i]
			if keywords[strings.ToUpper(word)] {
				out = append(out, token{tKeyword, strings.ToUpper(word), start})
			} else {
				out = append(out, token{tIdent, word, start})
			}
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
		}
	}
	return append(out, token{tEOF, "", len(src)}), nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type parser struct {
	toks []token
	i    int
	cols map[string]bool
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tEOF {
		p.i++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	if t := p.peek(); t.kind == tKeyword && t.text == word {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) error {
	if t := p.next(); t.kind != kind {
		return fmt.Errorf("expected %s at offset %d, got %q", what, t.pos, t.text)
	}
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.keyword("NOT") {
		n, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{n}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	if t.kind == tOp {
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: t.text, left: left, right: right}, nil
	}

	if p.keyword("IS") {
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, fmt.Errorf("expected NULL after IS at offset %d", p.peek().pos)
		}
		return isNullNode{operand: left, negate: negate}, nil
	}

	negate := p.keyword("NOT")
	switch {
	case p.keyword("IN"):
		if err := p.expect(tLParen, "("); err != nil {
			return nil, err
		}
		var list []node
		for {
			item, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			list = append(list, item)
			if p.peek().kind == tComma {
				p.next()
				continue
			}
			break
		}
		if err := p.expect(tRParen, ")"); err != nil {
			return nil, err
		}
		return wrapNot(inNode{operand: left, list: list}, negate), nil
	case p.keyword("LIKE"):
		pat := p.next()
		if pat.kind != tString {
			return nil, fmt.Errorf("LIKE needs a string pattern at offset %d", pat.pos)
		}
		return wrapNot(likeNode{operand: left, re: likePattern(pat.text)}, negate), nil
	case p.keyword("BETWEEN"):
		lo, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, fmt.Errorf("expected AND in BETWEEN at offset %d", p.peek().pos)
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		between := andNode{cmpNode{op: ">=", left: left, right: lo}, cmpNode{op: "<=", left: left, right: hi}}
		return wrapNot(between, negate), nil
	}
	if negate {
		return nil, fmt.Errorf("expected IN, LIKE or BETWEEN after NOT at offset %d", p.peek().pos)
	}
	// a bare operand is a boolean column or literal
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tRParen, ")"); err != nil {
			return nil, err
		}
		return n, nil
	case tIdent:
		p.cols[t.text] = true
		return colNode(t.text), nil
	case tString:
		return litNode{t.text}, nil
	case tNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", t.text, t.pos)
		}
		return litNode{f}, nil
	case tKeyword:
		switch t.text {
		case "TRUE":
			return litNode{true}, nil
		case "FALSE":
			return litNode{false}, nil
		case "NULL":
			return litNode{nil}, nil
		}
	}
	if t.kind == tEOF {
		return nil, fmt.Errorf("unexpected end of condition")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

func wrapNot(n node, negate bool) node {
	if negate {
		return notNode{n}
	}
	return n
}

func likePattern(pat string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range pat {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// node evaluates to a value; predicates yield true, false or nil (unknown).
type node interface {
	eval(types.Row) any
}

type colNode string

func (c colNode) eval(r types.Row) any { return r[string(c)] }

type litNode struct{ v any }

func (l litNode) eval(types.Row) any { return l.v }

type andNode struct{ left, right node }

func (n andNode) eval(r types.Row) any {
	a, b := truth(n.left.eval(r)), truth(n.right.eval(r))
	if a == 0 || b == 0 {
		return false
	}
	if a == 1 && b == 1 {
		return true
	}
	return nil
}

type orNode struct{ left, right node }

func (n orNode) eval(r types.Row) any {
	a, b := truth(n.left.eval(r)), truth(n.right.eval(r))
	if a == 1 || b == 1 {
		return true
	}
	if a == 0 && b == 0 {
		return false
	}
	return nil
}

type notNode struct{ n node }

func (n notNode) eval(r types.Row) any {
	switch truth(n.n.eval(r)) {
	case 1:
		return false
	case 0:
		return true
	}
	return nil
}

// truth maps a value to 1 (true), 0 (false) or -1 (unknown).
func truth(v any) int {
	switch x := v.(type) {
	case nil:
		return -1
	case bool:
		return boolInt(x)
	case string:
		switch strings.ToLower(x) {
		case "true", "t", "1":
			return 1
		case "false", "f", "0":
			return 0
		}
		return -1
	}
	if f, ok := types.ToFloat64(v); ok {
		return boolInt(f != 0)
	}
	return -1
}

type cmpNode struct {
	op          string
	left, right node
}

func (n cmpNode) eval(r types.Row) any {
	a, b := n.left.eval(r), n.right.eval(r)
	if a == nil || b == nil {
		return nil
	}
	c := compare(a, b)
	switch n.op {
	case "=":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return nil
}

type isNullNode struct {
	operand node
	negate  bool
}

func (n isNullNode) eval(r types.Row) any {
	isNull := n.operand.eval(r) == nil
	return isNull != n.negate
}

type inNode struct {
	operand node
	list    []node
}

func (n inNode) eval(r types.Row) any {
	v := n.operand.eval(r)
	if v == nil {
		return nil
	}
	unknown := false
	for _, item := range n.list {
		w := item.eval(r)
		if w == nil {
			unknown = true
			continue
		}
		if compare(v, w) == 0 {
			return true
		}
	}
	if unknown {
		return nil
	}
	return false
}

type likeNode struct {
	operand node
	re      *regexp.Regexp
}

func (n likeNode) eval(r types.Row) any {
	v := n.operand.eval(r)
	if v == nil {
		return nil
	}
	return n.re.MatchString(types.KeyString(v))
}

// compare orders two non-null values: numerically when both are numbers,
// chronologically when both parse as times, otherwise as strings.
func compare(a, b any) int {
	if x, ok := numeric(a); ok {
		if y, ok := numeric(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	if x, ok := asTime(a); ok {
		if y, ok := asTime(b); ok {
			return x.Compare(y)
		}
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			return boolInt(x) - boolInt(y)
		}
	}
	return strings.Compare(types.KeyString(a), types.KeyString(b))
}

func numeric(v any) (float64, bool) {
	if _, ok := v.(bool); ok {
		return 0, false
	}
	return types.ToFloat64(v)
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		return types.ParseTime(x)
	}
	return time.Time{}, false
}
