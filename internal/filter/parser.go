package filter

import (
	"fmt"
	"strings"
)

// Parse parses a filter string into its expression tree.
func Parse(input string) (Node, error) {
	p := &parser{input: input}
	node, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unexpected trailing input at offset %d", p.pos)
	}
	return node, nil
}

// parser is a hand-written recursive-descent parser over the filter
// grammar. It tracks a single cursor into the input and never backtracks
// more than one character.
type parser struct {
	input string
	pos   int
}

func (p *parser) errf(format string, args ...interface{}) error {
	return fmt.Errorf("offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *parser) expect(c byte) error {
	got, ok := p.peek()
	if !ok {
		return p.errf("expected %q, got end of input", string(c))
	}
	if got != c {
		return p.errf("expected %q, got %q", string(c), string(got))
	}
	p.pos++
	return nil
}

// parseFilter parses one parenthesized expression.
func (p *parser) parseFilter() (Node, error) {
	p.skipSpace()
	if err := p.expect('('); err != nil {
		return nil, err
	}

	c, ok := p.peek()
	if !ok {
		return nil, p.errf("unterminated filter")
	}

	var node Node
	var err error
	switch c {
	case '&':
		p.pos++
		children, cerr := p.parseSet()
		if cerr != nil {
			return nil, cerr
		}
		node = &AndNode{Children: children}
	case '|':
		p.pos++
		children, cerr := p.parseSet()
		if cerr != nil {
			return nil, cerr
		}
		node = &OrNode{Children: children}
	case '!':
		p.pos++
		child, cerr := p.parseFilter()
		if cerr != nil {
			return nil, cerr
		}
		node = &NotNode{Child: child}
	default:
		node, err = p.parseLeaf()
		if err != nil {
			return nil, err
		}
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return node, nil
}

// parseSet parses the one-or-more child filters of an AND or OR.
func (p *parser) parseSet() ([]Node, error) {
	var children []Node
	for {
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return nil, p.errf("unterminated filter set")
		}
		if c == ')' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if len(children) == 0 {
		return nil, p.errf("empty filter set")
	}
	return children, nil
}

// parseLeaf parses an attribute predicate: equality, >=, <=, presence
// or substring.
func (p *parser) parseLeaf() (Node, error) {
	attr, err := p.parseAttribute()
	if err != nil {
		return nil, err
	}

	var op CompareOp
	c, ok := p.peek()
	if !ok {
		return nil, p.errf("expected comparison operator")
	}
	switch c {
	case '=':
		p.pos++
		op = OpEqual
	case '>', '<':
		p.pos++
		if err := p.expect('='); err != nil {
			return nil, err
		}
		if c == '>' {
			op = OpGE
		} else {
			op = OpLE
		}
	default:
		return nil, p.errf("unexpected character %q in predicate", string(c))
	}

	segments, wildcards, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	if op != OpEqual {
		if wildcards {
			return nil, p.errf("wildcards are only valid with equality")
		}
		return &CompareNode{Attribute: attr, Op: op, Value: segments[0]}, nil
	}

	if !wildcards {
		return &CompareNode{Attribute: attr, Op: OpEqual, Value: segments[0]}, nil
	}

	// A lone wildcard is a presence test.
	if len(segments) == 2 && segments[0] == "" && segments[1] == "" {
		return &PresentNode{Attribute: attr}, nil
	}

	sub := &SubstringNode{
		Attribute: attr,
		Initial:   segments[0],
		Final:     segments[len(segments)-1],
	}
	if len(segments) > 2 {
		sub.Any = segments[1 : len(segments)-1]
	}
	return sub, nil
}

func (p *parser) parseAttribute() (string, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '=' || c == '>' || c == '<' || c == ')' || c == '(' {
			break
		}
		p.pos++
	}
	attr := strings.TrimSpace(p.input[start:p.pos])
	if attr == "" {
		p.pos = start
		return "", p.errf("empty attribute name")
	}
	return attr, nil
}

// parseValue reads a predicate value up to the closing parenthesis,
// honoring backslash escapes. It returns the wildcard-separated segments
// and whether any unescaped wildcard appeared.
func (p *parser) parseValue() (segments []string, wildcards bool, err error) {
	var cur strings.Builder
	for {
		c, ok := p.peek()
		if !ok {
			return nil, false, p.errf("unterminated value")
		}
		switch c {
		case ')':
			segments = append(segments, cur.String())
			return segments, wildcards, nil
		case '(':
			return nil, false, p.errf("unescaped %q in value", "(")
		case '*':
			p.pos++
			wildcards = true
			segments = append(segments, cur.String())
			cur.Reset()
		case '\\':
			p.pos++
			esc, ok := p.peek()
			if !ok {
				return nil, false, p.errf("dangling escape")
			}
			p.pos++
			cur.WriteByte(esc)
		default:
			p.pos++
			cur.WriteByte(c)
		}
	}
}
