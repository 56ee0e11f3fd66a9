package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/stratadb/strata/internal/core"
)

// DefaultLimit caps result sets unless the caller opts out.
const DefaultLimit = 1000

// internalColumns are the always-present row columns that predicates may
// reference without a declared index.
var internalColumns = map[string]core.IndexType{
	"_id":       core.IndexNumber,
	"_txn_snap": core.IndexNumber,
	"_mtime":    core.IndexNumber,
	"_etag":     core.IndexString,
}

// SortOption orders results by one attribute.
type SortOption struct {
	Attribute string `json:"attribute"`
	Order     string `json:"order"` // "ASC" or "DESC"
}

// Options controls the non-WHERE parts of a compiled query.
type Options struct {
	Sort   SortOption
	Limit  int
	Offset int

	// NoLimit suppresses the default row cap. Bulk update and
	// delete-many force it so they can affect more rows than the
	// display cap.
	NoLimit bool

	// ArgBase is the count of positional parameters already consumed
	// by the enclosing statement; placeholders start at ArgBase+1.
	ArgBase int
}

// Query is a compiled WHERE clause with its positional arguments and
// trailing sort/limit/offset suffix.
type Query struct {
	Where  string
	Args   []interface{}
	Suffix string
}

// Compile translates a parsed filter tree into a parameterized WHERE
// clause valid against the bucket's indexed columns. Predicates on
// attributes that are neither indexed nor internal fail the whole
// compile with NotIndexedError.
func Compile(b *core.Bucket, node Node, opts Options) (*Query, error) {
	c := &compiler{bucket: b, base: opts.ArgBase}
	where, err := c.compile(node)
	if err != nil {
		return nil, err
	}
	if where == "" {
		return nil, &core.InvalidQueryError{Filter: node.String()}
	}

	suffix, err := c.suffix(opts)
	if err != nil {
		return nil, err
	}
	return &Query{Where: where, Args: c.args, Suffix: suffix}, nil
}

type compiler struct {
	bucket *core.Bucket
	base   int
	args   []interface{}
}

// push records one positional argument and returns its placeholder.
func (c *compiler) push(v interface{}) string {
	c.args = append(c.args, v)
	return "$" + strconv.Itoa(c.base+len(c.args))
}

// resolve returns the index type for an attribute, or NotIndexedError.
func (c *compiler) resolve(attr string, sub Node) (core.IndexType, error) {
	if f, ok := c.bucket.Index[attr]; ok {
		return f.Type, nil
	}
	if t, ok := internalColumns[attr]; ok {
		return t, nil
	}
	return "", &core.NotIndexedError{Bucket: c.bucket.Name, Filter: sub.String()}
}

// compile returns the SQL fragment for a node. An empty fragment with a
// nil error means the predicate could not be expressed for the column's
// type (e.g. a non-numeric literal against a number column); AND drops
// such children, OR treats them as fatal since partial evaluation would
// silently under-match.
func (c *compiler) compile(n Node) (string, error) {
	switch t := n.(type) {
	case *AndNode:
		var frags []string
		for _, child := range t.Children {
			frag, err := c.compile(child)
			if err != nil {
				return "", err
			}
			if frag != "" {
				frags = append(frags, frag)
			}
		}
		if len(frags) == 0 {
			return "", nil
		}
		return "(" + strings.Join(frags, " AND ") + ")", nil

	case *OrNode:
		var frags []string
		for _, child := range t.Children {
			frag, err := c.compile(child)
			if err != nil {
				return "", err
			}
			if frag == "" {
				return "", &core.NotIndexedError{Bucket: c.bucket.Name, Filter: child.String()}
			}
			frags = append(frags, frag)
		}
		return "(" + strings.Join(frags, " OR ") + ")", nil

	case *NotNode:
		frag, err := c.compile(t.Child)
		if err != nil {
			return "", err
		}
		if frag == "" {
			return "", nil
		}
		return "NOT " + frag, nil

	case *CompareNode:
		typ, err := c.resolve(t.Attribute, t)
		if err != nil {
			return "", err
		}
		return c.compare(t, typ), nil

	case *PresentNode:
		if _, err := c.resolve(t.Attribute, t); err != nil {
			return "", err
		}
		return pq.QuoteIdentifier(t.Attribute) + " IS NOT NULL", nil

	case *SubstringNode:
		typ, err := c.resolve(t.Attribute, t)
		if err != nil {
			return "", err
		}
		if typ != core.IndexString {
			return "", nil
		}
		return pq.QuoteIdentifier(t.Attribute) + " LIKE " + c.push(likePattern(t)), nil
	}
	return "", fmt.Errorf("unknown filter node %T", n)
}

func (c *compiler) compare(n *CompareNode, typ core.IndexType) string {
	col := pq.QuoteIdentifier(n.Attribute)

	if typ.Array() {
		// Equality against an array column is membership; range
		// comparisons have no array form.
		if n.Op != OpEqual {
			return ""
		}
		elem, ok := c.coerceScalar(n.Value, typ.Elem())
		if !ok {
			return ""
		}
		return c.push(elem) + "::" + pgType(typ.Elem()) + " = ANY(" + col + ")"
	}

	v, ok := c.coerceScalar(n.Value, typ)
	if !ok {
		return ""
	}
	switch typ {
	case core.IndexBoolean:
		// Booleans only support equality.
		if n.Op != OpEqual {
			return ""
		}
		return col + " = " + c.push(v)
	case core.IndexIP, core.IndexSubnet:
		return col + " " + string(n.Op) + " " + c.push(v) + "::" + pgType(typ)
	default:
		return col + " " + string(n.Op) + " " + c.push(v)
	}
}

// coerceScalar converts the literal to the column's type. A failed
// conversion yields no fragment rather than an error.
func (c *compiler) coerceScalar(value string, typ core.IndexType) (interface{}, bool) {
	switch typ {
	case core.IndexNumber:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case core.IndexBoolean:
		switch strings.ToLower(value) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		return nil, false
	default:
		return value, true
	}
}

func (c *compiler) suffix(opts Options) (string, error) {
	var sb strings.Builder

	if opts.Sort.Attribute != "" {
		if _, err := c.resolve(opts.Sort.Attribute, &PresentNode{Attribute: opts.Sort.Attribute}); err != nil {
			return "", err
		}
		order := strings.ToUpper(opts.Sort.Order)
		if order != "DESC" {
			order = "ASC"
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(pq.QuoteIdentifier(opts.Sort.Attribute))
		sb.WriteString(" ")
		sb.WriteString(order)
	}

	if !opts.NoLimit {
		limit := opts.Limit
		if limit <= 0 {
			limit = DefaultLimit
		}
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(limit))
	}
	if opts.Offset > 0 {
		sb.WriteString(" OFFSET ")
		sb.WriteString(strconv.Itoa(opts.Offset))
	}
	return sb.String(), nil
}

// likePattern renders the substring segments into one LIKE pattern with
// a wildcard between each segment. SQL pattern metacharacters inside
// segments are escaped.
func likePattern(n *SubstringNode) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	var sb strings.Builder
	sb.WriteString(esc.Replace(n.Initial))
	sb.WriteString("%")
	for _, a := range n.Any {
		sb.WriteString(esc.Replace(a))
		sb.WriteString("%")
	}
	sb.WriteString(esc.Replace(n.Final))
	return sb.String()
}

// pgType maps an index type to the relational type used for casts.
func pgType(t core.IndexType) string {
	switch t {
	case core.IndexNumber:
		return "numeric"
	case core.IndexBoolean:
		return "boolean"
	case core.IndexIP:
		return "inet"
	case core.IndexSubnet:
		return "cidr"
	default:
		return "text"
	}
}
