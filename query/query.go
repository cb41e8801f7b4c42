// Package query implements the external Query value type (spec.md §6):
// a path plus ordering/filtering parameters, with the default/loads-all
// distinction the Sync Tree's shadowing and tagging logic depends on.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/relaydb/synctree/path"
)

// DefaultIdentifier is the sentinel query identifier marking the
// canonical unfiltered query at a path.
const DefaultIdentifier = "default"

// OrderBy names the ordering dimension of a query.
type OrderBy string

const (
	OrderByKey     OrderBy = "$key"
	OrderByValue   OrderBy = "$value"
	OrderByPriority OrderBy = "$priority"
)

// Params carries the filtering/ordering knobs of a Query. The zero value
// orders by key with no limit or range — a default query.
type Params struct {
	OrderBy    OrderBy
	LimitFirst int // 0 means unlimited
	LimitLast  int // 0 means unlimited
	StartAt    string
	HasStartAt bool
	EndAt      string
	HasEndAt   bool
}

// LoadsAllData reports whether this parameter set loads the complete data
// set at its path: no limit and no range restricts the result (an
// OrderBy alone does not narrow anything — spec.md §4.8's asymmetry
// note).
func (p Params) LoadsAllData() bool {
	return p.LimitFirst == 0 && p.LimitLast == 0 && !p.HasStartAt && !p.HasEndAt
}

// IsDefault reports whether these are the canonical, unparametrized
// params (OrderBy key, no limit, no range).
func (p Params) IsDefault() bool {
	return (p.OrderBy == "" || p.OrderBy == OrderByKey) && p.LoadsAllData()
}

// canonical renders Params into a stable string used to build the query
// identifier.
func (p Params) canonical() string {
	if p.IsDefault() {
		return DefaultIdentifier
	}
	fields := []string{fmt.Sprintf("o:%s", orderByOrDefault(p.OrderBy))}
	if p.LimitFirst != 0 {
		fields = append(fields, fmt.Sprintf("lf:%d", p.LimitFirst))
	}
	if p.LimitLast != 0 {
		fields = append(fields, fmt.Sprintf("ll:%d", p.LimitLast))
	}
	if p.HasStartAt {
		fields = append(fields, fmt.Sprintf("sa:%s", p.StartAt))
	}
	if p.HasEndAt {
		fields = append(fields, fmt.Sprintf("ea:%s", p.EndAt))
	}
	slices.Sort(fields)
	return strings.Join(fields, "|")
}

func orderByOrDefault(o OrderBy) OrderBy {
	if o == "" {
		return OrderByKey
	}
	return o
}

// Query is an external subscription descriptor: a path plus ordering and
// filtering parameters.
type Query struct {
	Path   path.Path
	Params Params
}

// New builds the canonical default query at p.
func New(p path.Path) Query {
	return Query{Path: p}
}

// WithParams builds a query at p with explicit params.
func WithParams(p path.Path, params Params) Query {
	return Query{Path: p, Params: params}
}

// QueryIdentifier canonicalizes Params into a stable string; the sentinel
// "default" marks the canonical unfiltered query.
func (q Query) QueryIdentifier() string {
	return q.Params.canonical()
}

// LoadsAllData reports whether this query's parameters load all data at
// its path.
func (q Query) LoadsAllData() bool {
	return q.Params.LoadsAllData()
}

// IsDefault reports whether this is the literal default query.
func (q Query) IsDefault() bool {
	return q.QueryIdentifier() == DefaultIdentifier
}

// GetRef returns the default query at the same path.
func (q Query) GetRef() Query {
	return New(q.Path)
}

// Key canonicalizes (path, queryIdentifier) into the string used to index
// the tag<->query registry (spec.md §3's queryKey, made with makeQueryKey
// / parsed with parseQueryKey). canonical() embeds the OrderBy constant's
// own literal '$' into the identifier for any non-default query (e.g.
// "o:$key"), so a plain "path$identifier" join is ambiguous: a naive parse
// can't tell the separator '$' from one inside the identifier. The path is
// instead prefixed with its own byte length, so ParseKey knows exactly
// where it ends regardless of what characters either half contains.
func (q Query) Key() string {
	p := q.Path.String()
	return fmt.Sprintf("%d:%s$%s", len(p), p, q.QueryIdentifier())
}

// ParseKey is the left inverse of Key: parseQueryKey(makeQueryKey(q)) ==
// (q.Path, q.QueryIdentifier()) for all q (spec.md §8).
func ParseKey(key string) (p path.Path, identifier string, err error) {
	lenStr, rest, ok := strings.Cut(key, ":")
	if !ok {
		return path.Empty, "", fmt.Errorf("query: malformed query key %q: missing length prefix", key)
	}
	n, convErr := strconv.Atoi(lenStr)
	if convErr != nil || n < 0 || n > len(rest) {
		return path.Empty, "", fmt.Errorf("query: malformed query key %q: invalid length prefix", key)
	}
	pathStr, remainder := rest[:n], rest[n:]
	sep, identifier, ok := strings.Cut(remainder, "$")
	if !ok || sep != "" {
		return path.Empty, "", fmt.Errorf("query: malformed query key %q: missing '$' separator after path", key)
	}
	return path.Parse(pathStr), identifier, nil
}
