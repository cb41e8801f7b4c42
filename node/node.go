// Package node implements the concrete, content-addressed immutable tree
// value the Sync Tree treats as an opaque collaborator (spec.md §3). It is
// a reference implementation — the core packages only depend on the Node
// interface, never on this package directly.
package node

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/btree"
	"github.com/mr-tron/base58"
	"github.com/spaolacci/murmur3"
)

// EmptyHash is the content hash of the Empty node.
const EmptyHash = "11111111111111111111111111111111"

// Node is an immutable snapshot of a database subtree. Every mutation
// returns a new Node; the receiver is never modified. Implementations are
// value-equal by content hash.
type Node interface {
	// GetImmediateChild returns the child at key, or Empty if absent.
	GetImmediateChild(key string) Node
	// UpdateImmediateChild returns a new Node with child spliced in at key.
	// Passing Empty removes the child.
	UpdateImmediateChild(key string, child Node) Node
	// Hash returns the opaque content hash of this subtree.
	Hash() string
	// IsLeaf reports whether this node carries a scalar value rather than
	// children.
	IsLeaf() bool
	// LeafValue returns the scalar payload and true, or (nil, false) for a
	// non-leaf or the empty node.
	LeafValue() (any, bool)
	// ForEachChild visits children in ascending key order. fn returning
	// false stops the iteration early.
	ForEachChild(fn func(key string, child Node) bool)
	// ChildCount returns the number of immediate children.
	ChildCount() int
	// Equal reports whether other has the same content hash.
	Equal(other Node) bool
}

var empty = &objectNode{}

// Empty is the distinguished empty-node constant.
var Empty Node = empty

type entry struct {
	key   string
	child Node
}

func (e entry) Less(than btree.Item) bool {
	return e.key < than.(entry).key
}

// objectNode is the only concrete Node implementation. A node is either a
// leaf (value set, children nil) or internal (children non-nil, possibly
// empty after removals — internal empty trees compare Equal to Empty via
// hash, mirroring the teacher's node.clone()/maps.Clone copy-on-write
// pattern in x/merkledb/node.go).
type objectNode struct {
	hasValue bool
	value    any
	children *btree.BTree
}

// Leaf constructs a leaf node wrapping a scalar value. value should be a
// string, float64, bool, or nil (the JSON-ish scalar set used by the
// reference transport codec).
func Leaf(value any) Node {
	return &objectNode{hasValue: true, value: value}
}

func (n *objectNode) IsLeaf() bool {
	return n.hasValue
}

func (n *objectNode) LeafValue() (any, bool) {
	if !n.hasValue {
		return nil, false
	}
	return n.value, true
}

func (n *objectNode) ChildCount() int {
	if n.children == nil {
		return 0
	}
	return n.children.Len()
}

func (n *objectNode) GetImmediateChild(key string) Node {
	if n.children == nil {
		return Empty
	}
	item := n.children.Get(entry{key: key})
	if item == nil {
		return Empty
	}
	return item.(entry).child
}

func (n *objectNode) UpdateImmediateChild(key string, child Node) Node {
	var base *btree.BTree
	if n.hasValue || n.children == nil {
		base = btree.New(32)
	} else {
		// google/btree.Clone is a copy-on-write clone: cheap, and safe to
		// mutate afterward without disturbing n.
		base = n.children.Clone()
	}

	if child == nil || child.Equal(Empty) {
		base.Delete(entry{key: key})
	} else {
		base.ReplaceOrInsert(entry{key: key, child: child})
	}

	if base.Len() == 0 {
		return Empty
	}
	return &objectNode{children: base}
}

func (n *objectNode) ForEachChild(fn func(key string, child Node) bool) {
	if n.children == nil {
		return
	}
	n.children.Ascend(func(item btree.Item) bool {
		e := item.(entry)
		return fn(e.key, e.child)
	})
}

func (n *objectNode) Hash() string {
	if n == empty || (!n.hasValue && n.ChildCount() == 0) {
		return EmptyHash
	}

	var sb strings.Builder
	if n.hasValue {
		sb.WriteString("leaf:")
		sb.WriteString(encodeScalar(n.value))
	} else {
		sb.WriteString("node:")
		n.ForEachChild(func(key string, child Node) bool {
			sb.WriteString(key)
			sb.WriteByte(':')
			sb.WriteString(child.Hash())
			sb.WriteByte(';')
			return true
		})
	}

	h1, h2 := murmur3.Sum128([]byte(sb.String()))
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i] = byte(h1 >> (8 * i))
		buf[8+i] = byte(h2 >> (8 * i))
	}
	return base58.Encode(buf)
}

func (n *objectNode) Equal(other Node) bool {
	if other == nil {
		return n.Hash() == EmptyHash
	}
	return n.Hash() == other.Hash()
}

func encodeScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "s:" + t
	case bool:
		return "b:" + strconv.FormatBool(t)
	case float64:
		return "f:" + strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return "f:" + strconv.FormatFloat(float64(t), 'g', -1, 64)
	default:
		return fmt.Sprintf("x:%v", t)
	}
}
