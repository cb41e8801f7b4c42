// Package tree implements ImmutableTree<T> (spec.md §4.1): a persistent,
// path-keyed map from path.Path to an optional value, with an eager,
// ordered child index so that traversals visit children in deterministic
// key order. Structural sharing comes from github.com/google/btree's
// BTreeG, whose Clone is copy-on-write — the same trick node.Node uses for
// its child index, and the idiom spec.md §9 calls for directly: "{ value:
// T?, children: ordered-map<string, Node> }".
package tree

import (
	"context"
	"sort"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/relaydb/synctree/path"
)

const btreeDegree = 32

// Tree is a persistent, path-keyed tree of T. The zero value is a valid
// empty tree. All mutating methods return a new Tree; the receiver is
// never modified.
type Tree[T any] struct {
	value    *T
	hasValue bool
	children *btree.BTreeG[childEntry[T]]
}

type childEntry[T any] struct {
	key  string
	tree *Tree[T]
}

func lessEntry[T any](a, b childEntry[T]) bool {
	return a.key < b.key
}

// Empty returns the empty tree for T.
func Empty[T any]() *Tree[T] {
	return &Tree[T]{}
}

// IsEmpty reports whether the tree carries no value and has no children.
func (t *Tree[T]) IsEmpty() bool {
	if t == nil {
		return true
	}
	return !t.hasValue && (t.children == nil || t.children.Len() == 0)
}

// Value returns the value stored at this tree's own path, if any.
func (t *Tree[T]) Value() (T, bool) {
	var zero T
	if t == nil || !t.hasValue {
		return zero, false
	}
	return *t.value, true
}

// Children returns the sorted keys of the immediate children.
func (t *Tree[T]) Children() []string {
	if t == nil || t.children == nil {
		return nil
	}
	keys := make([]string, 0, t.children.Len())
	t.children.Ascend(func(e childEntry[T]) bool {
		keys = append(keys, e.key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// ForeachChild visits immediate children in ascending key order. fn
// returning false stops the iteration.
func (t *Tree[T]) ForeachChild(fn func(key string, child *Tree[T]) bool) {
	if t == nil || t.children == nil {
		return
	}
	t.children.Ascend(func(e childEntry[T]) bool {
		return fn(e.key, e.tree)
	})
}

func (t *Tree[T]) childAt(key string) *Tree[T] {
	if t == nil || t.children == nil {
		return Empty[T]()
	}
	e, ok := t.children.Get(childEntry[T]{key: key})
	if !ok {
		return Empty[T]()
	}
	return e.tree
}

// Subtree returns the subtree rooted at p, or an empty Tree if no node
// exists there.
func (t *Tree[T]) Subtree(p path.Path) *Tree[T] {
	cur := t
	if cur == nil {
		cur = Empty[T]()
	}
	for _, seg := range p.Segments() {
		cur = cur.childAt(seg)
	}
	return cur
}

// Get returns the value at p, if any.
func (t *Tree[T]) Get(p path.Path) (T, bool) {
	return t.Subtree(p).Value()
}

// Set returns a new Tree with value installed at p.
func (t *Tree[T]) Set(p path.Path, value T) *Tree[T] {
	if p.IsEmpty() {
		clone := t.shallowClone()
		clone.hasValue = true
		clone.value = &value
		return clone
	}

	key := p.Front()
	rest := p.PopFront()

	clone := t.shallowClone()
	child := t.childAt(key).Set(rest, value)
	clone.setChild(key, child)
	return clone
}

// Remove returns a new Tree with the value (and, if it becomes empty, the
// node) at p removed.
func (t *Tree[T]) Remove(p path.Path) *Tree[T] {
	if p.IsEmpty() {
		clone := t.shallowClone()
		clone.hasValue = false
		clone.value = nil
		return clone
	}

	key := p.Front()
	rest := p.PopFront()

	existing := t.childAt(key)
	if existing.IsEmpty() {
		return t.shallowClone()
	}

	updated := existing.Remove(rest)
	clone := t.shallowClone()
	if updated.IsEmpty() {
		clone.removeChild(key)
	} else {
		clone.setChild(key, updated)
	}
	return clone
}

// ForeachOnPath invokes fn for every ancestor of p (root first, p itself
// last) that carries a value.
func (t *Tree[T]) ForeachOnPath(p path.Path, fn func(at path.Path, value T)) {
	cur := t
	if cur == nil {
		return
	}
	walked := path.Empty
	if v, ok := cur.Value(); ok {
		fn(walked, v)
	}
	for _, seg := range p.Segments() {
		cur = cur.childAt(seg)
		walked = walked.Child(seg)
		if v, ok := cur.Value(); ok {
			fn(walked, v)
		}
	}
}

// FindOnPath walks from the root to p (root first) and returns the first
// result pred reports as ok, or the zero value of R and false if none
// matched.
func FindOnPath[T, R any](t *Tree[T], p path.Path, pred func(at path.Path, value T) (R, bool)) (R, bool) {
	var result R
	var found bool
	t.ForeachOnPath(p, func(at path.Path, value T) {
		if found {
			return
		}
		if r, ok := pred(at, value); ok {
			result, found = r, true
		}
	})
	return result, found
}

// Fold performs a bottom-up structural fold: fn is invoked once per node
// that exists (has a value or has children), with the path relative to
// the fold root, the node's own value (nil if absent), and the already
// computed results of its children keyed by child key.
func Fold[T, R any](t *Tree[T], fn func(relPath path.Path, value *T, childResults map[string]R) R) R {
	return foldAt(t, path.Empty, fn)
}

func foldAt[T, R any](t *Tree[T], at path.Path, fn func(path.Path, *T, map[string]R) R) R {
	childResults := map[string]R{}
	t.ForeachChild(func(key string, child *Tree[T]) bool {
		childResults[key] = foldAt(child, at.Child(key), fn)
		return true
	})
	var valuePtr *T
	if v, ok := t.Value(); ok {
		valuePtr = &v
	}
	return fn(at, valuePtr, childResults)
}

// FoldConcurrent is Fold's concurrent counterpart: every child subtree is
// folded on its own goroutine (via golang.org/x/sync/errgroup) before fn
// runs at this node, so fn itself always runs after all of its children
// have finished and never needs to be concurrency-safe. Worthwhile once a
// node's fan-out is wide and fn does real work per node; a tree with few
// children per node gets no benefit and should just use Fold. Returns
// ctx.Err() if ctx is cancelled before a subtree's fold completes.
func FoldConcurrent[T, R any](ctx context.Context, t *Tree[T], fn func(relPath path.Path, value *T, childResults map[string]R) R) (R, error) {
	return foldConcurrentAt(ctx, t, path.Empty, fn)
}

func foldConcurrentAt[T, R any](ctx context.Context, t *Tree[T], at path.Path, fn func(path.Path, *T, map[string]R) R) (R, error) {
	var zero R
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	var keys []string
	var children []*Tree[T]
	t.ForeachChild(func(key string, child *Tree[T]) bool {
		keys = append(keys, key)
		children = append(children, child)
		return true
	})

	results := make([]R, len(children))
	g, gctx := errgroup.WithContext(ctx)
	for i := range children {
		i := i
		g.Go(func() error {
			r, err := foldConcurrentAt(gctx, children[i], at.Child(keys[i]), fn)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return zero, err
	}

	childResults := make(map[string]R, len(keys))
	for i, k := range keys {
		childResults[k] = results[i]
	}

	var valuePtr *T
	if v, ok := t.Value(); ok {
		valuePtr = &v
	}
	return fn(at, valuePtr, childResults), nil
}

func (t *Tree[T]) shallowClone() *Tree[T] {
	if t == nil {
		return &Tree[T]{}
	}
	clone := &Tree[T]{
		value:    t.value,
		hasValue: t.hasValue,
	}
	if t.children != nil {
		cloned := t.children.Clone()
		clone.children = cloned
	}
	return clone
}

func (t *Tree[T]) setChild(key string, child *Tree[T]) {
	if t.children == nil {
		t.children = btree.NewG(btreeDegree, lessEntry[T])
	}
	if child.IsEmpty() {
		t.children.Delete(childEntry[T]{key: key})
		return
	}
	t.children.ReplaceOrInsert(childEntry[T]{key: key, tree: child})
}

func (t *Tree[T]) removeChild(key string) {
	if t.children == nil {
		return
	}
	t.children.Delete(childEntry[T]{key: key})
}
