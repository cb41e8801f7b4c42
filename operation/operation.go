// Package operation implements the tagged Operation variants of spec.md
// §3/§9: Overwrite, Merge, AckUserWrite, ListenComplete, each carrying a
// Source and each able to project itself onto a single named child via
// OperationForChild. Deliberately a closed sum type rather than a class
// hierarchy — spec.md §9 calls out that there are exactly four variants
// and they are permanently closed.
package operation

import (
	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/tree"
)

// SourceKind distinguishes who originated an Operation.
type SourceKind int

const (
	// SourceUser marks an operation originating from a local optimistic
	// write.
	SourceUser SourceKind = iota
	// SourceServer marks an operation from the server's default,
	// untagged stream.
	SourceServer
	// SourceServerTaggedQuery marks an operation addressed to one
	// specific tagged (filtered) server subscription.
	SourceServerTaggedQuery
)

// Source identifies the origin of an Operation.
type Source struct {
	Kind    SourceKind
	QueryID uint64 // meaningful only when Kind == SourceServerTaggedQuery
}

// User is the source of locally issued writes.
var User = Source{Kind: SourceUser}

// Server is the source of the default (untagged) server stream.
var Server = Source{Kind: SourceServer}

// TaggedQuery builds a Source for server updates addressed to queryID.
func TaggedQuery(queryID uint64) Source {
	return Source{Kind: SourceServerTaggedQuery, QueryID: queryID}
}

// Kind discriminates the Operation variants.
type Kind int

const (
	KindOverwrite Kind = iota
	KindMerge
	KindAckUserWrite
	KindListenComplete
)

// Operation is the closed sum type dispatched through the Sync Tree.
type Operation interface {
	Kind() Kind
	Source() Source
	Path() path.Path
	// OperationForChild returns the path-shifted operation relevant to
	// the named child, or (nil, false) if that child is outside this
	// operation's effect.
	OperationForChild(key string) (Operation, bool)
}

// Overwrite replaces the subtree at Path with Node.
type Overwrite struct {
	Src  Source
	At   path.Path
	Snap node.Node
}

func NewOverwrite(src Source, at path.Path, snap node.Node) Overwrite {
	return Overwrite{Src: src, At: at, Snap: snap}
}

func (o Overwrite) Kind() Kind       { return KindOverwrite }
func (o Overwrite) Source() Source   { return o.Src }
func (o Overwrite) Path() path.Path  { return o.At }

func (o Overwrite) OperationForChild(key string) (Operation, bool) {
	if o.At.IsEmpty() {
		return Overwrite{Src: o.Src, At: path.Empty, Snap: o.Snap.GetImmediateChild(key)}, true
	}
	if o.At.Front() != key {
		return nil, false
	}
	return Overwrite{Src: o.Src, At: o.At.PopFront(), Snap: o.Snap}, true
}

// Merge replaces the enumerated descendants carried in ChangeTree.
type Merge struct {
	Src        Source
	At         path.Path
	ChangeTree *tree.Tree[node.Node]
}

func NewMerge(src Source, at path.Path, changeTree *tree.Tree[node.Node]) Merge {
	return Merge{Src: src, At: at, ChangeTree: changeTree}
}

func (m Merge) Kind() Kind      { return KindMerge }
func (m Merge) Source() Source  { return m.Src }
func (m Merge) Path() path.Path { return m.At }

func (m Merge) OperationForChild(key string) (Operation, bool) {
	if !m.At.IsEmpty() {
		if m.At.Front() != key {
			return nil, false
		}
		return Merge{Src: m.Src, At: m.At.PopFront(), ChangeTree: m.ChangeTree}, true
	}

	childTree := m.ChangeTree.Subtree(path.New(key))
	if childTree.IsEmpty() {
		return nil, false
	}
	if v, ok := childTree.Value(); ok {
		// A value at the root of the child's slice of the change tree
		// means "replace this child wholesale" rather than "merge into
		// it further".
		return Overwrite{Src: m.Src, At: path.Empty, Snap: v}, true
	}
	return Merge{Src: m.Src, At: path.Empty, ChangeTree: childTree}, true
}

// AckUserWrite clears or reverts a previously applied local write.
// AffectedTree marks (true) every relative path whose materialized value
// may have changed as a result of removing the write.
type AckUserWrite struct {
	At           path.Path
	AffectedTree *tree.Tree[bool]
	Revert       bool
}

func NewAckUserWrite(at path.Path, affected *tree.Tree[bool], revert bool) AckUserWrite {
	return AckUserWrite{At: at, AffectedTree: affected, Revert: revert}
}

func (a AckUserWrite) Kind() Kind      { return KindAckUserWrite }
func (a AckUserWrite) Source() Source  { return User }
func (a AckUserWrite) Path() path.Path { return a.At }

func (a AckUserWrite) OperationForChild(key string) (Operation, bool) {
	if !a.At.IsEmpty() {
		if a.At.Front() != key {
			return nil, false
		}
		return AckUserWrite{At: a.At.PopFront(), AffectedTree: a.AffectedTree, Revert: a.Revert}, true
	}

	childTree := a.AffectedTree.Subtree(path.New(key))
	if childTree.IsEmpty() {
		return nil, false
	}
	return AckUserWrite{At: path.Empty, AffectedTree: childTree, Revert: a.Revert}, true
}

// ListenComplete signals that the server has delivered all data for the
// subscribed query rooted at Path.
type ListenComplete struct {
	Src Source
	At  path.Path
}

func NewListenComplete(src Source, at path.Path) ListenComplete {
	return ListenComplete{Src: src, At: at}
}

func (l ListenComplete) Kind() Kind      { return KindListenComplete }
func (l ListenComplete) Source() Source  { return l.Src }
func (l ListenComplete) Path() path.Path { return l.At }

func (l ListenComplete) OperationForChild(key string) (Operation, bool) {
	if !l.At.IsEmpty() {
		if l.At.Front() != key {
			return nil, false
		}
		return ListenComplete{Src: l.Src, At: l.At.PopFront()}, true
	}
	// A listen-complete at the root is a blanket signal: every descendant
	// inherits it unconditionally.
	return ListenComplete{Src: l.Src, At: path.Empty}, true
}
