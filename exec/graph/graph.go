// Package graph implements the DIA node and graph (C11): typed
// operator nodes connected by parent/child edges, each carrying a
// function-stack closure, a cache File, and a lifecycle state machine.
package graph

import (
	"context"
	"sync"

	exectx "github.com/flowbase/flowbase/exec/context"
	"github.com/flowbase/flowbase/internal/errors"
)

// State is a DIA node's lifecycle state.
type State int

const (
	// NEW has never been executed.
	NEW State = iota
	// EXECUTING is currently running its DOp body.
	EXECUTING
	// EXECUTED has produced its output but not yet pushed it to
	// children, or is about to be re-pushed.
	EXECUTED
	// CACHED has executed, pushed to children, and kept its cache
	// File (consume=false); a stage builder's ancestor walk halts
	// here.
	CACHED
	// DISPOSED has executed, pushed to children, and released its
	// cache File (consume=true); it must re-execute if needed again.
	DISPOSED
)

func (s State) String() string {
	switch s {
	case NEW:
		return "NEW"
	case EXECUTING:
		return "EXECUTING"
	case EXECUTED:
		return "EXECUTED"
	case CACHED:
		return "CACHED"
	case DISPOSED:
		return "DISPOSED"
	default:
		return "UNKNOWN"
	}
}

// Kind classifies what a node's Execute does.
type Kind int

const (
	SOURCE Kind = iota
	LOP         // local operation: a pure function-stack link, no DOp body
	DOP         // distributed operation: shuffles or otherwise crosses workers
	ACTION
	CACHE
	COLLAPSE
)

// Callback is the per-item closure a child registers on a parent: the
// parent composes it with its own function stack and invokes it once
// per item during PushData.
type Callback func(ctx context.Context, item interface{}) error

// Node is one DIA operator instance. Node bodies are supplied by the
// embedding operator type (see package dia) through the Ops
// interface; Node itself only tracks lifecycle, edges, and push
// fan-out, matching thrill/c7a's dia_node.hpp split between the
// generic node and its DOp-specific subclass.
type Node struct {
	mu sync.Mutex

	id       uint64
	kind     Kind
	parents  []*Node
	children []*Node
	callbacks []Callback

	state   State
	consume bool

	ops Ops
}

// Ops is implemented by a concrete operator (Map, ReduceByKey, Sort,
// ...) to supply the behavior Node's generic machinery invokes.
type Ops interface {
	// Execute runs the node's own DOp/action body: for a DOp, this
	// reads its parents' already-pushed cache and produces this
	// node's own cache File and/or shuffles to a stream; for a
	// source, it reads external input.
	Execute(ctx context.Context, ectx *exectx.Context) error
	// PushData replays this node's output into every registered child
	// callback, in order. consume mirrors the node's own consume flag.
	PushData(ctx context.Context, consume bool, children []Callback) error
	// Dispose releases this node's cache File, if it holds one.
	Dispose()
}

var nextID uint64

func newID() uint64 {
	nextID++
	return nextID
}

// ReserveID hands out the id the next NewNodeWithID call should use,
// for callers that need a node's id before the node itself exists
// (e.g. a DOp that keys its shuffle stream on its own future node id).
// Every worker builds the dataflow graph in the same order, so the
// n-th ReserveID call returns the same value on every worker.
func ReserveID() uint64 {
	return newID()
}

// NewNode returns a new node of kind wired to ops, depending on
// parents.
func NewNode(kind Kind, ops Ops, parents ...*Node) *Node {
	return NewNodeWithID(newID(), kind, ops, parents...)
}

// NewNodeWithID is NewNode with an id reserved ahead of time via
// ReserveID, so the node's id can be captured by its own Ops closure
// before the node is constructed.
func NewNodeWithID(id uint64, kind Kind, ops Ops, parents ...*Node) *Node {
	n := &Node{id: id, kind: kind, ops: ops, parents: parents, state: NEW}
	for _, p := range parents {
		p.addChildNode(n)
	}
	return n
}

func (n *Node) addChildNode(child *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = append(n.children, child)
}

// ID returns the node's opaque identifier.
func (n *Node) ID() uint64 { return n.id }

// Kind returns the node's operator kind.
func (n *Node) Kind() Kind { return n.kind }

// Parents returns the node's parent nodes.
func (n *Node) Parents() []*Node { return n.parents }

// Children returns the node's child nodes.
func (n *Node) Children() []*Node { return n.children }

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetConsume sets whether this node's cache may be dropped after
// PushData; true means the node moves to DISPOSED instead of CACHED.
func (n *Node) SetConsume(flag bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.consume = flag
}

// RegisterChild tells this node that a child wants callback invoked
// per item during PushData; the node is expected to compose callback
// with its own function stack before handing items to it (done by the
// concrete Ops implementation, which owns the stack).
func (n *Node) RegisterChild(callback Callback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, callback)
}

// Execute runs this node's DOp body exactly once, transitioning
// NEW/DISPOSED -> EXECUTING -> EXECUTED. It is a protocol violation to
// call Execute on a node in any other state (§7: mutating a node
// marked CACHED is fatal, and this covers the stronger statement that
// Execute itself is never re-entered concurrently or redundantly).
func (n *Node) Execute(ctx context.Context, ectx *exectx.Context) error {
	n.mu.Lock()
	if n.state != NEW && n.state != DISPOSED {
		n.mu.Unlock()
		return errors.E(errors.Protocol, "graph: Execute called on a node not in NEW or DISPOSED state")
	}
	n.state = EXECUTING
	n.mu.Unlock()

	if err := n.ops.Execute(ctx, ectx); err != nil {
		return err
	}

	n.mu.Lock()
	n.state = EXECUTED
	n.mu.Unlock()
	ectx.Stats.NodesExecuted.Inc()
	return nil
}

// PushData replays this node's output into every registered child,
// then transitions EXECUTED -> CACHED (consume=false) or -> DISPOSED
// (consume=true, releasing the node's cache File).
func (n *Node) PushData(ctx context.Context) error {
	n.mu.Lock()
	if n.state != EXECUTED {
		n.mu.Unlock()
		return errors.E(errors.Protocol, "graph: PushData called on a node not in EXECUTED state")
	}
	consume := n.consume
	callbacks := append([]Callback(nil), n.callbacks...)
	n.mu.Unlock()

	if err := n.ops.PushData(ctx, consume, callbacks); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if consume {
		n.ops.Dispose()
		n.state = DISPOSED
	} else {
		n.state = CACHED
	}
	return nil
}
