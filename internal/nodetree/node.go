// Package nodetree implements the hierarchical BiDiB node store: a single
// root ("self") with children ordered by local address, UID/address-stack
// lookup, insertion/deletion, and change notification. All mutations and
// multi-hop lookups are serialised by a single tree mutex, per spec.
package nodetree

import (
	"sync"
	"time"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/uid"
)

// CommissionState is the controller-FSM state a node is currently in (see
// internal/controller). It lives on the node because the controller consults
// it when deciding how to react to a sequence-number mismatch.
type CommissionState int

const (
	StateUncommissioned CommissionState = iota
	StateGetMagic
	StateGetPVersion
	StateReadFeatures
	StateGetProdString
	StateGetUserString
	StateGetSwVersion
	StateReadNtabCount
	StateReadNodetab
	StateIdle
	StateFailed
	StateBootMode
)

// Feature is a single named, versioned node knob.
type Feature struct {
	ID    byte
	Value byte
	// Setter, if non-nil, is invoked on FEATURE_SET with the requested value
	// and returns the value actually accepted (which FEATURE_SET's reply
	// echoes back).
	Setter func(n *Node, id byte, requested byte) byte
}

// Handler is a downstream or upstream message handler bound to one opcode.
type Handler func(n *Node, m bidib.Message) error

// Node is one node in the tree: the root (local address 0, "self"), a
// physical sub-bus node (address 1..63), or a virtual node (address
// 64..255).
type Node struct {
	Parent   *Node // non-owning back-pointer; nil at the root
	Children []*Node // sorted strictly increasing by LocalAddr

	LocalAddr byte
	UID       uid.UID

	ProtocolVersion uint16
	ProductString   string // <= 24 chars
	UserString      string // <= 24 chars
	ErrorCode       byte

	Features []Feature // sorted by Feature.ID

	Downstream map[bidib.Opcode]Handler
	Upstream   map[bidib.Opcode]Handler

	TxSeq byte // next sequence number to assign to an outgoing non-local, non-broadcast message
	RxSeq byte // expected sequence number of the next received message

	State       CommissionState
	Deadline    time.Time
	RetryCount  int
	LivenessDue time.Time // physical sub-bus nodes only

	Virtual      bool
	SysDisabled  bool
	Identify     bool

	// Private holds a subsystem-specific payload, e.g. *virtual.Feedback or
	// *controller.FeedbackMapping. The tree itself never interprets it.
	Private interface{}

	// TableCursor tracks this node's progress through an in-flight
	// NODETAB_GETNEXT stream, when acting as the target of that query.
	TableCursor int
}

// NewNode creates a detached node (not yet inserted into any tree).
func NewNode(addr byte, u uid.UID) *Node {
	return &Node{
		LocalAddr:  addr,
		UID:        u,
		Downstream: make(map[bidib.Opcode]Handler),
		Upstream:   make(map[bidib.Opcode]Handler),
		TxSeq:      1,
		RxSeq:      1,
	}
}

// NextTxSeq returns the sequence number to stamp on the next outgoing
// non-local, non-broadcast message from n, cycling 1..255 and skipping 0.
func (n *Node) NextTxSeq() byte {
	s := n.TxSeq
	n.TxSeq++
	if n.TxSeq == 0 {
		n.TxSeq = 1
	}
	return s
}

// ResetSeq resets both sequence counters to 1, as happens when a non-local,
// non-broadcast message with Seq==0 is received.
func (n *Node) ResetSeq() {
	n.TxSeq = 1
	n.RxSeq = 1
}

// ChildByAddr scans n's child list for a child with the given local
// address.
func (n *Node) ChildByAddr(addr byte) *Node {
	for _, c := range n.Children {
		if c.LocalAddr == addr {
			return c
		}
		if c.LocalAddr > addr {
			break // children are sorted; no match possible beyond this point
		}
	}
	return nil
}

// IsPhysical reports whether n is a directly-attached sub-bus node (address
// in 1..63) as opposed to a virtual node (64..255) or the root (0).
func (n *Node) IsPhysical() bool {
	return n.LocalAddr >= 1 && n.LocalAddr <= 63
}

// Tree owns the root node and the mutex serialising all tree mutations and
// multi-hop lookups.
type Tree struct {
	mu   sync.Mutex
	Root *Node

	listeners []func(Event)
}

// EventKind distinguishes the kinds of tree change notification.
type EventKind int

const (
	EventNodeAdded EventKind = iota
	EventNodeLost
	EventTreeChanged
)

// Event describes one tree mutation, delivered to listeners registered with
// OnChange.
type Event struct {
	Kind EventKind
	Node *Node
}

// New creates a tree with a fresh root node.
func New(root *Node) *Tree {
	return &Tree{Root: root}
}

// OnChange registers a listener invoked (outside the tree lock) for every
// insertion or deletion.
func (t *Tree) OnChange(f func(Event)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, f)
	t.mu.Unlock()
}

func (t *Tree) fire(ev Event) {
	for _, l := range t.listeners {
		l(ev)
	}
}

// Lock/Unlock expose the tree mutex to callers (router, controller) that
// need to perform a read-modify-write sequence spanning multiple tree calls
// atomically.
func (t *Tree) Lock()   { t.mu.Lock() }
func (t *Tree) Unlock() { t.mu.Unlock() }
