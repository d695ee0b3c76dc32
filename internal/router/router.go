// Package router implements downlink/uplink message routing over a
// nodetree.Tree: address-stack traversal, broadcast fan-out, and per-node
// sequence number assignment/validation, as specified by the BiDiB sub-bus
// and netBiDiB router behaviour.
package router

import (
	"errors"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/metrics"
	"github.com/ktams/bidib-station/internal/nodetree"
)

// ErrNodeNA is returned (and should trigger a MSG_NODE_NA reply upstream)
// when a downlink addresses a hop with no matching child.
var ErrNodeNA = errors.New("router: node not available")

// ErrSequence is returned when a received non-local, non-broadcast message
// has a sequence number that does not match the node's expected rxseq. The
// message is still processed (the new sequence is accepted going forward)
// but callers should react per their commissioning state (e.g. re-query
// features or the node table).
var ErrSequence = errors.New("router: sequence mismatch")

// SubBusWriter hands a message, unmodified, to the sub-bus link for
// transmission to a directly attached physical node. Implemented by
// internal/subbus.
type SubBusWriter interface {
	WriteToNode(localAddr byte, m bidib.Message) error
}

// Router dispatches messages across a node tree.
type Router struct {
	Tree    *nodetree.Tree
	SubBus  SubBusWriter // nil if this stack has no physical sub-bus segment
}

// New creates a Router over tree, optionally wired to a sub-bus writer.
func New(tree *nodetree.Tree, subBus SubBusWriter) *Router {
	return &Router{Tree: tree, SubBus: subBus}
}

// CheckSequence validates and updates n's expected rxseq for a non-local,
// non-broadcast message. A received sequence of 0 both resets the counter
// and is itself accepted, per the sequence-reset design note. Exported so
// internal/controller can apply the same validation to messages arriving
// from physical sub-bus nodes, not only to downlink deliveries.
func CheckSequence(n *nodetree.Node, m bidib.Message) error {
	if m.Opcode.IsLocal() || m.Opcode.IsBroadcast() {
		return nil
	}
	if m.Seq == 0 {
		n.ResetSeq()
		return nil
	}
	if m.Seq != n.RxSeq {
		// Accept the peer's sequence going forward even on mismatch, per
		// spec: "re-issue the in-flight step... accept the peer's sequence
		// going forward".
		n.RxSeq = m.Seq
		advance(n)
		metrics.RouterSequenceErrorsTotal.Inc()
		return ErrSequence
	}
	advance(n)
	return nil
}

func advance(n *nodetree.Node) {
	n.RxSeq++
	if n.RxSeq == 0 {
		n.RxSeq = 1
	}
}

// Downlink routes a message from a parent context toward some descendant
// identified by m.Address, relative to starting point "at" (the node that
// currently holds the message — typically the root). If m.Address is zero,
// the message targets "at" itself: its downstream handler table is
// consulted by opcode, and broadcasts are additionally fanned out to every
// child.
func (r *Router) Downlink(at *nodetree.Node, m bidib.Message) error {
	metrics.RouterMessagesTotal.WithLabelValues("downlink").Inc()
	if m.Address != 0 {
		return r.descend(at, m)
	}
	return r.deliverLocal(at, m)
}

func (r *Router) descend(at *nodetree.Node, m bidib.Message) error {
	hop := m.Address.TopHop()
	r.Tree.Lock()
	child := at.ChildByAddr(hop)
	r.Tree.Unlock()
	if child == nil {
		return ErrNodeNA
	}
	if child.IsPhysical() && child.Parent == r.Tree.Root && r.SubBus != nil {
		// Physical children of the root go straight to the sub-bus writer,
		// address stack unmodified (the sub-bus has no further hops below
		// the root).
		return r.SubBus.WriteToNode(hop, m)
	}
	next := m
	next.Address = m.Address.Descend()
	return r.Downlink(child, next)
}

func (r *Router) deliverLocal(at *nodetree.Node, m bidib.Message) error {
	if err := CheckSequence(at, m); err != nil && err != ErrSequence {
		return err
	}

	if h, ok := at.Downstream[m.Opcode]; ok {
		if err := h(at, m); err != nil {
			return err
		}
	}

	if m.Opcode.IsBroadcast() {
		r.Tree.Lock()
		children := append([]*nodetree.Node(nil), at.Children...)
		r.Tree.Unlock()
		for _, c := range children {
			if c.IsPhysical() && c.Parent == r.Tree.Root && r.SubBus != nil {
				r.SubBus.WriteToNode(c.LocalAddr, m)
				continue
			}
			r.Downlink(c, m)
		}
	}
	return nil
}

// UplinkTarget receives a message that has reached the root of the tree
// (address stack fully unwound). The implementation chooses between the
// controller and the netBiDiB side by the stack's current operating mode.
type UplinkTarget interface {
	// Deliver handles a message that arrived at the root from a child.
	Deliver(m bidib.Message) error
}

// Uplink routes a message from sender (a direct child of its eventual
// target) toward the root, OR-ing in sender's local address as the new top
// hop at each level, and finally delivers to target once the root is
// reached.
func (r *Router) Uplink(sender *nodetree.Node, m bidib.Message, target UplinkTarget) error {
	metrics.RouterMessagesTotal.WithLabelValues("uplink").Inc()
	m.Address = m.Address.Ascend(sender.LocalAddr)
	parent := sender.Parent
	for parent != nil && parent.Parent != nil {
		m.Address = m.Address.Ascend(parent.LocalAddr)
		parent = parent.Parent
	}
	return target.Deliver(m)
}
