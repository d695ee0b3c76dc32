// Package virtual implements virtual feedback hub nodes (C7): the
// VIRT_S88/VIRT_MCAN/VIRT_LNET bridges backing each registered global
// feedback source, with dynamically allocated per-range feedback children.
package virtual

import (
	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/metrics"
	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/uid"
)

// Product IDs for the three supported virtual bridge kinds.
const (
	ProductS88  byte = 0x01
	ProductMCAN byte = 0x02
	ProductLNet byte = 0x03
)

// MaxFeedbackPerType bounds the number of feedback children a single hub
// may host, per spec.md §4.7.
const MaxFeedbackPerType = 4095

// MaxBitsPerNode is the largest feedback range a single virtual node may
// report in one message.
const MaxBitsPerNode = 128

// Manufacturer is the fixed manufacturer byte virtual nodes report; hub
// UIDs otherwise use a fixed per-type serial so they are stable across
// restarts (a firmware-update-resilient Short() comparison is pointless
// for virtual nodes, but a stable UID still matters for the node table).
const Manufacturer = 0xFE

// Feedback is the private payload carried by a feedback child: its
// position in the global 64k-bit feedback space.
type Feedback struct {
	Base  int // offset in the global feedback bit space
	Count int // <= MaxBitsPerNode
	bits  []bool
}

// Hub owns one virtual bridge (one of the three product kinds) and its
// dynamically sized set of feedback children.
type Hub struct {
	Tree    *nodetree.Tree
	Node    *nodetree.Node
	Product byte

	// Uplink sends a feedback child's response (BM_MULTIPLE, a mirrored
	// BM_MIRROR_* replay, BM_CONFIDENCE) back up the tree as if sender had
	// originated it, per spec.md §4.4's uplink addressing. Set before
	// calling AddRange so newly allocated children are wired up; nil is
	// tolerated (replies are just dropped, useful in tests that only
	// exercise the package-level helpers directly).
	Uplink func(sender *nodetree.Node, m bidib.Message)

	tableVersion byte
	nextAddr     byte
}

// NewHub creates and inserts a virtual bridge node of the given product
// kind as a direct child of tree's root, starting at virtual-address-space
// local addresses (64..255).
func NewHub(tree *nodetree.Tree, product byte, startAddr byte) *Hub {
	u := uid.UID{Manufacturer: Manufacturer, Product: product, Serial: [3]byte{0, 0, product}}
	node := nodetree.NewNode(startAddr, u)
	node.Virtual = true
	node.Features = []nodetree.Feature{{ID: 0x02, Value: 1}} // bridgeFeature=1: hosts children
	tree.Insert(tree.Root, node)
	return &Hub{Tree: tree, Node: node, Product: product, nextAddr: startAddr + 1}
}

// AddRange allocates a new feedback child covering [base, base+count) of
// the global feedback space, inserts it into the tree (which fires the
// tree's node-added event), and bumps the hub's table version. No NODE_NEW
// message is sent.
func (h *Hub) AddRange(base, count int) (*nodetree.Node, error) {
	if count > MaxBitsPerNode {
		count = MaxBitsPerNode
	}
	h.Tree.Lock()
	if len(h.Node.Children) >= MaxFeedbackPerType {
		h.Tree.Unlock()
		return nil, errHubFull
	}
	addr := h.nextAddr
	h.nextAddr++
	h.Tree.Unlock()

	u := uid.UID{Manufacturer: Manufacturer, Product: h.Product, Serial: serialFor(base)}
	child := nodetree.NewNode(addr, u)
	child.Virtual = true
	child.Private = &Feedback{Base: base, Count: count, bits: make([]bool, count)}
	attachChild(child, func(m bidib.Message) {
		if h.Uplink != nil {
			h.Uplink(child, m)
		}
	})
	h.Tree.Insert(h.Node, child)
	h.bumpVersion()
	metrics.SubBusNodesGauge.Add(1)
	return child, nil
}

// attachChild wires a feedback child's Downstream handler table for the
// BM_* opcodes it answers per spec.md §4.7: range read, secure-ack mirror
// echoes (replay on disagreement, otherwise suppress), and confidence
// reporting.
func attachChild(child *nodetree.Node, reply func(bidib.Message)) {
	child.Downstream[bidib.MsgBmGetRange] = func(n *nodetree.Node, m bidib.Message) error {
		bits := Range(n)
		payload := make([]byte, (len(bits)+7)/8)
		for i, occupied := range bits {
			if occupied {
				payload[i/8] |= 1 << uint(i%8)
			}
		}
		reply(bidib.Message{Opcode: bidib.MsgBmMultiple, Payload: payload})
		return nil
	}
	mirror := func(n *nodetree.Node, m bidib.Message) error {
		if len(m.Payload) == 0 {
			return nil
		}
		claimedOccupied := m.Opcode == bidib.MsgBmMirrorOcc || m.Opcode == bidib.MsgBmMirrorMult
		d := Mirror(n, int(m.Payload[0]), claimedOccupied)
		if !d.Suppress {
			reply(d.Replay)
		}
		return nil
	}
	child.Downstream[bidib.MsgBmMirrorOcc] = mirror
	child.Downstream[bidib.MsgBmMirrorFree] = mirror
	child.Downstream[bidib.MsgBmMirrorMult] = mirror
	child.Downstream[bidib.MsgBmGetConfidence] = func(n *nodetree.Node, m bidib.Message) error {
		reply(bidib.Message{Opcode: bidib.MsgBmConfidence, Payload: []byte{Confidence(n)}})
		return nil
	}
}

// DropRange removes a previously allocated feedback child from the tree
// (which fires the tree's node-lost event) and bumps the table version. No
// NODE_LOST message is sent.
func (h *Hub) DropRange(child *nodetree.Node) {
	h.Tree.Delete(child)
	h.bumpVersion()
}

func (h *Hub) bumpVersion() {
	h.tableVersion++
	if h.tableVersion == 0 {
		h.tableVersion = 1
	}
}

func serialFor(base int) [3]byte {
	return [3]byte{byte(base >> 16), byte(base >> 8), byte(base)}
}

var errHubFull = hubFullError{}

type hubFullError struct{}

func (hubFullError) Error() string { return "virtual: hub at feedback-node capacity" }

// SetBit updates one bit within child's range and reports whether the
// value actually changed (the caller uses this to decide whether a
// BM_OCC/BM_FREE needs to go out at all).
func SetBit(child *nodetree.Node, index int, occupied bool) bool {
	fb, ok := child.Private.(*Feedback)
	if !ok || index < 0 || index >= fb.Count {
		return false
	}
	if fb.bits[index] == occupied {
		return false
	}
	fb.bits[index] = occupied
	return true
}

// Range reports the occupancy of every bit in child's range, for
// BM_GET_RANGE.
func Range(child *nodetree.Node) []bool {
	fb, ok := child.Private.(*Feedback)
	if !ok {
		return nil
	}
	out := make([]bool, len(fb.bits))
	copy(out, fb.bits)
	return out
}

// MirrorDecision is the acknowledged-occupancy outcome for one mirrored
// message: either suppress (the sender's view already agrees) or replay
// the authoritative state back to it.
type MirrorDecision struct {
	Suppress bool
	Replay   bidib.Message
}

// Mirror implements the "secure-ack" rule from spec.md §4.7: replay
// current state if the sender's echoed message disagrees with it,
// otherwise suppress (no reply).
func Mirror(child *nodetree.Node, claimedIndex int, claimedOccupied bool) MirrorDecision {
	fb, ok := child.Private.(*Feedback)
	if !ok || claimedIndex < 0 || claimedIndex >= fb.Count {
		return MirrorDecision{Suppress: true}
	}
	actual := fb.bits[claimedIndex]
	if actual == claimedOccupied {
		return MirrorDecision{Suppress: true}
	}
	op := bidib.MsgBmMirrorFree
	if actual {
		op = bidib.MsgBmMirrorOcc
	}
	return MirrorDecision{Replay: bidib.Message{Opcode: op, Payload: []byte{byte(claimedIndex)}}}
}

// Confidence always reports "valid" for virtual feedback ranges, per
// spec.md §4.7 ("fixed 'valid'").
func Confidence(child *nodetree.Node) byte {
	return 0 // 0 = valid, matching the BM_CONFIDENCE reserved-good value
}
