package router

import (
	"testing"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/uid"
)

type fakeSubBus struct {
	writes []byte
}

func (f *fakeSubBus) WriteToNode(addr byte, m bidib.Message) error {
	f.writes = append(f.writes, addr)
	return nil
}

func newTree() *nodetree.Tree {
	return nodetree.New(nodetree.NewNode(0, uid.UID{}))
}

func TestBroadcastFanOutInvokesEachChildExactlyOnce(t *testing.T) {
	tree := newTree()
	sub := &fakeSubBus{}
	r := New(tree, sub)

	var rootHandled int
	tree.Root.Downstream[bidib.MsgSysEnable] = func(n *nodetree.Node, m bidib.Message) error {
		rootHandled++
		return nil
	}

	for _, addr := range []byte{1, 2, 3} {
		tree.Insert(tree.Root, nodetree.NewNode(addr, uid.UID{}))
	}

	err := r.Downlink(tree.Root, bidib.Message{Opcode: bidib.MsgSysEnable})
	if err != nil {
		t.Fatalf("Downlink: %v", err)
	}
	if rootHandled != 1 {
		t.Fatalf("root handler invoked %d times, want 1", rootHandled)
	}
	if len(sub.writes) != 3 {
		t.Fatalf("expected 3 sub-bus writes, got %v", sub.writes)
	}
}

func TestDownlinkUnknownChildReturnsNodeNA(t *testing.T) {
	tree := newTree()
	r := New(tree, nil)
	var stack bidib.AddressStack
	stack = stack.Ascend(5)
	err := r.Downlink(tree.Root, bidib.Message{Address: stack, Opcode: bidib.MsgSysPing})
	if err != ErrNodeNA {
		t.Fatalf("expected ErrNodeNA, got %v", err)
	}
}

func TestSequenceSequenceWrapsAndResets(t *testing.T) {
	n := nodetree.NewNode(1, uid.UID{})
	n.RxSeq = 255
	m := bidib.Message{Opcode: bidib.MsgCsDriveAck, Seq: 255}
	if err := CheckSequence(n, m); err != nil {
		t.Fatalf("CheckSequence: %v", err)
	}
	if n.RxSeq != 1 {
		t.Fatalf("RxSeq after wrap = %d, want 1", n.RxSeq)
	}

	// A sequence of 0 both resets and is accepted.
	n.RxSeq = 42
	if err := CheckSequence(n, bidib.Message{Opcode: bidib.MsgCsDriveAck, Seq: 0}); err != nil {
		t.Fatalf("CheckSequence(seq=0): %v", err)
	}
	if n.RxSeq != 1 {
		t.Fatalf("RxSeq after seq=0 reset = %d, want 1", n.RxSeq)
	}
}

func TestUplinkBuildsStackTopHopFirst(t *testing.T) {
	tree := newTree()
	hub := nodetree.NewNode(2, uid.UID{})
	tree.Insert(tree.Root, hub)
	leaf := nodetree.NewNode(64, uid.UID{})
	tree.Insert(hub, leaf)

	var delivered bidib.Message
	target := deliverFunc(func(m bidib.Message) error {
		delivered = m
		return nil
	})

	r := New(tree, nil)
	if err := r.Uplink(leaf, bidib.Message{Opcode: bidib.MsgBmOcc}, target); err != nil {
		t.Fatalf("Uplink: %v", err)
	}
	if delivered.Address.TopHop() != 2 {
		t.Fatalf("top hop = %d, want 2 (hub)", delivered.Address.TopHop())
	}
	if delivered.Address.Descend().TopHop() != 64 {
		t.Fatalf("second hop = %d, want 64 (leaf)", delivered.Address.Descend().TopHop())
	}
}

type deliverFunc func(bidib.Message) error

func (f deliverFunc) Deliver(m bidib.Message) error { return f(m) }
