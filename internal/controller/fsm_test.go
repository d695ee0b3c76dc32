package controller

import (
	"encoding/binary"
	"testing"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/uid"
)

type fakeSubBus struct {
	sent []bidib.Message
}

func (f *fakeSubBus) WriteToNode(addr byte, m bidib.Message) error {
	f.sent = append(f.sent, m)
	return nil
}

type fakeFeedback struct {
	occupied map[int]bool
}

func (f *fakeFeedback) SetOccupied(idx int, occ bool) {
	if f.occupied == nil {
		f.occupied = make(map[int]bool)
	}
	f.occupied[idx] = occ
}

func TestCommissioningSequenceS2(t *testing.T) {
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	sub := &fakeSubBus{}
	fsm := New(tree, sub, nil)

	node := nodetree.NewNode(1, uid.UID{Serial: [3]byte{0x11, 0x22, 0x33}})
	tree.Insert(tree.Root, node)

	fsm.startCommissioning(node)
	if len(sub.sent) != 2 {
		t.Fatalf("expected SYS_DISABLE + SYS_GET_MAGIC, got %v", sub.sent)
	}
	if sub.sent[0].Opcode != bidib.MsgSysDisable || sub.sent[0].Seq != 0 {
		t.Fatalf("first message should be SYS_DISABLE with seq 0, got %v", sub.sent[0])
	}
	if sub.sent[1].Opcode != bidib.MsgSysGetMagic || sub.sent[1].Seq != 1 {
		t.Fatalf("second message should be SYS_GET_MAGIC seq 1, got %v", sub.sent[1])
	}

	magicPayload := make([]byte, 2)
	binary.BigEndian.PutUint16(magicPayload, bidib.SysMagic)
	fsm.handleMessage(node, bidib.Message{Opcode: bidib.MsgSysMagic, Payload: magicPayload})
	if node.State != nodetree.StateGetPVersion {
		t.Fatalf("state = %v, want StateGetPVersion", node.State)
	}

	fsm.handleMessage(node, bidib.Message{Opcode: bidib.MsgSysPVersion, Payload: []byte{0x00, 0x13}})
	if node.State != nodetree.StateReadFeatures {
		t.Fatalf("state = %v, want StateReadFeatures", node.State)
	}

	// STRING_SIZE feature reports 0 -> skip strings, go straight to SW version.
	fsm.handleMessage(node, bidib.Message{Opcode: bidib.MsgFeature, Payload: []byte{featureStringSize, 0}})
	if node.State != nodetree.StateGetSwVersion {
		t.Fatalf("state = %v, want StateGetSwVersion", node.State)
	}

	fsm.handleMessage(node, bidib.Message{Opcode: bidib.MsgSysSwVersion, Payload: []byte{1, 0, 0}})
	if node.State != nodetree.StateIdle {
		t.Fatalf("state = %v, want StateIdle", node.State)
	}
	last := sub.sent[len(sub.sent)-1]
	if last.Opcode != bidib.MsgSysEnable {
		t.Fatalf("final message should be SYS_ENABLE, got %v", last)
	}
}

func TestOccupancyProjectionS3(t *testing.T) {
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	sub := &fakeSubBus{}
	fb := &fakeFeedback{}
	fsm := New(tree, sub, fb)

	node := nodetree.NewNode(64, uid.UID{})
	node.Private = &FeedbackMapping{Base: 48}
	tree.Insert(tree.Root, node)

	fsm.handleMessage(node, bidib.Message{Opcode: bidib.MsgBmOcc, Payload: []byte{5}})

	if !fb.occupied[53] {
		t.Fatalf("expected global index 53 occupied, got %v", fb.occupied)
	}
	mirror := sub.sent[len(sub.sent)-1]
	if mirror.Opcode != bidib.MsgBmMirrorOcc || len(mirror.Payload) != 1 || mirror.Payload[0] != 5 {
		t.Fatalf("expected BM_MIRROR_OCC[5], got %v", mirror)
	}
}

func TestMagicRetryBudgetTriggersReset(t *testing.T) {
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	sub := &fakeSubBus{}
	fsm := New(tree, sub, nil)
	node := nodetree.NewNode(1, uid.UID{})
	tree.Insert(tree.Root, node)
	fsm.startCommissioning(node)

	for i := 0; i < MagicRetryBudget; i++ {
		fsm.retryStep(node)
	}
	// One more retry past budget should emit SYS_RESET.
	fsm.retryStep(node)
	last := sub.sent[len(sub.sent)-1]
	if last.Opcode != bidib.MsgSysReset {
		t.Fatalf("expected SYS_RESET after exhausting retry budget, got %v", last)
	}
}
