package server

import (
	"testing"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/uid"
)

type fakeTrack struct {
	state    TrackState
	drives   []uint16
	accessed []uint16
}

func (f *fakeTrack) SetTrackState(s TrackState) error { f.state = s; return nil }
func (f *fakeTrack) DriveLoco(addr uint16, format byte, speed bidib.InternalSpeed, functions [4]byte) error {
	f.drives = append(f.drives, addr)
	return nil
}
func (f *fakeTrack) SetAccessory(addr uint16, aspect byte, extended bool, timing byte) error {
	f.accessed = append(f.accessed, addr)
	return nil
}

func collect() (func(bidib.Message), *[]bidib.Message) {
	var out []bidib.Message
	return func(m bidib.Message) { out = append(out, m) }, &out
}

func TestHandleGetMagicReplies(t *testing.T) {
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	s := New(tree, nil, nil, nil, nil)
	reply, out := collect()

	if err := s.Dispatch(tree.Root, bidib.Message{Opcode: bidib.MsgSysGetMagic}, reply); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(*out) != 1 || (*out)[0].Opcode != bidib.MsgSysMagic {
		t.Fatalf("expected SYS_MAGIC reply, got %v", *out)
	}
}

func TestNodetabGetNextStreamsThenNodeNA(t *testing.T) {
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	tree.Insert(tree.Root, nodetree.NewNode(1, uid.UID{}))
	tree.Insert(tree.Root, nodetree.NewNode(2, uid.UID{}))
	s := New(tree, nil, nil, nil, nil)
	reply, out := collect()

	for i := 0; i < 3; i++ {
		s.Dispatch(tree.Root, bidib.Message{Opcode: bidib.MsgNodetabGetNext}, reply)
	}
	if len(*out) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(*out))
	}
	if (*out)[0].Payload[0] != 1 || (*out)[1].Payload[0] != 2 {
		t.Fatalf("unexpected entries: %v", *out)
	}
	last := (*out)[2]
	if last.Opcode != bidib.MsgNodeNA || len(last.Payload) != 1 || last.Payload[0] != 255 {
		t.Fatalf("expected NODE_NA sentinel, got %v", last)
	}
}

func TestFeatureSetInvokesSetterAndEchoesAccepted(t *testing.T) {
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	node := tree.Root
	clamp := func(n *nodetree.Node, id, requested byte) byte {
		if requested > 10 {
			return 10
		}
		return requested
	}
	node.Features = []nodetree.Feature{{ID: 5, Value: 0, Setter: clamp}}
	s := New(tree, nil, nil, nil, nil)
	reply, out := collect()

	s.Dispatch(node, bidib.Message{Opcode: bidib.MsgFeatureSet, Payload: []byte{5, 99}}, reply)
	if node.Features[0].Value != 10 {
		t.Fatalf("feature value = %d, want clamped 10", node.Features[0].Value)
	}
	if len(*out) != 1 || (*out)[0].Payload[1] != 10 {
		t.Fatalf("expected echoed accepted value 10, got %v", *out)
	}
}

func TestStringSetRejectsProductStringNamespace(t *testing.T) {
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	node := tree.Root
	node.ProductString = "factory"
	s := New(tree, nil, nil, nil, nil)
	reply, out := collect()

	s.Dispatch(node, bidib.Message{Opcode: bidib.MsgStringSet, Payload: append([]byte{0, 0}, []byte("hacked")...)}, reply)
	if node.ProductString != "factory" {
		t.Fatalf("product string mutated: %q", node.ProductString)
	}
	if len(*out) != 0 {
		t.Fatalf("expected no reply for read-only product string, got %v", *out)
	}

	s.Dispatch(node, bidib.Message{Opcode: bidib.MsgStringSet, Payload: append([]byte{0, 1}, []byte("engineer")...)}, reply)
	if node.UserString != "engineer" {
		t.Fatalf("user string = %q, want engineer", node.UserString)
	}
}

func TestBoostOnWithoutTrackDriverRejects(t *testing.T) {
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	s := New(tree, nil, nil, nil, nil)
	reply, out := collect()

	s.Dispatch(tree.Root, bidib.Message{Opcode: bidib.MsgBoostOn}, reply)
	if len(*out) != 1 || (*out)[0].Opcode != bidib.MsgSysError {
		t.Fatalf("expected SYS_ERROR without a track driver, got %v", *out)
	}
}

func TestCsDriveForwardsToTrackDriver(t *testing.T) {
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	track := &fakeTrack{}
	s := New(tree, track, nil, nil, nil)
	reply, out := collect()

	payload := []byte{0x00, 0x03, byte(0), 0x01, 0x10, 0, 0, 0, 0}
	s.Dispatch(tree.Root, bidib.Message{Opcode: bidib.MsgCsDrive, Payload: payload}, reply)
	if len(track.drives) != 1 || track.drives[0] != 3 {
		t.Fatalf("expected DriveLoco(3), got %v", track.drives)
	}
	if len(*out) != 1 || (*out)[0].Opcode != bidib.MsgCsDriveAck {
		t.Fatalf("expected CS_DRIVE_ACK, got %v", *out)
	}
}
