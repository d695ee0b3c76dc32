package controller

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/metrics"
	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/router"
)

// handleMessage advances n's commissioning state machine on a reply,
// following the table in spec.md §4.5. Every non-local, non-broadcast
// message is first run through the router's per-node RX sequence check
// (spec.md §4.4): a mismatch re-queries rather than trusting stale state.
func (f *FSM) handleMessage(n *nodetree.Node, m bidib.Message) {
	if err := router.CheckSequence(n, m); err == router.ErrSequence {
		f.onSequenceMismatch(n)
		return
	}
	switch m.Opcode {
	case bidib.MsgSysMagic:
		f.onMagic(n, m)
	case bidib.MsgSysPVersion:
		f.onPVersion(n, m)
	case bidib.MsgFeatureCount:
		// Streaming begins; nothing to transition on yet, features arrive
		// individually via MsgFeature.
	case bidib.MsgFeature:
		f.onFeature(n, m)
	case bidib.MsgString:
		f.onString(n, m)
	case bidib.MsgSysSwVersion:
		f.onSwVersion(n)
	case bidib.MsgNodetabCount:
		f.onNodetabCount(n, m)
	case bidib.MsgNodetab, bidib.MsgNodeNA:
		f.onNodetabEntry(n, m)
	case bidib.MsgNodeNew, bidib.MsgNodeLost:
		f.onNodeTableChange(n, m)
	case bidib.MsgBmOcc, bidib.MsgBmFree, bidib.MsgBmMultiple:
		f.onOccupancy(n, m)
	}
}

// onSequenceMismatch re-queries per spec.md §4.4's "re-issue the in-flight
// step... accept the peer's sequence going forward": an idle node is
// assumed to have desynced its whole commissioned state and is re-read
// from features onward; a node still mid-commissioning just has its
// current step re-sent.
func (f *FSM) onSequenceMismatch(n *nodetree.Node) {
	log.Printf("controller: node %d sequence mismatch, re-querying", n.LocalAddr)
	if n.State == nodetree.StateIdle {
		n.State = nodetree.StateReadFeatures
		n.Features = nil
		n.RetryCount = 0
		n.Deadline = time.Now().Add(StepTimeout)
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgFeatureGetAll, Payload: []byte{1}})
		return
	}
	f.reissueStep(n)
}

func (f *FSM) onMagic(n *nodetree.Node, m bidib.Message) {
	if n.State != nodetree.StateGetMagic {
		return
	}
	if len(m.Payload) < 2 {
		return
	}
	magic := binary.BigEndian.Uint16(m.Payload)
	if magic == bidib.BootMagic {
		n.State = nodetree.StateBootMode
		n.Deadline = time.Time{}
		return
	}
	if magic != bidib.SysMagic {
		return
	}
	n.State = nodetree.StateGetPVersion
	n.RetryCount = 0
	n.Deadline = time.Now().Add(StepTimeout)
	f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgSysGetPVersion})
}

func (f *FSM) onPVersion(n *nodetree.Node, m bidib.Message) {
	if n.State != nodetree.StateGetPVersion {
		return
	}
	if len(m.Payload) >= 2 {
		n.ProtocolVersion = binary.BigEndian.Uint16(m.Payload)
	}
	n.State = nodetree.StateReadFeatures
	n.RetryCount = 0
	n.Deadline = time.Now().Add(StepTimeout)
	f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgFeatureGetAll, Payload: []byte{1}})
}

// featureStringSize is the feature id that advertises whether the node
// exposes product/user strings, per spec §4.5.
const featureStringSize = 0x01

func (f *FSM) onFeature(n *nodetree.Node, m bidib.Message) {
	if n.State != nodetree.StateReadFeatures {
		return
	}
	if len(m.Payload) < 2 {
		return
	}
	id, val := m.Payload[0], m.Payload[1]
	insertFeature(n, nodetree.Feature{ID: id, Value: val})
	if id != featureStringSize {
		return
	}
	n.RetryCount = 0
	n.Deadline = time.Now().Add(StepTimeout)
	if val > 0 {
		n.State = nodetree.StateGetProdString
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgStringGet, Payload: []byte{0, 0}})
	} else {
		n.State = nodetree.StateGetSwVersion
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgSysGetSwVer})
	}
}

func insertFeature(n *nodetree.Node, feat nodetree.Feature) {
	i := 0
	for ; i < len(n.Features); i++ {
		if n.Features[i].ID == feat.ID {
			n.Features[i] = feat
			return
		}
		if n.Features[i].ID > feat.ID {
			break
		}
	}
	n.Features = append(n.Features, nodetree.Feature{})
	copy(n.Features[i+1:], n.Features[i:])
	n.Features[i] = feat
}

func (f *FSM) onString(n *nodetree.Node, m bidib.Message) {
	if len(m.Payload) < 2 {
		return
	}
	namespace, id := m.Payload[0], m.Payload[1]
	text := string(m.Payload[2:])
	switch {
	case namespace == 0 && id == 0:
		n.ProductString = text
		if n.State == nodetree.StateGetProdString {
			n.State = nodetree.StateGetUserString
			n.RetryCount = 0
			n.Deadline = time.Now().Add(StepTimeout)
			f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgStringGet, Payload: []byte{0, 1}})
		}
	case namespace == 0 && id == 1:
		n.UserString = text
		if n.State == nodetree.StateGetUserString {
			n.State = nodetree.StateGetSwVersion
			n.RetryCount = 0
			n.Deadline = time.Now().Add(StepTimeout)
			f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgSysGetSwVer})
		}
	}
}

// bridgeFeature is the feature id signalling a node hosts further children
// (i.e. is a bridge/hub and must be asked for its node table).
const bridgeFeature = 0x02

func isBridge(n *nodetree.Node) bool {
	for _, feat := range n.Features {
		if feat.ID == bridgeFeature && feat.Value > 0 {
			return true
		}
	}
	return false
}

func (f *FSM) onSwVersion(n *nodetree.Node) {
	if n.State != nodetree.StateGetSwVersion {
		return
	}
	if isBridge(n) {
		n.State = nodetree.StateReadNtabCount
		n.RetryCount = 0
		n.Deadline = time.Now().Add(NodeTabTimeout)
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgNodetabGetCount})
		return
	}
	f.enable(n)
}

func (f *FSM) enable(n *nodetree.Node) {
	n.State = nodetree.StateIdle
	n.Deadline = time.Time{}
	n.RetryCount = 0
	f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgSysEnable})
}

func (f *FSM) onNodetabCount(n *nodetree.Node, m bidib.Message) {
	if n.State != nodetree.StateReadNtabCount {
		return
	}
	n.State = nodetree.StateReadNodetab
	n.RetryCount = 0
	n.Deadline = time.Now().Add(NodeTabTimeout)
	f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgNodetabGetNext})
}

func (f *FSM) onNodetabEntry(n *nodetree.Node, m bidib.Message) {
	if n.State != nodetree.StateReadNodetab {
		return
	}
	if len(m.Payload) == 1 && m.Payload[0] == 255 {
		// NODE_NA sentinel: table exhausted.
		f.enable(n)
		return
	}
	n.RetryCount = 0
	n.Deadline = time.Now().Add(NodeTabTimeout)
	f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgNodetabGetNext})
}

// onNodeTableChange acknowledges a NODE_NEW/NODE_LOST report from a bridge
// node with the new table version the payload carries.
func (f *FSM) onNodeTableChange(n *nodetree.Node, m bidib.Message) {
	if len(m.Payload) == 0 {
		return
	}
	version := m.Payload[len(m.Payload)-1]
	f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgNodeChangedAck, Payload: []byte{version}})
}

// onOccupancy projects BM_OCC/BM_FREE/BM_MULTIPLE into the global feedback
// space when n carries a FeedbackMapping, and mirrors the state back to n
// per the acknowledged-occupancy protocol.
func (f *FSM) onOccupancy(n *nodetree.Node, m bidib.Message) {
	mapping, ok := n.Private.(*FeedbackMapping)
	if !ok || len(m.Payload) == 0 {
		return
	}
	detector := m.Payload[0]
	if f.Feedback != nil {
		occupied := m.Opcode == bidib.MsgBmOcc || m.Opcode == bidib.MsgBmMultiple
		f.Feedback.SetOccupied(int(mapping.Base)+int(detector), occupied)
		metrics.FeedbackChangesTotal.Inc()
	}
	mirror := mirrorOpcode(m.Opcode)
	f.send(n, bidib.Message{Seq: 0, Opcode: mirror, Payload: []byte{detector}})
}

func mirrorOpcode(op bidib.Opcode) bidib.Opcode {
	switch op {
	case bidib.MsgBmOcc:
		return bidib.MsgBmMirrorOcc
	case bidib.MsgBmFree:
		return bidib.MsgBmMirrorFree
	default:
		return bidib.MsgBmMirrorMult
	}
}
