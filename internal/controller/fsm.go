// Package controller implements the BiDiB controller commissioning state
// machine: per-node enumeration (magic -> protocol version -> features ->
// strings -> node table -> enable), feedback projection, and node-table
// synchronisation, driven by a single event-consuming goroutine per spec.
package controller

import (
	"context"
	"log"
	"time"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/metrics"
	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/router"
)

// Deadlines for each commissioning step, per spec §4.5.
const (
	MagicTimeout    = 3 * time.Second
	StepTimeout     = 100 * time.Millisecond
	NodeTabTimeout  = 250 * time.Millisecond
	MagicRetryBudget = 3
)

// FeedbackMapping is the private payload attached to a node whose occupancy
// reports should be projected into the global feedback space.
type FeedbackMapping struct {
	Base byte
}

// SubBusWriter transmits a message to a physical sub-bus node. Implemented
// by internal/subbus.
type SubBusWriter interface {
	WriteToNode(localAddr byte, m bidib.Message) error
}

// FeedbackSink receives projected occupancy changes (detector busy/free) at
// a global index. This is the named external collaborator fb_* from
// spec.md §1 — only an interface lives in this package.
type FeedbackSink interface {
	SetOccupied(globalIndex int, occupied bool)
}

// Event is one unit of work consumed by the FSM goroutine, in arrival
// order.
type Event struct {
	Kind EventKind
	Node *nodetree.Node
	Msg  bidib.Message
	Err  error
}

// EventKind enumerates the four event kinds the FSM consumes.
type EventKind int

const (
	EventMessage EventKind = iota
	EventNodeNew
	EventNodeLost
	EventBusError
)

// FSM drives per-node commissioning from a bounded event queue.
type FSM struct {
	Tree     *nodetree.Tree
	SubBus   SubBusWriter
	Feedback FeedbackSink

	events chan Event

	// tableVersion is this controller's view of the server's node-table
	// version, acknowledged via NODE_CHANGED_ACK.
	tableVersion byte
}

// New creates an FSM. Call Run in a goroutine to start consuming events.
func New(tree *nodetree.Tree, subBus SubBusWriter, feedback FeedbackSink) *FSM {
	return &FSM{
		Tree:     tree,
		SubBus:   subBus,
		Feedback: feedback,
		events:   make(chan Event, 256),
	}
}

// Submit enqueues an event for processing. Used by the sub-bus link to
// report new/lost nodes and received messages.
func (f *FSM) Submit(ev Event) {
	f.events <- ev
}

// Run processes events strictly in arrival order until ctx is cancelled.
func (f *FSM) Run(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.events:
			f.handle(ev)
		case <-ticker.C:
			f.checkTimeouts()
		}
	}
}

func (f *FSM) handle(ev Event) {
	switch ev.Kind {
	case EventNodeNew:
		f.startCommissioning(ev.Node)
	case EventNodeLost:
		log.Printf("controller: node %d lost", ev.Node.LocalAddr)
	case EventMessage:
		f.handleMessage(ev.Node, ev.Msg)
	case EventBusError:
		log.Printf("controller: bus error: %v", ev.Err)
	}
}

func (f *FSM) startCommissioning(n *nodetree.Node) {
	n.State = nodetree.StateGetMagic
	n.RetryCount = 0
	n.Deadline = time.Now().Add(MagicTimeout)
	f.send(n, bidib.Message{Seq: 0, Opcode: bidib.MsgSysDisable})
	f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgSysGetMagic})
}

func (f *FSM) send(n *nodetree.Node, m bidib.Message) {
	if f.SubBus == nil {
		return
	}
	if err := f.SubBus.WriteToNode(n.LocalAddr, m); err != nil {
		log.Printf("controller: send to node %d failed: %v", n.LocalAddr, err)
	}
}

// checkTimeouts re-issues the current step for any node whose deadline has
// passed.
func (f *FSM) checkTimeouts() {
	now := time.Now()
	f.Tree.Walk(f.Tree.Root, func(n *nodetree.Node) {
		if n == f.Tree.Root || n.Deadline.IsZero() || now.Before(n.Deadline) {
			return
		}
		f.retryStep(n)
	})
}

func (f *FSM) retryStep(n *nodetree.Node) {
	if n.State == nodetree.StateGetMagic {
		n.RetryCount++
		metrics.ControllerRetriesTotal.WithLabelValues("GET_SYSMAGIC").Inc()
		if n.RetryCount > MagicRetryBudget {
			f.send(n, bidib.Message{Seq: 0, Opcode: bidib.MsgSysReset})
			n.RetryCount = 0
			n.Deadline = time.Now().Add(MagicTimeout)
			return
		}
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgSysGetMagic})
		n.Deadline = time.Now().Add(MagicTimeout)
		return
	}

	n.RetryCount++
	metrics.ControllerRetriesTotal.WithLabelValues(stateName(n.State)).Inc()
	if n.RetryCount > 5 {
		n.State = nodetree.StateFailed
		metrics.ControllerNodesFailedTotal.Inc()
		return
	}
	f.reissueStep(n)
}

func stateName(s nodetree.CommissionState) string {
	switch s {
	case nodetree.StateGetMagic:
		return "GET_SYSMAGIC"
	case nodetree.StateGetPVersion:
		return "GET_P_VERSION"
	case nodetree.StateReadFeatures:
		return "READ_FEATURES"
	case nodetree.StateGetProdString:
		return "GET_PRODSTRING"
	case nodetree.StateGetUserString:
		return "GET_USERNAME"
	case nodetree.StateGetSwVersion:
		return "GET_SW_VERSION"
	case nodetree.StateReadNtabCount:
		return "READ_NTABCOUNT"
	case nodetree.StateReadNodetab:
		return "READ_NODETAB"
	default:
		return "OTHER"
	}
}

func (f *FSM) reissueStep(n *nodetree.Node) {
	switch n.State {
	case nodetree.StateGetPVersion:
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgSysGetPVersion})
	case nodetree.StateReadFeatures:
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgFeatureGetAll, Payload: []byte{1}})
	case nodetree.StateGetProdString:
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgStringGet, Payload: []byte{0, 0}})
	case nodetree.StateGetUserString:
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgStringGet, Payload: []byte{0, 1}})
	case nodetree.StateGetSwVersion:
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgSysGetSwVer})
	case nodetree.StateReadNtabCount:
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgNodetabGetCount})
	case nodetree.StateReadNodetab:
		f.send(n, bidib.Message{Seq: n.NextTxSeq(), Opcode: bidib.MsgNodetabGetNext})
	}
}
