// Package subbus implements the BiDiB sub-bus link layer (C2): a polled,
// token-driven half-duplex protocol with node logon, LOGON collision
// handling, and per-node liveness. Packets are exchanged as plain
// concatenated BiDiB messages: no P_LENGTH byte or CRC-8 is added on
// transmit or checked on receive. Microsecond-scale bit-time budgets are approximated with
// Go timers, per spec.md's "the port may substitute a monotonic
// microsecond timer driven by the OS; the FSM logic remains the same as
// long as relative bounds are preserved" design note; one goroutine owns
// the Port end-to-end, matching the single-task-owns-UART rule.
package subbus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/controller"
	"github.com/ktams/bidib-station/internal/metrics"
	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/uid"
)

var errUnsupportedBaud = errors.New("subbus: unsupported baud rate")

// Per-slot timing budgets (spec.md §4.2 and §7). These are wall-clock
// approximations of the bit-time windows the hardware protocol defines.
const (
	selfSlotGap    = 5 * time.Microsecond
	peerSlotGap    = 30 * time.Microsecond
	peerByteGap    = 50 * time.Microsecond
	logonWindow    = 100 * time.Microsecond
	slotPeriod     = 2 * time.Millisecond
	newNodeSettle  = 500 * time.Millisecond
	highWaterBytes = 35
	maxBusAddr     = 63

	// livenessTimeout is the fixed deadline spec.md §4.2 sets for declaring
	// a polled node lost: it does not scale with bus population.
	livenessTimeout = 250 * time.Millisecond
)

// state names the reception state machine's phases, per the table in
// spec.md §4.2. A Link is set to stateIdle at construction; the slot loop
// does not update it.
type state int

const (
	stateIdle state = iota
	stateWaitTx
	stateTxPacket
	stateTxError
	stateRxPacket
	stateLogon
	stateError
)

type busNode struct {
	addr byte
	uid  uid.UID
	node *nodetree.Node
	last time.Time
}

// Link drives one sub-bus segment end-to-end from a single goroutine
// (Run). WriteToNode satisfies both router.SubBusWriter and
// controller.SubBusWriter.
type Link struct {
	Port Port
	Tree *nodetree.Tree
	Sink *controller.FSM

	mu           sync.Mutex
	nodes        []busNode
	tableVersion byte
	cursor       int
	outbound     map[byte]*bidib.Queue
	state        state
	newNodeDue   time.Time
}

// New creates a Link. port, tree and sink must be non-nil; Run starts the
// polling loop.
func New(port Port, tree *nodetree.Tree, sink *controller.FSM) *Link {
	return &Link{
		Port:     port,
		Tree:     tree,
		Sink:     sink,
		outbound: make(map[byte]*bidib.Queue),
		state:    stateIdle,
	}
}

// WriteToNode enqueues m for transmission to the physical node at addr on
// this link's next self-slot or peer-slot, per the queued-messages design
// note ("a single dedicated task owns the sub-bus UART; all other tasks
// enqueue messages for transmission").
func (l *Link) WriteToNode(addr byte, m bidib.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.outbound[addr]
	if !ok {
		q = &bidib.Queue{}
		l.outbound[addr] = q
	}
	q.Push(m)
	return nil
}

// Run drives the slot loop until ctx is cancelled. Each tick performs one
// of: LOGON (periodically), a peer POLL (round-robin over admitted
// nodes), or nothing if no nodes are admitted yet.
func (l *Link) Run(ctx context.Context) {
	ticker := time.NewTicker(slotPeriod)
	defer ticker.Stop()
	logonEvery := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logonEvery++
			if logonEvery%20 == 0 {
				l.doLogon()
				continue
			}
			l.doPollRound()
		}
	}
}

// doLogon opens a LOGON window, reads whatever arrives within it, and
// admits a node when the window yields exactly one well-formed LOCAL_LOGON
// message (no CRC is checked).
func (l *Link) doLogon() {
	l.Port.SetReadDeadline(time.Now().Add(logonWindow))
	buf := make([]byte, 16)
	n, err := l.Port.Read(buf)
	if err != nil || n == 0 {
		return // LOGON_EMPTY
	}
	msgs, err := bidib.UnmarshalAll(buf[:n])
	if err != nil || len(msgs) != 1 || msgs[0].Opcode != bidib.MsgLocalLogon {
		// LOGON_MULTIPLE or malformed: ignore, peers retry with backoff.
		metrics.SubBusErrorsTotal.WithLabelValues("logon_multiple").Inc()
		return
	}
	u, err := uid.Parse(msgs[0].Payload)
	if err != nil {
		metrics.SubBusErrorsTotal.WithLabelValues("logon_crc").Inc()
		return
	}
	l.admit(u)
}

// admit allocates the lowest free bus address for u, appends it to the
// sorted node table, bumps the table version (wrapping 255->1), replies
// with LOCAL_LOGON_ACK, and raises a node-added event, per spec.md §4.2.
func (l *Link) admit(u uid.UID) {
	l.mu.Lock()
	addr := l.lowestFreeAddrLocked()
	if addr == 0 {
		l.mu.Unlock()
		return // bus full (63 physical addresses in use)
	}
	l.tableVersion++
	if l.tableVersion == 0 {
		l.tableVersion = 1
	}
	node := nodetree.NewNode(addr, u)
	idx := 0
	for ; idx < len(l.nodes); idx++ {
		if l.nodes[idx].addr > addr {
			break
		}
	}
	l.nodes = append(l.nodes, busNode{})
	copy(l.nodes[idx+1:], l.nodes[idx:])
	l.nodes[idx] = busNode{addr: addr, uid: u, node: node, last: time.Now()}
	l.newNodeDue = time.Now().Add(newNodeSettle)
	l.mu.Unlock()

	l.Tree.Insert(l.Tree.Root, node)
	metrics.SubBusNodesGauge.Set(float64(len(l.nodes)))

	ack, _ := bidib.Marshal(bidib.Message{
		Opcode:  bidib.MsgLocalLogonAck,
		Payload: append([]byte{addr}, u.Bytes()...),
	})
	l.Port.Write(ack)

	if l.Sink != nil {
		l.Sink.Submit(controller.Event{Kind: controller.EventNodeNew, Node: node})
	}
}

func (l *Link) lowestFreeAddrLocked() byte {
	used := make(map[byte]bool, len(l.nodes))
	for _, n := range l.nodes {
		used[n.addr] = true
	}
	for a := byte(1); a <= maxBusAddr; a++ {
		if !used[a] {
			return a
		}
	}
	return 0
}

// doPollRound polls the next node in round-robin order, handling a queued
// self-slot transmission first if one is pending.
func (l *Link) doPollRound() {
	l.mu.Lock()
	if len(l.nodes) == 0 {
		l.mu.Unlock()
		return
	}
	l.cursor = (l.cursor + 1) % len(l.nodes)
	addr := l.nodes[l.cursor].addr
	l.mu.Unlock()

	l.flushSelfSlot()
	l.pollNode(addr)
}

// flushSelfSlot drains and transmits any queued outbound packets, up to
// bidib.MaxSubBusPacket bytes, isolating LOCAL_LOGON_ACK into its own
// packet per the MSG_LOGON wrapper rule (bidib.Queue.DrainUpTo already
// enforces this).
func (l *Link) flushSelfSlot() {
	l.mu.Lock()
	var batch []bidib.Message
	for addr, q := range l.outbound {
		batch = q.DrainUpTo(q.Len(), bidib.MaxSubBusPacket)
		if q.Len() == 0 {
			delete(l.outbound, addr)
		}
		if len(batch) > 0 {
			break
		}
	}
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	frame, err := bidib.MarshalAll(batch)
	if err != nil {
		metrics.SubBusErrorsTotal.WithLabelValues("marshal").Inc()
		return
	}
	time.Sleep(selfSlotGap)
	l.Port.Write(frame)
}

// pollNode gives the floor to the node at addr and reads its reply, if
// any, within the peer gap/byte-timeout budget.
func (l *Link) pollNode(addr byte) {
	l.Port.SetReadDeadline(time.Now().Add(peerSlotGap + peerByteGap*10))
	buf := make([]byte, bidib.MaxSubBusPacket+4)
	read, err := l.Port.Read(buf)
	if err != nil {
		if isTimeout(err) {
			l.checkLiveness(addr)
		}
		return
	}
	if read == 0 {
		l.checkLiveness(addr)
		return
	}
	msgs, err := bidib.UnmarshalAll(buf[:read])
	if err != nil {
		metrics.SubBusErrorsTotal.WithLabelValues("framing").Inc()
		return
	}

	l.mu.Lock()
	var node *nodetree.Node
	for i := range l.nodes {
		if l.nodes[i].addr == addr {
			l.nodes[i].last = time.Now()
			node = l.nodes[i].node
			break
		}
	}
	l.mu.Unlock()
	if node == nil {
		return
	}

	for _, m := range msgs {
		if l.Sink != nil {
			l.Sink.Submit(controller.Event{Kind: controller.EventMessage, Node: node, Msg: m})
		}
	}
}

// checkLiveness drops the node at addr from the bus table if it has not
// answered within the spec's fixed 250 ms liveness window (spec.md §4.2).
func (l *Link) checkLiveness(addr byte) {
	l.mu.Lock()
	var node *nodetree.Node
	stale := false
	for i, bn := range l.nodes {
		if bn.addr != addr {
			continue
		}
		if time.Since(bn.last) > livenessTimeout {
			stale = true
			node = bn.node
			l.nodes = append(l.nodes[:i], l.nodes[i+1:]...)
		}
		break
	}
	l.mu.Unlock()
	if !stale {
		return
	}
	l.Tree.Delete(node)
	metrics.SubBusNodesGauge.Set(float64(len(l.nodes)))
	if l.Sink != nil {
		l.Sink.Submit(controller.Event{Kind: controller.EventNodeLost, Node: node})
	}
	log.Printf("subbus: node %d lost (liveness timeout)", addr)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
