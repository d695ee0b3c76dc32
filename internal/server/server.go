// Package server implements the BiDiB server-side handler set (C6): the
// opcode -> handler dispatch table a root node consults when queried by a
// remote controller (or by the local controller FSM against its own
// root), plus the named external collaborator interfaces spec.md §1
// leaves out of scope (track driving, accessory driving, PoM, service-mode
// programming). Dispatch is a map, not a switch ladder, per the design
// note in spec.md §9.
package server

import (
	"time"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/nodetree"
)

// TrackDriver is the out-of-scope command-station collaborator (`cs_*` /
// `ts_*` in spec.md's glossary) that actually energises the track and
// drives locomotives. Only the interface lives in this package.
type TrackDriver interface {
	SetTrackState(state TrackState) error
	DriveLoco(addr uint16, format byte, speed bidib.InternalSpeed, functions [4]byte) error
	SetAccessory(addr uint16, aspect byte, extended bool, timingDs byte) error
}

// AccessoryDriver is a narrower collaborator some deployments wire instead
// of the full TrackDriver, for stacks with no command-station of their own
// (signal-box-only servers).
type AccessoryDriver interface {
	SetAccessory(addr uint16, aspect byte, extended bool, timingDs byte) error
}

// PomClient issues an asynchronous programming-on-main byte/bit
// read/write and reports the result via a BM_CV callback.
type PomClient interface {
	PomWriteByte(addr uint16, cv uint32, value byte, result func(cv uint32, value byte, ok bool)) error
	PomWriteBit(addr uint16, cv uint32, bit byte, value bool, result func(cv uint32, value byte, ok bool)) error
}

// ServiceProgrammer performs service-mode (track-isolated) CV
// read/verify/write, reporting asynchronously via CS_PROG_STATE codes.
type ServiceProgrammer interface {
	ProgRead(cv uint32, result func(code byte, value byte)) error
	ProgWrite(cv uint32, value byte, result func(code byte)) error
	ProgVerify(cv uint32, value byte, result func(code byte)) error
}

// TrackState mirrors the CS_SET_STATE enumeration.
type TrackState byte

const (
	TrackOff TrackState = iota
	TrackStop
	TrackSoftStop
	TrackGo
	TrackGoIgnoreWD
	TrackProg
	TrackQuery
)

// Handler processes one message addressed to n, optionally replying
// through reply.
type Handler func(s *Server, n *nodetree.Node, m bidib.Message, reply func(bidib.Message)) error

// Server holds the root node's handler table and its wiring to the
// out-of-scope collaborators.
type Server struct {
	Tree  *nodetree.Tree
	Track TrackDriver
	Acc   AccessoryDriver
	Pom   PomClient
	Prog  ServiceProgrammer

	handlers map[bidib.Opcode]Handler

	// CurMeasInterval is BST_CURMEAS_INTERVAL in units of 10ms; 0 disables
	// the periodic BOOST_DIAGNOSTIC timer.
	CurMeasInterval byte
	trackState      TrackState
}

// New builds a Server with its dispatch table populated.
func New(tree *nodetree.Tree, track TrackDriver, acc AccessoryDriver, pom PomClient, prog ServiceProgrammer) *Server {
	s := &Server{Tree: tree, Track: track, Acc: acc, Pom: pom, Prog: prog}
	s.handlers = map[bidib.Opcode]Handler{
		bidib.MsgSysGetMagic:      handleGetMagic,
		bidib.MsgSysGetPVersion:   handleGetPVersion,
		bidib.MsgSysGetUniqueID:   handleGetUniqueID,
		bidib.MsgSysGetSwVer:     handleGetSwVersion,
		bidib.MsgSysPing:          handlePing,
		bidib.MsgLocalPing:        handlePing,
		bidib.MsgSysIdentify:      handleIdentify,
		bidib.MsgSysReset:         handleReset,
		bidib.MsgSysEnable:        handleEnable,
		bidib.MsgSysDisable:       handleDisable,
		bidib.MsgSysGetError:      handleGetError,
		bidib.MsgNodetabGetAll:    handleNodetabGetAll,
		bidib.MsgNodetabGetNext:   handleNodetabGetNext,
		bidib.MsgNodeChangedAck:   handleNodeChangedAck,
		bidib.MsgFeatureGetAll:    handleFeatureGetAll,
		bidib.MsgFeatureGetNext:   handleFeatureGetNext,
		bidib.MsgFeatureGet:       handleFeatureGet,
		bidib.MsgFeatureSet:       handleFeatureSet,
		bidib.MsgStringGet:        handleStringGet,
		bidib.MsgStringSet:        handleStringSet,
		bidib.MsgBoostOff:         handleBoostOff,
		bidib.MsgBoostOn:          handleBoostOn,
		bidib.MsgBoostQuery:       handleBoostQuery,
		bidib.MsgCsSetState:       handleCsSetState,
		bidib.MsgCsDrive:          handleCsDrive,
		bidib.MsgCsAccessory:      handleCsAccessory,
		bidib.MsgCsPom:            handleCsPom,
		bidib.MsgCsQuery:          handleCsQuery,
		bidib.MsgCsProg:           handleCsProg,
	}
	return s
}

// Dispatch looks up m.Opcode in the handler table and invokes it against n,
// returning nil (no-op) for opcodes this server does not handle.
func (s *Server) Dispatch(n *nodetree.Node, m bidib.Message, reply func(bidib.Message)) error {
	h, ok := s.handlers[m.Opcode]
	if !ok {
		return nil
	}
	return h(s, n, m, reply)
}

// Attach wires every opcode this server handles into n.Downstream, so the
// router delivers matching downlink messages here directly. reply is bound
// once, at wiring time, to however the caller gets a message back to the
// peer that addressed n (the sub-bus link for a physical root, a netBiDiB
// session's Enqueue for a networked one).
func (s *Server) Attach(n *nodetree.Node, reply func(bidib.Message)) {
	if n.Downstream == nil {
		n.Downstream = make(map[bidib.Opcode]nodetree.Handler)
	}
	for op := range s.handlers {
		op := op
		n.Downstream[op] = func(n *nodetree.Node, m bidib.Message) error {
			return s.Dispatch(n, m, reply)
		}
	}
}

// StartDiagnosticTimer runs BOOST_DIAGNOSTIC emission at
// CurMeasInterval*10ms until stop is closed; a zero interval disables it,
// matching "0 disables" in spec.md §4.6.
func (s *Server) StartDiagnosticTimer(reply func(bidib.Message), stop <-chan struct{}) {
	if s.CurMeasInterval == 0 {
		return
	}
	interval := time.Duration(s.CurMeasInterval) * 10 * time.Millisecond
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			reply(bidib.Message{Opcode: bidib.MsgBoostDiagnostic, Payload: s.diagnosticPayload()})
		}
	}
}

func (s *Server) diagnosticPayload() []byte {
	return []byte{byte(s.trackState)}
}
