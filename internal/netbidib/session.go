// Package netbidib implements the networked BiDiB session layer (C8): TCP
// accept and the STARTUP handshake, the pairing/trust state machine, UDP
// announcement, and a single-writer outbound coalescing queue. Grounded on
// eventsocket's connection bookkeeping (server.go's clients map + mutex)
// and m-lab/uuid's stable connection identifiers.
package netbidib

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/m-lab/uuid"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/metrics"
)

// PairState is a session's position in the pairing state machine, per
// spec.md §4.8.
type PairState int

const (
	StateNull PairState = iota
	StateUnpaired
	StateMyRequest
	StatePaired
	StateControl
)

// TrustStore records UIDs this server has paired with, persisted via
// internal/config. Product/user strings are kept for display purposes.
type TrustStore interface {
	IsTrusted(uidHex string) bool
	Trust(uidHex, product, user string)
	Untrust(uidHex string)
}

// Session is one accepted TCP connection from a netBiDiB client.
type Session struct {
	Conn net.Conn
	ID   string // stable per-connection identifier from m-lab/uuid

	mu         sync.Mutex
	State      PairState
	PeerUID    string
	outbound   bidib.Queue
	closed     bool

	// rxBuf accumulates bytes read from Conn across TCP boundaries, per
	// spec.md §3's "RX buffer with a fill counter" — TCP gives no
	// message-boundary guarantee, so a message split across two reads must
	// not desync framing. Owned solely by serve's reader goroutine; no
	// lock needed.
	rxBuf []byte
}

// feed appends newly read bytes to rxBuf and extracts every complete
// message now available, leaving any trailing partial message buffered
// for the next read.
func (s *Session) feed(data []byte) ([]bidib.Message, error) {
	s.rxBuf = append(s.rxBuf, data...)
	var out []bidib.Message
	for len(s.rxBuf) > 0 {
		length := int(s.rxBuf[0])
		if length+1 > len(s.rxBuf) {
			break // rest of this message hasn't arrived yet
		}
		m, n, err := bidib.Unmarshal(s.rxBuf)
		if err != nil {
			return out, err
		}
		out = append(out, m)
		s.rxBuf = s.rxBuf[n:]
	}
	return out, nil
}

// newSession wraps an accepted connection, deriving a stable identifier
// the way the teacher's collector correlates netlink sockets to TCP
// connections via uuid.FromTCPConn.
func newSession(conn net.Conn) *Session {
	id := conn.RemoteAddr().String()
	if tc, ok := conn.(*net.TCPConn); ok {
		if u, err := uuid.FromTCPConn(tc); err == nil {
			id = u
		}
	}
	return &Session{Conn: conn, ID: id, State: StateNull}
}

// Manager owns every active session, the single CONTROL session (if any),
// and the outbound writer loop.
type Manager struct {
	Trust TrustStore

	mu       sync.Mutex
	sessions map[string]*Session // keyed by Session.ID; never re-keyed or merged by PeerUID
	control  *Session

	writeQueue chan writeJob
	Approve    func(peerUID string) bool // prompts the local operator; nil = always approve
}

type writeJob struct {
	session *Session
	msgs    []bidib.Message
}

// NewManager creates a Manager. Call RunWriter in a goroutine to start the
// single outbound writer task.
func NewManager(trust TrustStore) *Manager {
	return &Manager{
		Trust:      trust,
		sessions:   make(map[string]*Session),
		writeQueue: make(chan writeJob, 256),
	}
}

// Accept registers a newly accepted connection and returns its Session.
func (m *Manager) Accept(conn net.Conn) *Session {
	s := newSession(conn)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	metrics.SessionsGauge.WithLabelValues("total").Inc()
	return s
}

// Enqueue schedules msgs for transmission to s. The single writer task
// (RunWriter) is responsible for actually sending them, coalescing with
// any other tuples already queued for the same session.
func (m *Manager) Enqueue(s *Session, msgs ...bidib.Message) {
	m.writeQueue <- writeJob{session: s, msgs: msgs}
}

// RunWriter is the single task that consumes {session, message-list}
// tuples, peeking ahead to chain additional tuples bound for the same
// session into one send() batch, per spec.md §4.8. Partial writes abort
// the batch and close the session.
func (m *Manager) RunWriter(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case job := <-m.writeQueue:
			batch := job.msgs
		drain:
			for {
				select {
				case next := <-m.writeQueue:
					if next.session != job.session {
						// Not chainable: send what we have, then start a new
						// batch with next (it belongs to a different session).
						m.send(job.session, batch)
						batch = next.msgs
						job = next
						continue
					}
					batch = append(batch, next.msgs...)
				default:
					break drain
				}
			}
			m.send(job.session, batch)
		}
	}
}

func (m *Manager) send(s *Session, msgs []bidib.Message) {
	frame, err := bidib.MarshalAll(msgs)
	if err != nil {
		log.Printf("netbidib: marshal failed for session %s: %v", s.ID, err)
		return
	}
	if _, err := s.Conn.Write(frame); err != nil {
		log.Printf("netbidib: partial write to session %s: %v, closing", s.ID, err)
		m.Close(s)
	}
}

// Close removes s from the session table, revoking CONTROL if it held it,
// and closes the underlying connection. Idempotent.
func (m *Manager) Close(s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	wasControl := m.control == s
	if wasControl {
		m.control = nil
	}
	m.mu.Unlock()

	if wasControl {
		metrics.SessionsGauge.WithLabelValues("control").Set(0)
		log.Printf("netbidib: CONTROL session %s closed, reverting to local controller", s.ID)
	}
	metrics.SessionsGauge.WithLabelValues("total").Dec()
	s.Conn.Close()
}

// HandleLinkDescriptor advances s through NULL per spec.md §4.8's pairing
// table.
func (m *Manager) HandleLinkDescriptor(s *Session, peerUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PeerUID = peerUID
	if s.State != StateNull {
		return
	}
	if m.Trust != nil && m.Trust.IsTrusted(peerUID) {
		s.State = StateMyRequest
		m.Enqueue(s, bidib.Message{Opcode: bidib.MsgStatusPaired})
		return
	}
	s.State = StateUnpaired
	m.Enqueue(s, bidib.Message{Opcode: bidib.MsgStatusUnpaired})
}

// HandlePairingRequest advances an UNPAIRED session once the local
// operator has (or has not) approved it.
func (m *Manager) HandlePairingRequest(s *Session) {
	s.mu.Lock()
	if s.State != StateUnpaired {
		s.mu.Unlock()
		return
	}
	peerUID := s.PeerUID
	s.mu.Unlock()

	m.Enqueue(s, bidib.Message{Opcode: bidib.MsgPairingRequest})
	approved := m.Approve == nil || m.Approve(peerUID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if approved {
		s.State = StateMyRequest
		m.Enqueue(s, bidib.Message{Opcode: bidib.MsgStatusPaired})
	} else {
		m.Enqueue(s, bidib.Message{Opcode: bidib.MsgStatusUnpaired})
	}
}

// HandleStatusPaired completes pairing once the peer echoes STATUS_PAIRED
// back (MY_REQUEST -> PAIRED), persists trust, and arranges a login if no
// session currently controls.
func (m *Manager) HandleStatusPaired(s *Session) {
	s.mu.Lock()
	if s.State != StateMyRequest {
		s.mu.Unlock()
		return
	}
	s.State = StatePaired
	peerUID := s.PeerUID
	s.mu.Unlock()

	if m.Trust != nil {
		m.Trust.Trust(peerUID, "", "")
	}

	m.mu.Lock()
	hasControl := m.control != nil
	m.mu.Unlock()
	if hasControl {
		m.Enqueue(s, bidib.Message{Opcode: bidib.MsgLocalLogoff})
	}
	// Otherwise login-pending: the client is expected to follow up with
	// LOCAL_LOGON, handled by HandleLogonAck.
}

// HandleLogonAck promotes a PAIRED session to exclusive CONTROL, resetting
// root sequence counters and enabling external-control mode. A second
// login attempt while another session controls is rejected.
func (m *Manager) HandleLogonAck(s *Session, resetRootSeq func()) {
	s.mu.Lock()
	if s.State != StatePaired {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	m.mu.Lock()
	if m.control != nil && m.control != s {
		m.mu.Unlock()
		m.Enqueue(s, bidib.Message{Opcode: bidib.MsgLocalLogonRejected})
		return
	}
	m.control = s
	m.mu.Unlock()

	s.mu.Lock()
	s.State = StateControl
	s.mu.Unlock()

	if resetRootSeq != nil {
		resetRootSeq()
	}
	metrics.SessionsGauge.WithLabelValues("control").Set(1)
}

// HandleStatusUnpaired drops trust and returns to UNPAIRED, from any
// state, per the pairing table's "any -> STATUS_UNPAIRED -> drop trust".
func (m *Manager) HandleStatusUnpaired(s *Session) {
	s.mu.Lock()
	s.State = StateUnpaired
	peerUID := s.PeerUID
	s.mu.Unlock()
	if m.Trust != nil {
		m.Trust.Untrust(peerUID)
	}
}

// IsControl reports whether s currently holds exclusive CONTROL.
func (m *Manager) IsControl(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.control == s
}

// ControlSession returns the session currently holding exclusive CONTROL,
// or nil if none does (the local controller FSM has authority).
func (m *Manager) ControlSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.control
}

const startupTimeout = 5 * time.Second
