package netbidib

import (
	"net"
	"testing"
	"time"

	"github.com/ktams/bidib-station/internal/bidib"
)

type fakeTrust struct {
	trusted map[string]bool
}

func (f *fakeTrust) IsTrusted(u string) bool { return f.trusted[u] }
func (f *fakeTrust) Trust(u, product, user string) {
	if f.trusted == nil {
		f.trusted = make(map[string]bool)
	}
	f.trusted[u] = true
}
func (f *fakeTrust) Untrust(u string) { delete(f.trusted, u) }

func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return newSession(a), b
}

func readMessages(t *testing.T, conn net.Conn) []bidib.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msgs, err := bidib.UnmarshalAll(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalAll: %v", err)
	}
	return msgs
}

func TestPairingUntrustedGoesUnpaired(t *testing.T) {
	s, peer := newPipeSession(t)
	defer peer.Close()
	m := NewManager(&fakeTrust{})
	go m.RunWriter(make(chan struct{}))

	m.HandleLinkDescriptor(s, "deadbeef")
	msgs := readMessages(t, peer)
	if len(msgs) != 1 || msgs[0].Opcode != bidib.MsgStatusUnpaired {
		t.Fatalf("expected STATUS_UNPAIRED, got %v", msgs)
	}
	if s.State != StateUnpaired {
		t.Fatalf("state = %v, want StateUnpaired", s.State)
	}
}

func TestPairingTrustedSkipsToMyRequest(t *testing.T) {
	trust := &fakeTrust{trusted: map[string]bool{"cafe": true}}
	s, peer := newPipeSession(t)
	defer peer.Close()
	m := NewManager(trust)
	go m.RunWriter(make(chan struct{}))

	m.HandleLinkDescriptor(s, "cafe")
	msgs := readMessages(t, peer)
	if len(msgs) != 1 || msgs[0].Opcode != bidib.MsgStatusPaired {
		t.Fatalf("expected STATUS_PAIRED, got %v", msgs)
	}
	if s.State != StateMyRequest {
		t.Fatalf("state = %v, want StateMyRequest", s.State)
	}
}

func TestFullPairingAndControlHandoff(t *testing.T) {
	trust := &fakeTrust{}
	s, peer := newPipeSession(t)
	defer peer.Close()
	m := NewManager(trust)
	stop := make(chan struct{})
	defer close(stop)
	go m.RunWriter(stop)

	s.PeerUID = "babe"
	s.State = StateUnpaired
	m.Approve = func(string) bool { return true }

	m.HandlePairingRequest(s)
	readMessages(t, peer) // PAIRING_REQUEST
	readMessages(t, peer) // STATUS_PAIRED
	if s.State != StateMyRequest {
		t.Fatalf("state after approval = %v, want StateMyRequest", s.State)
	}

	m.HandleStatusPaired(s)
	if s.State != StatePaired {
		t.Fatalf("state after STATUS_PAIRED echo = %v, want StatePaired", s.State)
	}
	if !trust.trusted["babe"] {
		t.Fatal("expected peer UID persisted as trusted")
	}

	var resetCalled bool
	m.HandleLogonAck(s, func() { resetCalled = true })
	if s.State != StateControl {
		t.Fatalf("state after LOCAL_LOGON_ACK = %v, want StateControl", s.State)
	}
	if !resetCalled {
		t.Fatal("expected root sequence counters reset on entering CONTROL")
	}
	if !m.IsControl(s) {
		t.Fatal("expected manager to record s as the CONTROL session")
	}
}

func TestSecondLoginWhileControlledIsRejected(t *testing.T) {
	m := NewManager(&fakeTrust{})
	stop := make(chan struct{})
	defer close(stop)
	go m.RunWriter(stop)

	s1, peer1 := newPipeSession(t)
	defer peer1.Close()
	s1.State = StatePaired
	m.HandleLogonAck(s1, nil)
	readMessagesNonBlocking(t, peer1)

	s2, peer2 := newPipeSession(t)
	defer peer2.Close()
	s2.State = StatePaired
	m.HandleLogonAck(s2, nil)
	msgs := readMessages(t, peer2)
	if len(msgs) != 1 || msgs[0].Opcode != bidib.MsgLocalLogonRejected {
		t.Fatalf("expected LOCAL_LOGON_REJECTED for second login, got %v", msgs)
	}
	if !m.IsControl(s1) {
		t.Fatal("expected s1 to remain in CONTROL")
	}
}

func readMessagesNonBlocking(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 4096)
	conn.Read(buf)
}
