package subbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/controller"
	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/uid"
)

// pipePort adapts a net.Conn (from net.Pipe) to the Port interface for
// tests, the way eventsocket's tests dial a real listener rather than
// mocking the transport.
type pipePort struct {
	net.Conn
}

func (p pipePort) SetReadDeadline(t time.Time) error { return p.Conn.SetReadDeadline(t) }

func TestLogonAdmitsSingleCleanReply(t *testing.T) {
	masterConn, peerConn := net.Pipe()
	defer masterConn.Close()
	defer peerConn.Close()

	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	fsm := controller.New(tree, nil, nil)
	link := New(pipePort{masterConn}, tree, fsm)

	u := uid.UID{Class: 0x01, Manufacturer: 0x0D, Serial: [3]byte{0x11, 0x22, 0x33}}
	logonFrame, err := bidib.Marshal(bidib.Message{Opcode: bidib.MsgLocalLogon, Payload: u.Bytes()})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	done := make(chan struct{})
	go func() {
		peerConn.Write(logonFrame)
		close(done)
	}()

	// net.Pipe is unbuffered, so the LOCAL_LOGON_ACK that admit writes must
	// be read concurrently or doLogon blocks on the write.
	type readResult struct {
		buf []byte
		err error
	}
	ackC := make(chan readResult, 1)
	go func() {
		<-done
		ackBuf := make([]byte, 32)
		peerConn.SetReadDeadline(time.Now().Add(time.Second))
		nRead, err := peerConn.Read(ackBuf)
		ackC <- readResult{buf: ackBuf[:nRead], err: err}
	}()

	link.doLogon()

	link.mu.Lock()
	n := len(link.nodes)
	link.mu.Unlock()
	if n != 1 {
		t.Fatalf("nodes admitted = %d, want 1", n)
	}

	ack := <-ackC
	if ack.err != nil {
		t.Fatalf("reading ack: %v", ack.err)
	}
	msgs, err := bidib.UnmarshalAll(ack.buf)
	if err != nil || len(msgs) != 1 || msgs[0].Opcode != bidib.MsgLocalLogonAck {
		t.Fatalf("expected LOCAL_LOGON_ACK, got %v (err=%v)", msgs, err)
	}
	if msgs[0].Payload[0] != 1 {
		t.Fatalf("assigned address = %d, want 1", msgs[0].Payload[0])
	}
}

func TestLogonIgnoresCollision(t *testing.T) {
	masterConn, peerConn := net.Pipe()
	defer masterConn.Close()
	defer peerConn.Close()

	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	link := New(pipePort{masterConn}, tree, nil)

	done := make(chan struct{})
	go func() {
		// Two colliding replies look like stray, non-framing-valid bytes.
		peerConn.Write([]byte{0x09, 0x72, 0x01, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xFF})
		close(done)
	}()

	link.doLogon()
	<-done

	link.mu.Lock()
	n := len(link.nodes)
	link.mu.Unlock()
	if n != 0 {
		t.Fatalf("nodes admitted on collision = %d, want 0", n)
	}
}

func TestWriteToNodeEnqueuesAndFlushesOnSelfSlot(t *testing.T) {
	masterConn, peerConn := net.Pipe()
	defer masterConn.Close()
	defer peerConn.Close()

	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	link := New(pipePort{masterConn}, tree, nil)

	if err := link.WriteToNode(1, bidib.Message{Opcode: bidib.MsgSysEnable}); err != nil {
		t.Fatalf("WriteToNode: %v", err)
	}

	readDone := make(chan []byte)
	go func() {
		buf := make([]byte, 64)
		peerConn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := peerConn.Read(buf)
		if err != nil {
			t.Errorf("peer read: %v", err)
			readDone <- nil
			return
		}
		readDone <- buf[:n]
	}()

	link.flushSelfSlot()
	frame := <-readDone
	msgs, err := bidib.UnmarshalAll(frame)
	if err != nil || len(msgs) != 1 || msgs[0].Opcode != bidib.MsgSysEnable {
		t.Fatalf("expected flushed SYS_ENABLE, got %v (err=%v)", msgs, err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	masterConn, peerConn := net.Pipe()
	defer masterConn.Close()
	defer peerConn.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := peerConn.Read(buf); err != nil {
				return
			}
		}
	}()

	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	link := New(pipePort{masterConn}, tree, nil)

	ctx, cancel := context.WithCancel(context.Background())
	doneRun := make(chan struct{})
	go func() {
		link.Run(ctx)
		close(doneRun)
	}()
	cancel()
	select {
	case <-doneRun:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
