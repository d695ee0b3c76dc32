package netbidib

import (
	"context"
	"log"
	"net"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/metrics"
	"github.com/ktams/bidib-station/internal/uid"
)

// protocolSignature is the fixed ASCII string every STARTUP handshake
// begins with, per spec.md §4.8.
const protocolSignature = "BiDiB"

// Identity is the local node's announced identity, used both for the
// STARTUP LOCAL_LINK reply and UDP announcement.
type Identity struct {
	UID             uid.UID
	ProductString   string
	UserString      string
	ProtocolVersion uint16
	TCPPort         uint16
}

// Accept runs the TCP accept loop until ctx is cancelled, handing each
// connection to handle in its own goroutine (one reader per session,
// matching the five-long-lived-tasks model's "netBiDiB accept/reader").
func Accept(ctx context.Context, ln net.Listener, m *Manager, id Identity, dispatch func(*Session, bidib.Message)) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("netbidib: accept error: %v", err)
			continue
		}
		s := m.Accept(conn)
		go serve(s, m, id, dispatch)
	}
}

// serve performs the STARTUP handshake and then reads messages until the
// connection closes, dispatching each to dispatch (which interprets
// pairing-relevant opcodes and forwards everything else to the router).
func serve(s *Session, m *Manager, id Identity, dispatch func(*Session, bidib.Message)) {
	defer m.Close(s)

	buf := make([]byte, 4096)

	var msgs []bidib.Message
	for len(msgs) == 0 {
		n, err := s.Conn.Read(buf)
		if err != nil {
			return
		}
		var ferr error
		msgs, ferr = s.feed(buf[:n])
		if ferr != nil {
			metrics.SubBusErrorsTotal.WithLabelValues("framing").Inc()
			return
		}
	}
	if msgs[0].Opcode != bidib.MsgLocalProtoSig || string(msgs[0].Payload) != protocolSignature {
		metrics.SubBusErrorsTotal.WithLabelValues("startup_signature").Inc()
		return
	}

	sendIdentity(s, m, id)
	for _, extra := range msgs[1:] {
		dispatch(s, extra)
	}

	for {
		n, err := s.Conn.Read(buf)
		if err != nil {
			return
		}
		msgs, err := s.feed(buf[:n])
		if err != nil {
			metrics.SubBusErrorsTotal.WithLabelValues("framing").Inc()
			return
		}
		for _, msg := range msgs {
			dispatch(s, msg)
		}
	}
}

// sendIdentity replies with our own protocol signature followed by a
// LOCAL_LINK sequence carrying {UID, product string, user string, protocol
// version}, per spec.md §4.8.
func sendIdentity(s *Session, m *Manager, id Identity) {
	version := []byte{byte(id.ProtocolVersion >> 8), byte(id.ProtocolVersion)}
	m.Enqueue(s,
		bidib.Message{Opcode: bidib.MsgLocalProtoSig, Payload: []byte(protocolSignature)},
		bidib.Message{Opcode: bidib.MsgLinkDescriptorUID, Payload: append(id.UID.Bytes(), version...)},
		bidib.Message{Opcode: bidib.MsgString, Payload: append([]byte{0, 0}, []byte(id.ProductString)...)},
		bidib.Message{Opcode: bidib.MsgString, Payload: append([]byte{0, 1}, []byte(id.UserString)...)},
	)
}
