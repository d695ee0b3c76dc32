package netbidib

import (
	"testing"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/uid"
)

func TestAnnouncementFrameRoundTrips(t *testing.T) {
	id := Identity{
		UID:             uid.UID{Manufacturer: 0x0D, Serial: [3]byte{1, 2, 3}},
		ProtocolVersion: 0x0013,
		TCPPort:         62876,
	}
	frame, err := announcementFrame(id)
	if err != nil {
		t.Fatalf("announcementFrame: %v", err)
	}
	msgs, err := bidib.UnmarshalAll(frame)
	if err != nil {
		t.Fatalf("UnmarshalAll: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages (signature, link, announce), got %d", len(msgs))
	}
	if msgs[0].Opcode != bidib.MsgLocalProtoSig || string(msgs[0].Payload) != protocolSignature {
		t.Fatalf("first message should be the protocol signature, got %v", msgs[0])
	}
	if msgs[2].Opcode != bidib.MsgLocalAnnounce {
		t.Fatalf("third message should be LOCAL_ANNOUNCE, got %v", msgs[2])
	}
	gotPort := uint16(msgs[2].Payload[0])<<8 | uint16(msgs[2].Payload[1])
	if gotPort != id.TCPPort {
		t.Fatalf("announced port = %d, want %d", gotPort, id.TCPPort)
	}
}
