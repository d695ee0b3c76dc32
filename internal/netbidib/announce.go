package netbidib

import (
	"context"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/ktams/bidib-station/internal/bidib"
)

// AnnouncePort is the fixed UDP port netBiDiB announcements are broadcast
// to, per spec.md §4.8.
const AnnouncePort = 62875

// announceInterval is how often the announcement is repeated.
const announceInterval = 5 * time.Second

// Announce broadcasts {LOCAL_PROTOCOL_SIGNATURE, LOCAL_LINK, LOCAL_ANNOUNCE}
// every 5s on every broadcast-capable interface netlink reports, until ctx
// is cancelled. Enumerating every interface (rather than just the default
// route) lets the stack be discovered from any attached LAN segment, the
// way the teacher's netlink package walks every link for connection
// tracking rather than assuming one interface.
func Announce(ctx context.Context, id Identity) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		announceOnce(id)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func announceOnce(id Identity) {
	frame, err := announcementFrame(id)
	if err != nil {
		log.Printf("netbidib: failed to build announcement: %v", err)
		return
	}

	links, err := netlink.LinkList()
	if err != nil {
		log.Printf("netbidib: netlink.LinkList: %v, falling back to INADDR_ANY broadcast", err)
		broadcastOn("", frame)
		return
	}
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagBroadcast == 0 || attrs.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a.Broadcast == nil {
				continue
			}
			broadcastOn(a.Broadcast.String(), frame)
		}
	}
}

func broadcastOn(addr string, frame []byte) {
	if addr == "" {
		addr = "255.255.255.255"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(addr, strconv.Itoa(AnnouncePort)))
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write(frame)
}

func announcementFrame(id Identity) ([]byte, error) {
	version := make([]byte, 2)
	version[0] = byte(id.ProtocolVersion >> 8)
	version[1] = byte(id.ProtocolVersion)
	port := []byte{byte(id.TCPPort >> 8), byte(id.TCPPort)}
	return bidib.MarshalAll([]bidib.Message{
		{Opcode: bidib.MsgLocalProtoSig, Payload: []byte(protocolSignature)},
		{Opcode: bidib.MsgLinkDescriptorUID, Payload: append(id.UID.Bytes(), version...)},
		{Opcode: bidib.MsgLocalAnnounce, Payload: port},
	})
}
