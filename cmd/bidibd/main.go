// Command bidibd runs the BiDiB command-station stack: the sub-bus link
// driving directly attached physical nodes, the controller FSM that
// commissions them, the server handler set answering protocol queries
// against the root node, and the netBiDiB session layer that lets a
// networked client pair, take CONTROL, and be discovered via UDP
// announcement. These are the five long-lived tasks the stack runs,
// mirroring the shape of the teacher's collector/saver pairing in main.go:
// one goroutine per concern, all cancelled together off a single context.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/config"
	"github.com/ktams/bidib-station/internal/controller"
	"github.com/ktams/bidib-station/internal/netbidib"
	"github.com/ktams/bidib-station/internal/nodeevents"
	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/router"
	"github.com/ktams/bidib-station/internal/server"
	"github.com/ktams/bidib-station/internal/subbus"
	"github.com/ktams/bidib-station/internal/uid"
	"github.com/ktams/bidib-station/internal/virtual"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	configPath = flag.String("config", "station.ini", "Path to the persisted station configuration")
	promPort   = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	tcpAddr    = flag.String("listen", ":62875", "netBiDiB TCP listen address")
	serialPort = flag.String("serial", "", "Sub-bus UART device (e.g. /dev/ttyUSB0); no physical sub-bus segment if empty")
	baud       = flag.Uint("baud", 115200, "Sub-bus UART baud rate")
	eventSock  = flag.String("eventsock", "", "Unix-domain socket for node-tree diagnostic events; disabled if empty")
	manufactr  = flag.Uint("manufacturer", 0x0D, "Manufacturer byte this station reports in its root UID")
	product    = flag.Uint("product", 0x01, "Product byte this station reports in its root UID")
	userName   = flag.String("name", "bidib-station", "User string announced for the root node")
)

// s88RangeBits is the feedback range width registered for each configured
// S88 module; station.ini's S88Map records only a module's base address,
// not its width, so every module is treated as one 16-contact bus segment
// (the common S88 module size) until per-module width is persisted too.
const s88RangeBits = 16

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	promSrv := prometheusx.MustStartPrometheus(*promPort)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	st, err := config.Load(*configPath)
	rtx.Must(err, "could not load %s", *configPath)

	rootUID := uid.Root(byte(*manufactr), byte(*product), [3]byte{0, 0, 1})
	root := nodetree.NewNode(0, rootUID)
	root.UserString = *userName
	tree := nodetree.New(root)

	if *eventSock != "" {
		evt := nodeevents.New(*eventSock)
		rtx.Must(evt.Listen(), "could not bind %s", *eventSock)
		evt.AttachTree(tree)
		tree.OnChange(evt.Publish)
		stop := make(chan struct{})
		go func() { <-ctx.Done(); close(stop) }()
		go evt.Serve(stop)
	}

	fsm := controller.New(tree, nil, noopFeedback{})
	srv := server.New(tree, nil, nil, nil, nil)

	var link *subbus.Link
	if *serialPort != "" {
		port, err := subbus.OpenTTY(*serialPort, uint32(*baud))
		rtx.Must(err, "could not open %s", *serialPort)
		link = subbus.New(port, tree, fsm)
		fsm.SubBus = link
	}

	var subBus router.SubBusWriter
	if link != nil {
		subBus = link
	}
	rtr := router.New(tree, subBus)
	trust := &configTrust{path: *configPath, state: st}
	mgr := netbidib.NewManager(trust)
	srv.Attach(root, func(m bidib.Message) { deliverLocally(mgr, m) })

	target := &uplinkTarget{tree: tree, router: rtr, mgr: mgr, fsm: fsm}

	s88 := virtual.NewHub(tree, virtual.ProductS88, 64)
	s88.Uplink = func(sender *nodetree.Node, m bidib.Message) {
		rtr.Uplink(sender, m, target)
	}
	for _, base := range st.S88Map {
		if _, err := s88.AddRange(base, s88RangeBits); err != nil {
			log.Printf("config: could not register S88 range at base %d: %v", base, err)
		}
	}

	identity := netbidib.Identity{
		UID:             rootUID,
		ProductString:   "bidib-station",
		UserString:      *userName,
		ProtocolVersion: bidib.ProtocolVersion,
	}
	if port, err := addrPort(*tcpAddr); err == nil {
		identity.TCPPort = port
	}

	ln, err := net.Listen("tcp", *tcpAddr)
	rtx.Must(err, "could not listen on %s", *tcpAddr)

	go fsm.Run(ctx)
	if link != nil {
		go link.Run(ctx)
	}
	go mgr.RunWriter(ctx.Done())
	go netbidib.Accept(ctx, ln, mgr, identity, func(s *netbidib.Session, m bidib.Message) {
		dispatchSession(mgr, target, s, m)
	})
	go netbidib.Announce(ctx, identity)

	log.Printf("bidibd: listening on %s (netBiDiB), serial=%q", *tcpAddr, *serialPort)
	<-ctx.Done()

	log.Printf("bidibd: shutting down")
	ln.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	promSrv.Shutdown(shutdownCtx)
	rtx.Must(config.Save(*configPath, st), "could not save %s on shutdown", *configPath)
}

// deliverLocally hands a root-originated reply to whichever channel is
// appropriate: the exclusive netBiDiB CONTROL session if one holds it,
// otherwise nowhere (a bare local reply has no further hop; the local
// controller already has the authoritative tree state).
func deliverLocally(mgr *netbidib.Manager, m bidib.Message) {
	if s := mgr.ControlSession(); s != nil {
		mgr.Enqueue(s, m)
	}
}

// uplinkTarget is the router's UplinkTarget: messages that have travelled
// from a physical or virtual node up to the root are handed here, where
// they go to the netBiDiB CONTROL session if one is active, or to the
// local controller FSM otherwise, per spec.md §4.8's mode switch.
type uplinkTarget struct {
	tree   *nodetree.Tree
	router *router.Router
	mgr    *netbidib.Manager
	fsm    *controller.FSM
}

func (u *uplinkTarget) Deliver(m bidib.Message) error {
	if s := u.mgr.ControlSession(); s != nil {
		u.mgr.Enqueue(s, m)
		return nil
	}
	n := u.tree.ByAddressStack(m.Address)
	if n == nil {
		return nil
	}
	u.fsm.Submit(controller.Event{Kind: controller.EventMessage, Node: n, Msg: m})
	return nil
}

// dispatchSession interprets pairing-table opcodes locally and forwards
// everything else into the router as an uplink from the session's peer
// node (once known via LOCAL_LINK's UID), letting the same downlink/uplink
// machinery the sub-bus uses handle networked control.
func dispatchSession(mgr *netbidib.Manager, target *uplinkTarget, s *netbidib.Session, m bidib.Message) {
	switch m.Opcode {
	case bidib.MsgLinkDescriptorUID:
		u, err := uid.Parse(m.Payload)
		if err != nil {
			return
		}
		mgr.HandleLinkDescriptor(s, u.String())
	case bidib.MsgPairingRequest:
		mgr.HandlePairingRequest(s)
	case bidib.MsgStatusPaired:
		mgr.HandleStatusPaired(s)
	case bidib.MsgLocalLogon:
		mgr.HandleLogonAck(s, func() { target.tree.Root.ResetSeq() })
	case bidib.MsgStatusUnpaired:
		mgr.HandleStatusUnpaired(s)
	default:
		if !mgr.IsControl(s) {
			return
		}
		target.router.Downlink(target.tree.Root, m)
	}
}

type noopFeedback struct{}

func (noopFeedback) SetOccupied(globalIndex int, occupied bool) {}

// configTrust adapts the persisted trusted-client list to
// netbidib.TrustStore, saving to disk on every change so a pairing
// survives a restart.
type configTrust struct {
	path string

	mu    sync.Mutex
	state *config.State
}

func (t *configTrust) IsTrusted(uidHex string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.state.Clients {
		if c.UIDHex == uidHex {
			return true
		}
	}
	return false
}

func (t *configTrust) Trust(uidHex, product, user string) {
	t.mu.Lock()
	for i, c := range t.state.Clients {
		if c.UIDHex == uidHex {
			t.state.Clients[i].ProductString = product
			t.state.Clients[i].UserString = user
			t.mu.Unlock()
			t.save()
			return
		}
	}
	t.state.Clients = append(t.state.Clients, config.TrustedClient{UIDHex: uidHex, ProductString: product, UserString: user})
	t.mu.Unlock()
	t.save()
}

func (t *configTrust) Untrust(uidHex string) {
	t.mu.Lock()
	for i, c := range t.state.Clients {
		if c.UIDHex == uidHex {
			t.state.Clients = append(t.state.Clients[:i], t.state.Clients[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.save()
}

func (t *configTrust) save() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := config.Save(t.path, t.state); err != nil {
		log.Printf("config: failed to persist trust change: %v", err)
	}
}

func addrPort(addr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	return uint16(port), err
}
