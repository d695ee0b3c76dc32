// Package nodeevents exposes BiDiB node-tree changes (node-added, node-lost,
// tree-changed) over a Unix-domain JSONL socket for local diagnostic
// tooling (panel displays, test harnesses), the way github.com/m-lab/tcp-info
// exposes TCP-flow open/close events over its eventsocket package. It never
// drives protocol behaviour itself — the controller and server packages are
// the sources of truth; this is purely a fan-out tap.
package nodeevents

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/uid"
)

// Kind mirrors nodetree.EventKind in a form stable enough to serialise.
type Kind string

const (
	KindNodeAdded    Kind = "node_added"
	KindNodeLost     Kind = "node_lost"
	KindTreeChanged  Kind = "tree_changed"
)

// Event is one JSONL record sent to connected diagnostic clients. csv tags
// let cmd/bidib-nodetab-csv marshal a captured stream straight to CSV with
// gocsv, the way cmd/csvtool does for snapshot.Snapshot.
type Event struct {
	Kind      Kind      `csv:"kind"`
	Timestamp time.Time `csv:"timestamp"`
	LocalAddr byte      `csv:"local_addr"`
	UID       string    `csv:"uid"`
}

// Server fans out node-tree events to any number of connected clients.
// Make one with New; it does nothing until Listen and Serve are called.
type Server struct {
	eventC   chan Event
	filename string
	clients  map[net.Conn]struct{}
	listener net.Listener
	tree     *nodetree.Tree
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// New creates a server that will serve clients on the given Unix-domain
// socket path.
func New(filename string) *Server {
	return &Server{
		filename: filename,
		eventC:   make(chan Event, 256),
		clients:  make(map[net.Conn]struct{}),
	}
}

// AttachTree records tree so each newly connected client is sent the
// current node table before live deltas, letting a one-shot capture (e.g.
// cmd/bidib-nodetab-csv) see every already-attached node, not only ones
// added after it connects.
func (s *Server) AttachTree(tree *nodetree.Tree) {
	s.tree = tree
}

// Listen binds the Unix-domain socket. Call Serve afterwards in a goroutine.
func (s *Server) Listen() error {
	os.Remove(s.filename)
	l, err := net.Listen("unix", s.filename)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Serve accepts clients and fans out events until stop is closed.
func (s *Server) Serve(stop <-chan struct{}) {
	go s.notify(stop)
	go func() {
		<-stop
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.addClient(conn)
	}
}

func (s *Server) addClient(c net.Conn) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	if s.tree != nil {
		s.sendSnapshot(c)
	}
}

// sendSnapshot writes the current node table to a single newly connected
// client, each node as a node_added record, before that client starts
// receiving broadcast deltas.
func (s *Server) sendSnapshot(c net.Conn) {
	s.tree.Walk(s.tree.Root, func(n *nodetree.Node) {
		if n == s.tree.Root {
			return
		}
		b, err := json.Marshal(Event{Kind: KindNodeAdded, Timestamp: time.Now(), LocalAddr: n.LocalAddr, UID: n.UID.String()})
		if err != nil {
			return
		}
		fmt.Fprintln(c, string(b))
	})
}

func (s *Server) removeClient(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if _, err := fmt.Fprintln(c, line); err != nil {
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *Server) notify(stop <-chan struct{}) {
	for {
		select {
		case ev := <-s.eventC:
			b, err := json.Marshal(ev)
			if err != nil {
				log.Printf("nodeevents: marshal failed: %v", err)
				continue
			}
			s.broadcast(string(b))
		case <-stop:
			return
		}
	}
}

// Publish converts a nodetree.Event and pushes it to connected clients.
// Non-blocking: if the event channel is full, the event is dropped (this is
// a diagnostic tap, never a source of protocol truth).
func (s *Server) Publish(ev nodetree.Event) {
	var kind Kind
	switch ev.Kind {
	case nodetree.EventNodeAdded:
		kind = KindNodeAdded
	case nodetree.EventNodeLost:
		kind = KindNodeLost
	default:
		kind = KindTreeChanged
	}
	out := Event{Kind: kind, Timestamp: time.Now(), LocalAddr: ev.Node.LocalAddr, UID: ev.Node.UID.String()}
	select {
	case s.eventC <- out:
	default:
		log.Println("nodeevents: dropping event, subscriber channel full")
	}
}

// ParseUID is a convenience for clients decoding Event.UID.
func ParseUID(s string) (uid.UID, error) { return uid.ParseString(s) }
