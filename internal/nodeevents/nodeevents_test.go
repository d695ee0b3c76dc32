package nodeevents

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ktams/bidib-station/internal/nodetree"
	"github.com/ktams/bidib-station/internal/uid"
)

func startServer(t *testing.T) (*Server, *nodetree.Tree, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "events.sock")
	tree := nodetree.New(nodetree.NewNode(0, uid.UID{}))
	s := New(sock)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s.AttachTree(tree)
	tree.OnChange(s.Publish)
	stop := make(chan struct{})
	go s.Serve(stop)
	t.Cleanup(func() { close(stop) })
	return s, tree, sock
}

func dial(t *testing.T, sock string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", sock, err)
	return nil
}

func readEvent(t *testing.T, scanner *bufio.Scanner) Event {
	t.Helper()
	if !scanner.Scan() {
		t.Fatalf("expected a line, scanner stopped: %v", scanner.Err())
	}
	var ev Event
	if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return ev
}

func TestNewConnectionReceivesExistingNodeTable(t *testing.T) {
	_, tree, sock := startServer(t)
	tree.Insert(tree.Root, nodetree.NewNode(5, uid.UID{Product: 9}))

	// Give the insert's async fire a moment to land before connecting, so
	// the snapshot path (not the live broadcast path) is what's exercised.
	time.Sleep(20 * time.Millisecond)

	conn := dial(t, sock)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	ev := readEvent(t, bufio.NewScanner(conn))
	if ev.Kind != KindNodeAdded || ev.LocalAddr != 5 {
		t.Fatalf("snapshot event = %+v, want node_added for addr 5", ev)
	}
}

func TestLiveInsertBroadcastsToConnectedClient(t *testing.T) {
	_, tree, sock := startServer(t)

	conn := dial(t, sock)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)

	tree.Insert(tree.Root, nodetree.NewNode(7, uid.UID{Product: 3}))

	ev := readEvent(t, scanner)
	if ev.Kind != KindNodeAdded || ev.LocalAddr != 7 {
		t.Fatalf("live event = %+v, want node_added for addr 7", ev)
	}
}

func TestParseUIDRoundTrips(t *testing.T) {
	u := uid.UID{Manufacturer: 0x0D, Product: 2, Serial: [3]byte{1, 2, 3}}
	got, err := ParseUID(u.String())
	if err != nil {
		t.Fatalf("ParseUID: %v", err)
	}
	if got != u {
		t.Fatalf("ParseUID round trip = %+v, want %+v", got, u)
	}
}
