package main

import (
	"net"
	"testing"
	"time"

	"github.com/ktams/bidib-station/internal/nodeevents"
)

func TestCaptureEventsReadsUntilDeadline(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()

	go func() {
		serverSide.Write([]byte(`{"Kind":"node_added","LocalAddr":5,"UID":"00000d0101020304"}` + "\n"))
		serverSide.Write([]byte(`{"Kind":"node_lost","LocalAddr":5,"UID":"00000d0101020304"}` + "\n"))
		time.Sleep(100 * time.Millisecond)
		serverSide.Close()
	}()

	events, err := captureEvents(client, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("captureEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != nodeevents.KindNodeAdded || events[1].Kind != nodeevents.KindNodeLost {
		t.Fatalf("unexpected event kinds: %+v", events)
	}
}

func TestCaptureEventsSkipsMalformedLines(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()

	go func() {
		serverSide.Write([]byte("not json\n"))
		serverSide.Write([]byte(`{"Kind":"tree_changed","LocalAddr":0,"UID":""}` + "\n"))
		time.Sleep(100 * time.Millisecond)
		serverSide.Close()
	}()

	events, err := captureEvents(client, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("captureEvents: %v", err)
	}
	if len(events) != 1 || events[0].Kind != nodeevents.KindTreeChanged {
		t.Fatalf("events = %+v, want exactly the one valid tree_changed record", events)
	}
}
