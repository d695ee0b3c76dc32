// Command bidib-nodetab-csv connects to a running bidibd's diagnostic
// node-events socket, captures its JSONL stream for a fixed window, and
// writes the captured node-added/node-lost/tree-changed records as CSV,
// adapted from cmd/csvtool's ArchiveRecord-to-CSV conversion for this
// stack's own diagnostic event stream.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/ktams/bidib-station/internal/nodeevents"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	sockPath = flag.String("socket", "/run/bidibd/events.sock", "Unix-domain socket the running bidibd publishes node events on")
	window   = flag.Duration("window", 5*time.Second, "How long to capture events before writing CSV")
)

func captureEvents(conn net.Conn, window time.Duration) ([]*nodeevents.Event, error) {
	conn.SetReadDeadline(time.Now().Add(window))
	var events []*nodeevents.Event
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var ev nodeevents.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			log.Printf("bidib-nodetab-csv: skipping malformed line: %v", err)
			continue
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return events, nil
		}
		return events, err
	}
	return events, nil
}

func main() {
	flag.Parse()

	conn, err := net.Dial("unix", *sockPath)
	rtx.Must(err, "could not connect to %s", *sockPath)
	defer conn.Close()

	events, err := captureEvents(conn, *window)
	rtx.Must(err, "could not capture node events")

	rtx.Must(gocsv.Marshal(events, os.Stdout), "could not write CSV")
}
