// Package config persists the stack's settable state to an ini-structured
// file: global settings, virtual-node configuration, trusted netBiDiB
// clients, and the short-UID-to-feedback-base mapping, per spec.md §4.8's
// persistence design note. Parsing tolerates missing sections and ignores
// unknown keys, matching the pack's ini library of choice
// (gopkg.in/ini.v1, as used by the retrieval pack's gravitational-teleport
// and facebook-time repos) rather than a hand-rolled parser.
package config

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// Global holds the [global] section: port and the server's own user name.
type Global struct {
	Port     uint16
	UserName string
}

// VirtualNode is one persisted [NDxxxxxxxxxxxxxx] section: a virtual
// node's settable features and user string, keyed by its UID hex string.
type VirtualNode struct {
	UIDHex     string
	UserString string
	Features   map[byte]byte
}

// TrustedClient is one persisted [CLxxxxxxxxxxxxxx] section: a paired
// netBiDiB client's UID, product string and user string.
type TrustedClient struct {
	UIDHex        string
	ProductString string
	UserString    string
}

// State is the full persisted configuration.
type State struct {
	Global   Global
	Nodes    []VirtualNode
	Clients  []TrustedClient
	S88Map   map[string]int // short-UID hex -> feedback base
}

// Load reads path, tolerating a missing file (returns a zero-value State)
// so a first run starts clean.
func Load(path string) (*State, error) {
	f, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	st := &State{S88Map: make(map[string]int)}

	g := f.Section("global")
	st.Global.Port = uint16(g.Key("port").MustUint(0))
	st.Global.UserName = g.Key("user").String()

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case len(name) == 16 && name[:2] == "ND":
			st.Nodes = append(st.Nodes, parseVirtualNode(sec))
		case len(name) == 16 && name[:2] == "CL":
			st.Clients = append(st.Clients, parseTrustedClient(sec))
		case name == "s88map":
			for _, k := range sec.Keys() {
				st.S88Map[k.Name()] = k.MustInt(0)
			}
		}
	}
	return st, nil
}

func parseVirtualNode(sec *ini.Section) VirtualNode {
	n := VirtualNode{UIDHex: sec.Name()[2:], Features: make(map[byte]byte)}
	for _, k := range sec.Keys() {
		if k.Name() == "user" {
			n.UserString = k.String()
			continue
		}
		if len(k.Name()) > 2 && k.Name()[:2] == "FT" {
			id, err := strconv.Atoi(k.Name()[2:])
			if err != nil {
				continue // unknown/malformed key: ignored, per the tolerant-parsing design note
			}
			n.Features[byte(id)] = byte(k.MustUint(0))
		}
	}
	return n
}

func parseTrustedClient(sec *ini.Section) TrustedClient {
	return TrustedClient{
		UIDHex:        sec.Name()[2:],
		ProductString: sec.Key("product").String(),
		UserString:    sec.Key("user").String(),
	}
}

// Save writes st to path as an ini file, overwriting any existing content.
func Save(path string, st *State) error {
	f := ini.Empty()

	g, _ := f.NewSection("global")
	g.Key("port").SetValue(fmt.Sprint(st.Global.Port))
	g.Key("user").SetValue(st.Global.UserName)

	for _, n := range st.Nodes {
		sec, _ := f.NewSection("ND" + n.UIDHex)
		sec.Key("user").SetValue(n.UserString)
		for id, val := range n.Features {
			sec.Key(fmt.Sprintf("FT%d", id)).SetValue(fmt.Sprint(val))
		}
	}

	for _, c := range st.Clients {
		sec, _ := f.NewSection("CL" + c.UIDHex)
		sec.Key("product").SetValue(c.ProductString)
		sec.Key("user").SetValue(c.UserString)
	}

	if len(st.S88Map) > 0 {
		sec, _ := f.NewSection("s88map")
		for shortUID, base := range st.S88Map {
			sec.Key(shortUID).SetValue(fmt.Sprint(base))
		}
	}

	return f.SaveTo(path)
}
