package nodetree

import (
	"github.com/ktams/bidib-station/internal/bidib"
	"github.com/ktams/bidib-station/internal/uid"
)

// ByAddressStack descends one hop per non-zero byte of stack, matching on
// local address at each level, and returns the target node. It returns nil
// if any hop has no matching child.
func (t *Tree) ByAddressStack(stack bidib.AddressStack) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byAddressStackLocked(stack)
}

func (t *Tree) byAddressStackLocked(stack bidib.AddressStack) *Node {
	n := t.Root
	for stack != 0 {
		hop := stack.TopHop()
		n = n.ChildByAddr(hop)
		if n == nil {
			return nil
		}
		stack = stack.Descend()
	}
	return n
}

// ByUID recursively searches the whole tree for a node with the exact full
// UID u.
func (t *Tree) ByUID(u uid.UID) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return findUID(t.Root, u.Bytes())
}

func findUID(n *Node, full []byte) *Node {
	if string(n.UID.Bytes()) == string(full) {
		return n
	}
	for _, c := range n.Children {
		if found := findUID(c, full); found != nil {
			return found
		}
	}
	return nil
}

// ByShortUID recursively searches the tree comparing only bytes 2..6 (the
// manufacturer/product/serial portion), tolerant of a class-byte change
// across a firmware update.
func (t *Tree) ByShortUID(short uid.Short) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return findShortUID(t.Root, short)
}

func findShortUID(n *Node, short uid.Short) *Node {
	if n.UID.Short() == short {
		return n
	}
	for _, c := range n.Children {
		if found := findShortUID(c, short); found != nil {
			return found
		}
	}
	return nil
}

// ChildByAddr looks up a direct child of the root by local address (a
// frequent special case: the root's own physical sub-bus children).
func (t *Tree) ChildByAddr(addr byte) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Root.ChildByAddr(addr)
}

// LowestFreeAddr scans parent's sorted child list for the lowest unused
// local address >= min, returning 0 if the space (1..63 physical, 64..255
// virtual) is exhausted.
func (t *Tree) LowestFreeAddr(parent *Node, min byte) byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lowestFreeAddrLocked(parent, min)
}

func lowestFreeAddrLocked(parent *Node, min byte) byte {
	want := min
	for _, c := range parent.Children {
		if c.LocalAddr < want {
			continue
		}
		if c.LocalAddr == want {
			if want == 255 {
				return 0
			}
			want++
			continue
		}
		if c.LocalAddr > want {
			return want
		}
	}
	if (min < 64 && want > 63) || want == 0 {
		return 0
	}
	return want
}

// Insert adds child under parent, keeping Children sorted by LocalAddr, and
// fires a tree-changed event. Returns false if a child with that local
// address already exists.
func (t *Tree) Insert(parent, child *Node) bool {
	t.mu.Lock()
	ok := insertLocked(parent, child)
	t.mu.Unlock()
	if ok {
		child.Parent = parent
		t.fire(Event{Kind: EventNodeAdded, Node: child})
		t.fire(Event{Kind: EventTreeChanged, Node: parent})
	}
	return ok
}

func insertLocked(parent, child *Node) bool {
	i := 0
	for ; i < len(parent.Children); i++ {
		if parent.Children[i].LocalAddr == child.LocalAddr {
			return false
		}
		if parent.Children[i].LocalAddr > child.LocalAddr {
			break
		}
	}
	parent.Children = append(parent.Children, nil)
	copy(parent.Children[i+1:], parent.Children[i:])
	parent.Children[i] = child
	return true
}

// Delete removes node (and, recursively, all of its descendants) from the
// tree, freeing private payloads and firing node-lost events bottom-up.
// Returns false if node has no parent (i.e. is the root, which cannot be
// deleted) or is not found under its recorded parent.
func (t *Tree) Delete(node *Node) bool {
	if node.Parent == nil {
		return false
	}
	t.mu.Lock()
	parent := node.Parent
	ok := deleteLocked(parent, node)
	t.mu.Unlock()
	if ok {
		fireDeletedRecursive(t, node)
		t.fire(Event{Kind: EventTreeChanged, Node: parent})
	}
	return ok
}

func deleteLocked(parent, node *Node) bool {
	for i, c := range parent.Children {
		if c == node {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return true
		}
	}
	return false
}

func fireDeletedRecursive(t *Tree, node *Node) {
	for _, c := range node.Children {
		fireDeletedRecursive(t, c)
	}
	node.Children = nil
	node.Private = nil
	node.Features = nil
	node.TableCursor = 0
	t.fire(Event{Kind: EventNodeLost, Node: node})
}

// Walk invokes f for node and every descendant, depth first. f must not
// mutate the tree.
func (t *Tree) Walk(node *Node, f func(*Node)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	walkLocked(node, f)
}

func walkLocked(node *Node, f func(*Node)) {
	f(node)
	for _, c := range node.Children {
		walkLocked(c, f)
	}
}
