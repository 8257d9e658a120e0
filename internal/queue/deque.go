// Package queue implements the kernel's intrusive collections: a FIFO
// deque, a sorted singly-linked priority queue, and a chaining hashtable,
// per spec.md §4.B. The deque and priority queue never call an allocator;
// their nodes are embedded directly in the caller's own structure (a
// thread's run-queue linkage, a message's bus linkage) so that scheduler
// and interrupt-context code paths never allocate.
package queue

// Node is an intrusive doubly-linked list link. Embed it by value in the
// struct that will be enqueued; a zero Node is a valid, unlinked node.
type Node struct {
	next, prev *Node
	owner      interface{}
	inDeque    bool
}

// Set records the value this node is a link for, so callers can recover it
// from Deque.PopHead/RemoveMatch without a parallel map.
func (n *Node) Set(owner interface{}) { n.owner = owner }

// Value returns the owner previously passed to Set.
func (n *Node) Value() interface{} { return n.owner }

func (n *Node) linked() bool { return n.inDeque }

// Deque is an intrusive FIFO queue. Zero value is empty and ready to use.
// Not safe for concurrent use without an external lock (callers pair it
// with spinlock.Spinlock or kmutex.Mutex per spec.md §5).
type Deque struct {
	head, tail *Node
	len        int
}

// PushTail enqueues n at the tail. n must not already be linked into any
// deque.
func (d *Deque) PushTail(n *Node) {
	if n.linked() {
		panic("queue: node already linked")
	}
	n.prev = d.tail
	n.next = nil
	if d.tail != nil {
		d.tail.next = n
	} else {
		d.head = n
	}
	d.tail = n
	n.inDeque = true
	d.len++
}

// PopHead dequeues and returns the head node, or nil if empty.
func (d *Deque) PopHead() *Node {
	n := d.head
	if n == nil {
		return nil
	}
	d.remove(n)
	return n
}

// Remove unlinks n from the deque. n must currently be linked into d.
func (d *Deque) Remove(n *Node) { d.remove(n) }

func (d *Deque) remove(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		d.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		d.tail = n.prev
	}
	n.next, n.prev = nil, nil
	n.inDeque = false
	d.len--
}

// RemoveMatch linearly scans for the first node for which match returns
// true, unlinks it and returns it, or returns nil if none match. This is
// the generic form of spec.md's "remove_tid": callers pass a predicate
// that compares Value() against the tid they are looking for.
func (d *Deque) RemoveMatch(match func(v interface{}) bool) *Node {
	for n := d.head; n != nil; n = n.next {
		if match(n.owner) {
			d.remove(n)
			return n
		}
	}
	return nil
}

// Len reports the number of linked nodes.
func (d *Deque) Len() int { return d.len }

// Empty reports whether the deque has no linked nodes.
func (d *Deque) Empty() bool { return d.len == 0 }

// Peek returns the head node without removing it, or nil if empty.
func (d *Deque) Peek() *Node { return d.head }
