package queue

// PNode is an intrusive link for PQueue, a singly-linked sorted list.
// Embed by value (e.g. in a sleeping thread's linkage) the same way as
// Node above.
type PNode struct {
	next  *PNode
	owner interface{}
}

func (n *PNode) Set(owner interface{}) { n.owner = owner }
func (n *PNode) Value() interface{}    { return n.owner }

// Less compares two owners and reports whether a sorts before b. Supplied
// by the caller (e.g. compare wakeup ticks for the sleep queue).
type Less func(a, b interface{}) bool

// PQueue is a stable, singly-linked sorted list: insertion-sort cost,
// no allocation, caller-supplied comparator. Matches spec.md §4.B.
type PQueue struct {
	head *PNode
	less Less
	len  int
}

// Init sets the comparator. Must be called before use.
func (q *PQueue) Init(less Less) { q.less = less }

// Insert places n in sorted order. Stable: n is inserted after any existing
// node it compares equal to (neither less than the other).
func (q *PQueue) Insert(n *PNode) {
	if n.next != nil {
		panic("pqueue: node already linked")
	}
	if q.head == nil || q.less(n.owner, q.head.owner) {
		n.next = q.head
		q.head = n
		q.len++
		return
	}
	prev := q.head
	for prev.next != nil && !q.less(n.owner, prev.next.owner) {
		prev = prev.next
	}
	n.next = prev.next
	prev.next = n
	q.len++
}

// PopMin removes and returns the smallest element, or nil if empty.
func (q *PQueue) PopMin() *PNode {
	if q.head == nil {
		return nil
	}
	n := q.head
	q.head = n.next
	n.next = nil
	q.len--
	return n
}

// PeekMin returns the smallest element without removing it.
func (q *PQueue) PeekMin() *PNode { return q.head }

// DrainLessEqual pops and returns every node whose owner does not sort
// after `pivot` (i.e. !less(pivot, owner)), in ascending order. Used by the
// timer tick to wake every thread whose deadline has arrived.
func (q *PQueue) DrainLessEqual(pivot interface{}) []*PNode {
	var out []*PNode
	for q.head != nil && !q.less(pivot, q.head.owner) {
		out = append(out, q.PopMin())
	}
	return out
}

func (q *PQueue) Len() int     { return q.len }
func (q *PQueue) Empty() bool  { return q.len == 0 }
