package bst

// Intrusive binary search tree used to index virtual regions by base
// address. Nodes are embedded in the indexed structure; the tree never
// allocates. Operations are O(h) and no rebalancing is performed.

// Node is embedded in structures indexed by a Tree. The zero value is an
// unlinked node.
type Node[T any] struct {
	parent *Node[T]
	child  [2]*Node[T]

	// Item points back at the embedding structure. Set once before the
	// node is first inserted.
	Item T
}

// Tree is an ordered set of embedded nodes. less establishes the ordering
// and must be consistent for the lifetime of the tree.
type Tree[T any] struct {
	root *Node[T]
	less func(a, b T) bool
}

func New[T any](less func(a, b T) bool) *Tree[T] {
	return &Tree[T]{less: less}
}

// Empty reports whether the tree has no nodes.
func (t *Tree[T]) Empty() bool {
	return t.root == nil
}

// isRightChild reports whether n is the right child of its parent.
func isRightChild[T any](n *Node[T]) bool {
	return n.parent != nil && n.parent.child[1] == n
}

// parentPtr returns the pointer through which n is linked into the tree:
// either &t.root or the child slot in n's parent.
func (t *Tree[T]) parentPtr(n *Node[T]) **Node[T] {
	if n.parent == nil {
		return &t.root
	}
	if isRightChild(n) {
		return &n.parent.child[1]
	}
	return &n.parent.child[0]
}

// linkNode sets the child slot of parent and updates the child back-link.
func linkNode[T any](parent *Node[T], right bool, child *Node[T]) {
	idx := 0
	if right {
		idx = 1
	}
	parent.child[idx] = child
	if child != nil {
		child.parent = parent
	}
}

// moveNode replaces oldNode with newNode in the tree structure. newNode may
// be nil. oldNode is left unlinked from its parent.
func (t *Tree[T]) moveNode(oldNode, newNode *Node[T]) {
	*t.parentPtr(oldNode) = newNode
	if newNode != nil {
		newNode.parent = oldNode.parent
	}
	oldNode.parent = nil
}

// findEdge returns the leftmost (right == false) or rightmost (right == true)
// node in the subtree rooted at n. n must not be nil.
func findEdge[T any](n *Node[T], right bool) *Node[T] {
	idx := 0
	if right {
		idx = 1
	}
	for n.child[idx] != nil {
		n = n.child[idx]
	}
	return n
}

// Insert links n into the tree. n must not currently be in any tree.
func (t *Tree[T]) Insert(n *Node[T]) {
	n.parent = nil
	n.child[0] = nil
	n.child[1] = nil

	if t.root == nil {
		t.root = n
		return
	}

	cur := t.root
	for {
		right := t.less(cur.Item, n.Item)
		idx := 0
		if right {
			idx = 1
		}
		if cur.child[idx] == nil {
			linkNode(cur, right, n)
			return
		}
		cur = cur.child[idx]
	}
}

// Delete unlinks n from the tree. If n has two children, the in-order
// neighbor on the side opposite n's own position is relocated into n's
// slot, which keeps repeated delete-reinsert workloads from degenerating
// to one side.
func (t *Tree[T]) Delete(n *Node[T]) {
	nIsRight := isRightChild(n)

	var newChild *Node[T]
	switch {
	case n.child[0] == nil:
		newChild = n.child[1]
	case n.child[1] == nil:
		newChild = n.child[0]
	default:
		searchIdx := 0
		if !nIsRight {
			searchIdx = 1
		}
		edge := findEdge(n.child[searchIdx], nIsRight)
		edgeChildIdx := 0
		if !nIsRight {
			edgeChildIdx = 1
		}
		edgeChild := edge.child[edgeChildIdx]
		t.moveNode(edge, edgeChild)

		newChild = edge
		linkNode(newChild, false, n.child[0])
		linkNode(newChild, true, n.child[1])
	}
	t.moveNode(n, newChild)
	n.child[0] = nil
	n.child[1] = nil
}

// First returns the smallest node, or nil if the tree is empty.
func (t *Tree[T]) First() *Node[T] {
	if t.root == nil {
		return nil
	}
	return findEdge(t.root, false)
}

// Last returns the largest node, or nil if the tree is empty.
func (t *Tree[T]) Last() *Node[T] {
	if t.root == nil {
		return nil
	}
	return findEdge(t.root, true)
}

// prevNext returns the in-order neighbor of n. If n is nil it returns the
// tree edge: the rightmost node when next is false, the leftmost when true.
func (t *Tree[T]) prevNext(n *Node[T], next bool) *Node[T] {
	var nextChild *Node[T]
	if n != nil {
		idx := 0
		if next {
			idx = 1
		}
		nextChild = n.child[idx]
	} else {
		nextChild = t.root
	}

	if n == nil && nextChild == nil {
		return nil
	}

	if nextChild != nil {
		return findEdge(nextChild, !next)
	}

	nextParent := n
	for isRightChild(nextParent) == next {
		nextParent = nextParent.parent
		if nextParent == nil {
			return nil
		}
	}
	return nextParent.parent
}

// Prev returns the node before n, or the last node if n is nil.
func (t *Tree[T]) Prev(n *Node[T]) *Node[T] {
	return t.prevNext(n, false)
}

// Next returns the node after n, or the first node if n is nil.
func (t *Tree[T]) Next(n *Node[T]) *Node[T] {
	return t.prevNext(n, true)
}

// Find returns the node whose item compares equal under cmp. cmp returns a
// negative value if the target sorts before the probed item, positive if
// after, zero on match.
func (t *Tree[T]) Find(cmp func(item T) int) *Node[T] {
	cur := t.root
	for cur != nil {
		c := cmp(cur.Item)
		if c == 0 {
			return cur
		}
		if c < 0 {
			cur = cur.child[0]
		} else {
			cur = cur.child[1]
		}
	}
	return nil
}

// Floor returns the greatest node whose item does not sort after the
// target, per cmp semantics as in Find. Returns nil if every node sorts
// after the target.
func (t *Tree[T]) Floor(cmp func(item T) int) *Node[T] {
	var candidate *Node[T]
	cur := t.root
	for cur != nil {
		if cmp(cur.Item) < 0 {
			cur = cur.child[0]
		} else {
			candidate = cur
			cur = cur.child[1]
		}
	}
	return candidate
}

// ForEach visits items in order until fn returns false.
func (t *Tree[T]) ForEach(fn func(item T) bool) {
	for n := t.First(); n != nil; n = t.Next(n) {
		if !fn(n.Item) {
			return
		}
	}
}
