package scene

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gekko3d/scenert/rt/core"
)

func rowCapacity(b *bvhRecord) int {
	if b.info.Chain {
		return BvhChainChildCount
	}
	return BvhChildCount
}

// AttachNodesToBvh moves every node under bvh, detaching it from its
// current BVH first. Full rows are continued in chained rows.
func (m *NodeManager) AttachNodesToBvh(bvh NodeRef, nodes ...uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, err := m.bvhLocked(bvh)
	if err != nil {
		return err
	}
	if head.info.Chain {
		return fmt.Errorf("%w: %s is a chained row", ErrInvalidUsage, bvh)
	}
	for _, n := range nodes {
		rec, err := m.nodeLocked(n)
		if err != nil {
			return err
		}
		if m.isAncestorLocked(n, head.info.Node) {
			return fmt.Errorf("%w: node %d would contain itself", ErrInvalidUsage, n)
		}
		if !rec.link.Parent.IsNull() {
			m.detachLocked(n, rec)
		}
		m.insertLocked(bvh.Index(), n, rec)
		m.raiseDepthLocked(head.info.Node, rec.link.ChildDepth+1)
	}
	return nil
}

// DetachNode removes the node from its BVH.
func (m *NodeManager) DetachNode(node uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.nodeLocked(node)
	if err != nil {
		return err
	}
	if rec.link.Parent.IsNull() {
		return nil
	}
	m.detachLocked(node, rec)
	return nil
}

// isAncestorLocked reports whether node is target or lies above it.
func (m *NodeManager) isAncestorLocked(node, target uint32) bool {
	for n := target; ; {
		if n == node {
			return true
		}
		p := m.nodes.Ref(n).link.Parent
		if p.IsNull() {
			return false
		}
		n = m.bvhs.Ref(p.Index()).info.Node
	}
}

func (m *NodeManager) insertLocked(head, node uint32, rec *nodeRecord) {
	row := head
	b := m.bvhs.Ref(row)
	for len(b.info.Children) >= rowCapacity(b) {
		if b.next == 0 {
			next := m.bvhAlloc.Allocate()
			m.bvhs.Emplace(next, bvhRecord{live: true, info: BvhInfo{Node: b.info.Node, Chain: true}})
			b.next = next
			b.info.Chained = MakeNodeRef(NodeTypeBvh, next)
			m.markBvhLocked(row, b, dirtyBvhNode)
		}
		row = b.next
		b = m.bvhs.Ref(row)
	}
	rec.link.Parent = MakeNodeRef(NodeTypeBvh, row)
	rec.link.ChildIndex = uint32(len(b.info.Children))
	b.info.Children = append(b.info.Children, rec.info.SelfRef)
	m.markBvhLocked(row, b, dirtyBvhNode)
	m.markBvhLocked(head, m.bvhs.Ref(head), dirtyBvhChain)
}

// detachLocked swaps the last child of the row into the node's slot.
func (m *NodeManager) detachLocked(node uint32, rec *nodeRecord) {
	row := rec.link.Parent.Index()
	b := m.bvhs.Ref(row)
	last := len(b.info.Children) - 1
	moved := b.info.Children[last]
	b.info.Children[rec.link.ChildIndex] = moved
	b.info.Children = b.info.Children[:last]
	if mi, ok := m.byRef[moved]; ok && mi != node {
		m.nodes.Ref(mi).link.ChildIndex = rec.link.ChildIndex
	}
	rec.link.Parent = 0
	rec.link.ChildIndex = 0
	m.markBvhLocked(row, b, dirtyBvhNode)
	head := m.nodes.Ref(b.info.Node).info.SelfRef.Index()
	m.markBvhLocked(head, m.bvhs.Ref(head), dirtyBvhChain)
}

// raiseDepthLocked walks up from node raising childDepth until an
// ancestor already bounds the new depth.
func (m *NodeManager) raiseDepthLocked(node, depth uint32) {
	for {
		rec := m.nodes.Ref(node)
		if rec.link.ChildDepth >= depth {
			return
		}
		rec.link.ChildDepth = depth
		if rec.link.Parent.IsNull() {
			return
		}
		node = m.bvhs.Ref(rec.link.Parent.Index()).info.Node
		depth++
	}
}

func (m *NodeManager) compactChainsLocked() {
	for _, i := range m.dirtyBvhs {
		b := m.bvhs.Ref(i)
		if b.live && !b.info.Chain && b.dirty&dirtyBvhChain != 0 {
			m.compactBvhChainLocked(i)
		}
	}
}

// compactBvhChainLocked repacks a chain whose children fit in fewer rows,
// grouping children by node type. Surplus rows are recycled once the
// current frame completes.
func (m *NodeManager) compactBvhChainLocked(head uint32) {
	var rows []uint32
	var children []NodeRef
	for row := head; row != 0; row = m.bvhs.Ref(row).next {
		rows = append(rows, row)
		children = append(children, m.bvhs.Ref(row).info.Children...)
	}
	if len(rows) < 2 || len(children) > (len(rows)-1)*BvhChildCount {
		return
	}
	slices.SortStableFunc(children, func(a, b NodeRef) int {
		return cmp.Compare(a.Type(), b.Type())
	})

	need := 1
	if len(children) > BvhChildCount {
		need += int(core.DivCeil(uint32(len(children)-BvhChildCount), BvhChainChildCount))
	}
	rest := children
	for k, row := range rows[:need] {
		b := m.bvhs.Ref(row)
		n := min(len(rest), rowCapacity(b))
		b.info.Children = append(b.info.Children[:0], rest[:n]...)
		rest = rest[n:]
		for ci, c := range b.info.Children {
			if ni, ok := m.byRef[c]; ok {
				link := &m.nodes.Ref(ni).link
				link.Parent = MakeNodeRef(NodeTypeBvh, row)
				link.ChildIndex = uint32(ci)
			}
		}
		if k == need-1 {
			b.next = 0
			b.info.Chained = 0
		}
		m.markBvhLocked(row, b, dirtyBvhNode)
	}
	for _, row := range rows[need:] {
		b := m.bvhs.Ref(row)
		b.live = false
		b.info.Children = nil
		b.next = 0
		m.markBvhLocked(row, b, dirtyBvhNode)
		m.retireLocked(retiredNode{bvh: row})
	}
	m.log.Debugf("compacted bvh %d from %d to %d rows", head, len(rows), need)
}
